package nodes

import (
	"context"
	"encoding/json"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/runctx"
	"github.com/rendis/nodeflow/pkg/schema"
)

const transformConfigSchema = `{
  "type": "object",
  "properties": {
    "variableName": {"type": "string", "minLength": 1},
    "query": {"type": "string", "minLength": 1}
  },
  "required": ["variableName", "query"]
}`

const expressionConfigSchema = `{
  "type": "object",
  "properties": {
    "variableName": {"type": "string", "minLength": 1},
    "expression": {"type": "string", "minLength": 1}
  },
  "required": ["variableName", "expression"]
}`

const guardConfigSchema = `{
  "type": "object",
  "properties": {
    "condition": {"type": "string", "minLength": 1},
    "message": {"type": "string"},
    "variableName": {"type": "string", "minLength": 1}
  },
  "required": ["condition"]
}`

// ComputeExecutor evaluates an expression over the context variables and
// stores the result. These nodes have no side effects and do not use steps.
type ComputeExecutor struct {
	typ         schema.NodeType
	engine      expressions.Engine
	field       string
	description string
	config      string
}

// NewTransformExecutor runs a jq query over the context.
func NewTransformExecutor(engine *expressions.GoJQEngine) *ComputeExecutor {
	return &ComputeExecutor{
		typ:         schema.NodeTypeTransform,
		engine:      engine,
		field:       "query",
		description: "Reshape context data with a jq query.",
		config:      transformConfigSchema,
	}
}

// NewExpressionExecutor computes a value with an expr-lang expression.
func NewExpressionExecutor(engine *expressions.ExprEngine) *ComputeExecutor {
	return &ComputeExecutor{
		typ:         schema.NodeTypeExpression,
		engine:      engine,
		field:       "expression",
		description: "Compute a variable with an expression.",
		config:      expressionConfigSchema,
	}
}

func (e *ComputeExecutor) Type() schema.NodeType { return e.typ }

func (e *ComputeExecutor) Schema() Schema {
	return Schema{Description: e.description, Config: json.RawMessage(e.config)}
}

func (e *ComputeExecutor) Execute(ctx context.Context, req Request) (runctx.Context, error) {
	return tracked(ctx, req, func() (runctx.Context, error) {
		out, err := e.engine.Evaluate(ctx, stringParam(req.Config, e.field, ""), req.Context.Vars())
		if err != nil {
			return req.Context, err
		}
		return writeVar(req, out)
	})
}

// GuardExecutor stops the run when its CEL condition is false. A false
// guard is a VALIDATION_ERROR, so the run is not retried.
type GuardExecutor struct {
	engine *expressions.CELEngine
}

// NewGuardExecutor evaluates conditions with engine.
func NewGuardExecutor(engine *expressions.CELEngine) *GuardExecutor {
	return &GuardExecutor{engine: engine}
}

func (e *GuardExecutor) Type() schema.NodeType { return schema.NodeTypeGuard }

func (e *GuardExecutor) Schema() Schema {
	return Schema{
		Description: "Continue only when a CEL condition holds.",
		Config:      json.RawMessage(guardConfigSchema),
	}
}

func (e *GuardExecutor) Execute(ctx context.Context, req Request) (runctx.Context, error) {
	return tracked(ctx, req, func() (runctx.Context, error) {
		condition := stringParam(req.Config, "condition", "")
		ok, err := e.engine.EvaluateBool(ctx, condition, req.Context.Vars())
		if err != nil {
			return req.Context, err
		}
		if !ok {
			msg := stringParam(req.Config, "message", "")
			if msg == "" {
				msg = "guard condition is false: " + condition
			}
			return req.Context, schema.NewError(schema.ErrCodeValidation, msg).
				WithDetails(map[string]any{"condition": condition})
		}
		return writeVar(req, true)
	})
}
