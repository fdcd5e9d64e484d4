package expressions

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/nodeflow/pkg/schema"
)

// VarsIdentifier is the CEL variable bound to the whole context map.
const VarsIdentifier = "vars"

var (
	celIdent    = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)
	celReserved = map[string]bool{
		"true": true, "false": true, "null": true, "in": true, "as": true, "break": true,
		"const": true, "continue": true, "else": true, "for": true, "function": true,
		"if": true, "import": true, "let": true, "loop": true, "package": true,
		"namespace": true, "return": true, "var": true, "void": true, "while": true,
	}
)

// CELEngine evaluates CEL predicates for guard nodes.
//
// Every context variable whose name is a valid CEL identifier is declared as
// a dyn-typed top-level variable; the whole map is also bound to "vars".
// Programs are cached per (expression, declared names).
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine with the base environment.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarsIdentifier, cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string { return "cel" }

// Evaluate compiles (or reuses) expression and evaluates it against data.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "empty CEL expression")
	}

	names := declarableNames(data)
	prg, err := e.getOrCompile(expression, names)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(names)+1)
	for _, n := range names {
		activation[n] = data[n]
	}
	if data == nil {
		data = map[string]any{}
	}
	activation[VarsIdentifier] = data

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// EvaluateBool evaluates expression and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeConfig,
			"CEL expression %q must evaluate to a bool, got %T", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

func (e *CELEngine) getOrCompile(expression string, names []string) (cel.Program, error) {
	key := expression + "\x00" + strings.Join(names, ",")

	e.mu.RLock()
	prg, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[key]; ok {
		return prg, nil
	}

	env := e.env
	if len(names) > 0 {
		opts := make([]cel.EnvOption, 0, len(names))
		for _, n := range names {
			opts = append(opts, cel.Variable(n, cel.DynType))
		}
		extended, err := e.env.Extend(opts...)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "extend CEL environment: %s", err.Error()).WithCause(err)
		}
		env = extended
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[key] = prg
	return prg, nil
}

func declarableNames(data map[string]any) []string {
	names := make([]string, 0, len(data))
	for k := range data {
		if k == VarsIdentifier || celReserved[k] || !celIdent.MatchString(k) {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var _ Engine = (*CELEngine)(nil)
