package nodes

import (
	"context"
	"encoding/json"

	"github.com/rendis/nodeflow/internal/runctx"
	"github.com/rendis/nodeflow/pkg/schema"
)

const triggerConfigSchema = `{
  "type": "object",
  "properties": {
    "variableName": {"type": "string", "minLength": 1}
  }
}`

const scheduleTriggerConfigSchema = `{
  "type": "object",
  "properties": {
    "cron": {"type": "string", "minLength": 1},
    "variableName": {"type": "string", "minLength": 1}
  },
  "required": ["cron"]
}`

// Initial context keys under which trigger sources deliver their payload.
const (
	WebhookKey  = "webhook"
	ScheduleKey = "schedule"
)

// TriggerExecutor starts a workflow. It passes the context through and,
// when variableName is set, copies its source payload into that variable.
type TriggerExecutor struct {
	typ         schema.NodeType
	source      string
	description string
	config      string
}

// NewManualTrigger is the editor "execute" trigger.
func NewManualTrigger() *TriggerExecutor {
	return &TriggerExecutor{
		typ:         schema.NodeTypeManualTrigger,
		description: "Starts the workflow when a user executes it.",
		config:      triggerConfigSchema,
	}
}

// NewWebhookTrigger receives the webhook body under webhook.body.
func NewWebhookTrigger() *TriggerExecutor {
	return &TriggerExecutor{
		typ:         schema.NodeTypeWebhookTrigger,
		source:      WebhookKey + ".body",
		description: "Starts the workflow from an inbound HTTP webhook.",
		config:      triggerConfigSchema,
	}
}

// NewScheduleTrigger fires on its cron expression.
func NewScheduleTrigger() *TriggerExecutor {
	return &TriggerExecutor{
		typ:         schema.NodeTypeScheduleTrigger,
		source:      ScheduleKey,
		description: "Starts the workflow on a cron schedule.",
		config:      scheduleTriggerConfigSchema,
	}
}

func (e *TriggerExecutor) Type() schema.NodeType { return e.typ }

func (e *TriggerExecutor) Schema() Schema {
	return Schema{Description: e.description, Config: json.RawMessage(e.config)}
}

func (e *TriggerExecutor) Execute(ctx context.Context, req Request) (runctx.Context, error) {
	return tracked(ctx, req, func() (runctx.Context, error) {
		if e.source == "" {
			return req.Context, nil
		}
		payload, ok := req.Context.Lookup(e.source)
		if !ok {
			return req.Context, nil
		}
		return writeVar(req, payload)
	})
}
