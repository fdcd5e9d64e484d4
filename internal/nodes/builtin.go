package nodes

import (
	"fmt"
	"net/http"

	"github.com/rendis/nodeflow/internal/expressions"
)

// BuiltinOptions configures the built-in executors.
type BuiltinOptions struct {
	// HTTPClient is shared by http_request and chat_webhook. Nil means defaults.
	HTTPClient      *http.Client
	MaxResponseBody int64
}

// RegisterBuiltins registers every built-in trigger and action.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) error {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("create CEL engine: %w", err)
	}

	builtins := []Executor{
		NewManualTrigger(),
		NewWebhookTrigger(),
		NewScheduleTrigger(),
		NewHTTPRequestExecutor(opts.HTTPClient, opts.MaxResponseBody),
		NewChatWebhookExecutor(opts.HTTPClient),
		NewTransformExecutor(expressions.NewGoJQEngine()),
		NewExpressionExecutor(expressions.NewExprEngine()),
		NewGuardExecutor(cel),
	}
	for _, exec := range builtins {
		if err := r.Register(exec); err != nil {
			return fmt.Errorf("register %s: %w", exec.Type(), err)
		}
	}
	return nil
}

// NewBuiltinRegistry returns a Registry holding the built-ins.
func NewBuiltinRegistry(opts BuiltinOptions) (*Registry, error) {
	r := NewRegistry()
	if err := RegisterBuiltins(r, opts); err != nil {
		return nil, err
	}
	return r, nil
}
