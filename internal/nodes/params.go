package nodes

import (
	"encoding/json"
	"time"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/runctx"
)

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func durationParam(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	s := stringParam(m, key, "")
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// renderParam renders the templated string field key against the context.
// Rendering happens immediately before use, on every execution.
func renderParam(req Request, key string) (string, error) {
	return expressions.Render(stringParam(req.Config, key, ""), req.Context)
}

// renderAny renders every string inside the structured field key.
func renderAny(req Request, key string) (any, bool, error) {
	raw, ok := req.Config[key]
	if !ok || raw == nil {
		return nil, false, nil
	}
	out, err := expressions.RenderValue(raw, req.Context)
	if err != nil {
		return nil, true, err
	}
	return out, true, nil
}

// decodeResult turns a step's recorded JSON back into context-shaped values,
// so a replayed step and a fresh one write identical variables.
func decodeResult(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// writeVar records value under the node's configured variableName, or
// returns the context unchanged when the node has none.
func writeVar(req Request, value any) (runctx.Context, error) {
	name := stringParam(req.Config, "variableName", "")
	if name == "" {
		return req.Context, nil
	}
	return req.Context.With(req.NodeID, name, value)
}

// stepName scopes a durable step to its node.
func stepName(nodeID, op string) string {
	return nodeID + ":" + op
}
