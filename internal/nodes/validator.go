package nodes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/nodeflow/pkg/schema"
)

// ConfigValidator checks node configuration against an executor's JSON
// Schema (draft 2020-12). Compiled schemas are cached. Safe for concurrent use.
type ConfigValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewConfigValidator creates an empty validator.
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate returns a CONFIG_ERROR listing every violation. An empty schema
// accepts anything.
func (v *ConfigValidator) Validate(nodeType schema.NodeType, config map[string]any, configSchema []byte) error {
	if len(configSchema) == 0 {
		return nil
	}
	if config == nil {
		config = map[string]any{}
	}

	compiled, err := v.getOrCompile(configSchema)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig, "%s: invalid config schema", nodeType).WithCause(err)
	}

	doc, err := toJSONValue(config)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig, "%s: config is not JSON-serializable", nodeType).WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toConfigError(nodeType, err)
	}
	return nil
}

func (v *ConfigValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Fresh compiler per schema so resource URLs never collide.
	url := fmt.Sprintf("nodeflow://node-config/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips through JSON so numbers become json.Number, which
// the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toConfigError(nodeType schema.NodeType, err error) *schema.NodeflowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewErrorf(schema.ErrCodeConfig, "%s: %s", nodeType, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewErrorf(schema.ErrCodeConfig, "%s: %s", nodeType, verr.Error())
	case 1:
		return schema.NewErrorf(schema.ErrCodeConfig, "%s: %s", nodeType, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeConfig, "%s: config has %d errors", nodeType, len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations flattens a ValidationError tree into leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
