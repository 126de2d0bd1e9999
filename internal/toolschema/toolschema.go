// Package toolschema validates tool-call arguments against a tool's
// declared JSON-Schema parameters, for the hook pipeline's tool-call
// integrity check.
//
// Grounded on pkg/pluginsdk/validation.go's compileSchema/ValidateConfig:
// a sync.Map-cached jsonschema.Schema compiled once per raw schema
// string, reused here keyed by tool name instead of plugin manifest.
package toolschema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator compiles and caches tool parameter schemas.
type Validator struct {
	cache sync.Map // name -> *jsonschema.Schema
}

// New creates an empty Validator.
func New() *Validator {
	return &Validator{}
}

// Validate checks args against the tool's JSON-Schema parameters. A
// nil or empty schema matches anything, since a tool's Parameters is
// optional on registration.
func (v *Validator) Validate(toolName string, schema json.RawMessage, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	compiled, err := v.compile(toolName, schema)
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", toolName, err)
	}

	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode arguments for tool %q: %w", toolName, err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("arguments for tool %q invalid: %w", toolName, err)
	}
	return nil
}

func (v *Validator) compile(toolName string, schema json.RawMessage) (*jsonschema.Schema, error) {
	if cached, ok := v.cache.Load(toolName); ok {
		if s, ok := cached.(*jsonschema.Schema); ok {
			return s, nil
		}
	}

	compiled, err := jsonschema.CompileString(toolName+".schema.json", string(schema))
	if err != nil {
		return nil, err
	}
	v.cache.Store(toolName, compiled)
	return compiled, nil
}
