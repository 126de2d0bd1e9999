package toolschema

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// GenerateSchema builds a JSON-Schema parameters document from a native
// Go argument struct T, for tools registered by handler signature
// rather than a hand-written "parameters: JSON-Schema object"
// descriptor field.
//
// Grounded on kadirpekel-hector's pkg/tool/functiontool/schema.go:
// RequiredFromJSONSchemaTags + ExpandedStruct + DoNotReference, then
// flattened to {type, properties, required} so the result drops in as
// a toolregistry.Descriptor's Parameters.
func GenerateSchema[T any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var full map[string]any
	if err := json.Unmarshal(data, &full); err != nil {
		return nil, err
	}
	delete(full, "$schema")
	delete(full, "$id")

	if full["type"] != "object" {
		return json.Marshal(full)
	}

	result := map[string]any{
		"type":       "object",
		"properties": full["properties"],
	}
	if required, ok := full["required"]; ok {
		result["required"] = required
	}
	if additional, ok := full["additionalProperties"]; ok {
		result["additionalProperties"] = additional
	}
	return json.Marshal(result)
}
