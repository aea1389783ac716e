package runtime

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"toolforge/internal/fault"
)

// validateInput checks the call input against a capability's JSON Schema.
// A missing or empty schema accepts anything.
func validateInput(schemaBytes json.RawMessage, input interface{}) error {
	const op = "runtime.input.validate"
	if len(schemaBytes) == 0 {
		return nil
	}
	var schemaDoc interface{}
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return fault.New(fault.InvalidInput, op, "capability schema is not valid JSON: %v", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fault.New(fault.InvalidInput, op, "capability schema rejected: %v", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fault.New(fault.InvalidInput, op, "capability schema does not compile: %v", err)
	}
	// The validator walks plain decoded JSON, so normalize typed values first.
	normalized, err := normalizeJSON(input)
	if err != nil {
		return fault.New(fault.InvalidInput, op, "input not JSON-serializable: %v", err)
	}
	if err := schema.Validate(normalized); err != nil {
		return fault.New(fault.InvalidInput, op, "input rejected by capability schema: %v", err)
	}
	return nil
}

// normalizeJSON round-trips v through encoding/json so maps, slices, and
// numbers take their decoded forms.
func normalizeJSON(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
