package amendment

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchema constrains amendment payloads: human-readable title and
// rationale, plus an optional full parameter set that ratification
// activates as the next constitution snapshot.
const payloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["title", "rationale"],
	"properties": {
		"title":     {"type": "string", "minLength": 3, "maxLength": 200},
		"rationale": {"type": "string", "minLength": 10},
		"params":    {"type": "object"}
	}
}`

func compilePayloadSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("amendment-payload.json", bytes.NewReader([]byte(payloadSchema))); err != nil {
		return nil, fmt.Errorf("register payload schema: %w", err)
	}
	return c.Compile("amendment-payload.json")
}

// validatePayload checks the raw payload against the schema and returns
// the decoded document.
func validatePayload(schema *jsonschema.Schema, raw json.RawMessage) (map[string]any, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	m, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload must be an object", ErrPayloadInvalid)
	}
	return m, nil
}
