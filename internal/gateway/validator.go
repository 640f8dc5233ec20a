package gateway

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/command-v1.json
var commandSchemaJSON string

const commandSchemaURL = "command-v1.json"

// Validator checks command payloads against the command schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(commandSchemaURL, strings.NewReader(commandSchemaJSON)); err != nil {
		return nil, fmt.Errorf("adding command schema: %w", err)
	}
	schema, err := compiler.Compile(commandSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compiling command schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// DecodeCommand validates data and decodes it.
func (v *Validator) DecodeCommand(data []byte) (CommandMessage, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return CommandMessage{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return CommandMessage{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	var msg CommandMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return CommandMessage{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return msg, nil
}
