package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	reflector "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidPayload is returned by ValidateCommand when a client payload does
// not have the shape its opcode requires.
var ErrInvalidPayload = errors.New("protocol: invalid command payload")

// commandPayloads lists the payload struct of each client-originated opcode.
var commandPayloads = map[OpCode]any{
	OpIdentify:         &Identify{},
	OpGuildSubscribe:   &SubscribeToGuild{},
	OpGuildUnsubscribe: &SubscribeToGuild{},
	OpGuildRequest:     &RequestGuildData{},
}

var commandSchemas = sync.OnceValues(compileCommandSchemas)

func compileCommandSchemas() (map[OpCode]*jsonschema.Schema, error) {
	r := &reflector.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	out := make(map[OpCode]*jsonschema.Schema, len(commandPayloads))
	for op, payload := range commandPayloads {
		doc, err := json.Marshal(r.Reflect(payload))
		if err != nil {
			return nil, fmt.Errorf("reflect %s schema: %w", op, err)
		}
		url := fmt.Sprintf("https://gateway.schemas.local/commands/%d.schema.json", int(op))
		if err := c.AddResource(url, bytes.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("load %s schema: %w", op, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", op, err)
		}
		out[op] = compiled
	}
	return out, nil
}

// ValidateCommand checks the payload of a client-originated opcode against
// the schema derived from its payload struct. Extra properties are allowed.
func ValidateCommand(op OpCode, data json.RawMessage) error {
	schemas, err := commandSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[op]
	if !ok {
		return fmt.Errorf("%w: %s is not a client command", ErrInvalidPayload, op)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidPayload, op)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
