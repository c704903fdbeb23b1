package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskrelay/internal/persistence"
)

const creationSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["summary"],
	"properties": {
		"task_id": {"type": ["string", "integer", "null"]},
		"summary": {"type": "string"},
		"details": {"type": ["string", "null"]},
		"steps": {"type": ["array", "null"], "items": {"type": "string"}},
		"execution_time": {"type": ["string", "null"]},
		"conversation": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"required": ["role", "content"],
				"properties": {
					"role": {"type": "string"},
					"content": {"type": "string"}
				}
			}
		}
	}
}`

// CreationPayload is the inbound task-creation message.
type CreationPayload struct {
	TaskID        any                   `json:"task_id,omitempty"`
	Summary       string                `json:"summary"`
	Details       *string               `json:"details,omitempty"`
	Steps         []string              `json:"steps,omitempty"`
	ExecutionTime *string               `json:"execution_time,omitempty"`
	Conversation  []persistence.Message `json:"conversation,omitempty"`
}

// DispatchPayload is the outbound {"task_id": id} notification.
type DispatchPayload struct {
	TaskID string `json:"task_id"`
}

type payloadValidator struct {
	schema *jsonschema.Schema
}

func newPayloadValidator() (*payloadValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(creationSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("task-create.json", doc); err != nil {
		return nil, fmt.Errorf("add payload schema resource: %w", err)
	}
	schema, err := c.Compile("task-create.json")
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return &payloadValidator{schema: schema}, nil
}

// IsCreationPayload reports whether body is a JSON object carrying a
// "summary" member. Anything else is treated as a plain utterance.
func IsCreationPayload(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return false
	}
	_, ok := probe["summary"]
	return ok
}

// decode validates body against the creation schema and converts it to a
// store input. Every failure wraps persistence.ErrMalformedInput.
func (v *payloadValidator) decode(body []byte, store TaskStore) (persistence.NewTask, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return persistence.NewTask{}, fmt.Errorf("decode task payload: %v: %w", err, persistence.ErrMalformedInput)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return persistence.NewTask{}, fmt.Errorf("validate task payload: %v: %w", err, persistence.ErrMalformedInput)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var p CreationPayload
	if err := dec.Decode(&p); err != nil {
		return persistence.NewTask{}, fmt.Errorf("decode task payload: %v: %w", err, persistence.ErrMalformedInput)
	}

	in := persistence.NewTask{
		Summary:      p.Summary,
		Steps:        p.Steps,
		Conversation: p.Conversation,
	}
	if p.Details != nil {
		in.Details = *p.Details
	}
	switch id := p.TaskID.(type) {
	case nil:
	case string:
		in.TaskID = strings.TrimSpace(id)
	default:
		norm, err := persistence.NormalizeTaskID(id)
		if err != nil {
			return persistence.NewTask{}, err
		}
		in.TaskID = norm
	}
	if p.ExecutionTime != nil && strings.TrimSpace(*p.ExecutionTime) != "" {
		at, err := persistence.ParseExecutionTime(*p.ExecutionTime, store.Location())
		if err != nil {
			return persistence.NewTask{}, err
		}
		in.ExecutionTime = at
	}
	return in, nil
}
