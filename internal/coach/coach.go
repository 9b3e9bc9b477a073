package coach

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// frameSchemaURL names the embedded schema inside the compiler.
const frameSchemaURL = "murmur://schema/inbound-frame.json"

const frameSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"content": {"type": "string"},
		"author": {"enum": ["user"]}
	},
	"required": ["content"],
	"additionalProperties": false
}`

// Frame is a message sent by a websocket client.
type Frame struct {
	Content string `json:"content"`
}

// ValidationResult represents the outcome of a linting pass.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

// Err folds the errors of an invalid result into one error.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return errors.New(strings.Join(r.Errors, "; "))
}

// Coach validates what clients send before it reaches a room.
type Coach struct {
	schema *jsonschema.Schema
}

func New() (*Coach, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(frameSchemaURL, strings.NewReader(frameSchema)); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := compiler.Compile(frameSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &Coach{schema: schema}, nil
}

// ParseFrame decodes and validates a raw client frame.
func (c *Coach) ParseFrame(data []byte) (Frame, ValidationResult) {
	res := ValidationResult{Valid: true, Warnings: []string{}, Errors: []string{}}

	var instance any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		res.Valid = false
		res.Errors = append(res.Errors, "Frame is not valid JSON")
		return Frame{}, res
	}

	if err := c.schema.Validate(instance); err != nil {
		res.Valid = false
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			for _, cause := range leaves(verr) {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", location(cause), cause.Message))
			}
		}
		if len(res.Errors) == 0 {
			res.Errors = append(res.Errors, err.Error())
		}
		return Frame{}, res
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		res.Valid = false
		res.Errors = append(res.Errors, err.Error())
		return Frame{}, res
	}

	lint := c.LintPrompt(frame.Content)
	res.Warnings = append(res.Warnings, lint.Warnings...)
	if !lint.Valid {
		res.Valid = false
		res.Errors = append(res.Errors, lint.Errors...)
	}
	return frame, res
}

// LintPrompt checks the text of a user message.
func (c *Coach) LintPrompt(prompt string) ValidationResult {
	res := ValidationResult{Valid: true, Warnings: []string{}, Errors: []string{}}

	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "Message content cannot be empty")
		return res
	}
	if trimmed != prompt {
		res.Warnings = append(res.Warnings, "Leading or trailing whitespace will be kept")
	}
	if len([]rune(trimmed)) < 2 {
		res.Warnings = append(res.Warnings, "Message is very short")
	}
	return res
}

// leaves returns the innermost causes, which carry the useful messages.
func leaves(e *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(e.Causes) == 0 {
		return []*jsonschema.ValidationError{e}
	}
	var out []*jsonschema.ValidationError
	for _, c := range e.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

func location(e *jsonschema.ValidationError) string {
	if e.InstanceLocation == "" {
		return "frame"
	}
	return strings.TrimPrefix(e.InstanceLocation, "/")
}
