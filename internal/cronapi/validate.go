package cronapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-claw/internal/store"
)

// jobCreateSchemaJSON requires the three fields a job cannot function
// without; everything else is optional and store-side defaulted.
const jobCreateSchemaJSON = `{
	"type": "object",
	"required": ["name", "schedule", "prompt"],
	"properties": {
		"name":           {"type": "string", "pattern": "^[A-Za-z0-9_-]{1,64}$"},
		"schedule":       {"type": "string", "minLength": 1},
		"prompt":         {"type": "string", "minLength": 1},
		"output":         {"type": "string", "enum": ["telegram", "log", "silent", "webhook"]},
		"enabled":        {"type": "boolean"},
		"timezone":       {"type": "string"},
		"max_turns":      {"type": "integer", "minimum": 1},
		"model":          {"type": "string"},
		"execution_mode": {"type": "string", "enum": ["cli", "api"]},
		"allowed_tools":  {"type": "array", "items": {"type": "string"}}
	}
}`

// jobPatchSchemaJSON mirrors the create schema but requires nothing —
// every field is an optional partial update.
const jobPatchSchemaJSON = `{
	"type": "object",
	"properties": {
		"schedule":       {"type": "string", "minLength": 1},
		"prompt":         {"type": "string", "minLength": 1},
		"output":         {"type": "string", "enum": ["telegram", "log", "silent", "webhook"]},
		"enabled":        {"type": "boolean"},
		"timezone":       {"type": "string"},
		"max_turns":      {"type": "integer", "minimum": 1},
		"model":          {"type": "string"},
		"execution_mode": {"type": "string", "enum": ["cli", "api"]},
		"allowed_tools":  {"type": "array", "items": {"type": "string"}}
	}
}`

// compiledSchema pairs a compiled validator with the raw decoder needed
// to re-parse the body into jobBody after validation passes.
type compiledSchema struct {
	schema *jsonschema.Schema
}

func mustCompile(schemaJSON string) *compiledSchema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("cronapi: invalid embedded schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("cron-job.json", doc); err != nil {
		panic(fmt.Sprintf("cronapi: add schema resource: %v", err))
	}
	schema, err := c.Compile("cron-job.json")
	if err != nil {
		panic(fmt.Sprintf("cronapi: compile schema: %v", err))
	}
	return &compiledSchema{schema: schema}
}

// jobBody is the wire shape of both the create and patch request bodies;
// every field but name/schedule/prompt is a pointer so "absent" and
// "explicitly zero" are distinguishable for PATCH semantics.
type jobBody struct {
	Name          string   `json:"name"`
	Schedule      string   `json:"schedule"`
	Prompt        string   `json:"prompt"`
	Output        *string  `json:"output,omitempty"`
	Enabled       *bool    `json:"enabled,omitempty"`
	Timezone      *string  `json:"timezone,omitempty"`
	MaxTurns      *int     `json:"max_turns,omitempty"`
	Model         *string  `json:"model,omitempty"`
	ExecutionMode *string  `json:"execution_mode,omitempty"`
	AllowedTools  []string `json:"allowed_tools,omitempty"`
}

func (b jobBody) toJob() store.Job {
	job := store.Job{Name: b.Name, Schedule: b.Schedule, Prompt: b.Prompt, Enabled: true}
	if b.Output != nil {
		job.Output = *b.Output
	}
	if b.Enabled != nil {
		job.Enabled = *b.Enabled
	}
	if b.Timezone != nil {
		job.Timezone = *b.Timezone
	}
	job.MaxTurns = b.MaxTurns
	job.Model = b.Model
	if b.ExecutionMode != nil {
		job.ExecutionMode = *b.ExecutionMode
	}
	job.AllowedTools = b.AllowedTools
	return job
}

func (b jobBody) toPatch() store.JobPatch {
	var patch store.JobPatch
	if b.Schedule != "" {
		patch.Schedule = &b.Schedule
	}
	if b.Prompt != "" {
		patch.Prompt = &b.Prompt
	}
	patch.Output = b.Output
	patch.Enabled = b.Enabled
	patch.Timezone = b.Timezone
	if b.MaxTurns != nil {
		patch.MaxTurns = &b.MaxTurns
	}
	if b.Model != nil {
		patch.Model = &b.Model
	}
	patch.ExecutionMode = b.ExecutionMode
	if b.AllowedTools != nil {
		patch.AllowedTools = &b.AllowedTools
	}
	return patch
}

// decodeAndValidate reads the request body once, validates it against
// schema using jsonschema.UnmarshalJSON for correct number handling, and
// — only if validation passes — decodes it a second time into jobBody.
// The empty string return means "valid".
func decodeAndValidate(r *http.Request, schema *compiledSchema) (jobBody, string) {
	raw, err := jsonschema.UnmarshalJSON(r.Body)
	if err != nil {
		return jobBody{}, "invalid JSON: " + err.Error()
	}
	if err := schema.schema.Validate(raw); err != nil {
		return jobBody{}, err.Error()
	}

	reencoded, err := json.Marshal(raw)
	if err != nil {
		return jobBody{}, "internal re-encode failure: " + err.Error()
	}
	var body jobBody
	if err := json.Unmarshal(reencoded, &body); err != nil {
		return jobBody{}, "internal decode failure: " + err.Error()
	}
	return body, ""
}
