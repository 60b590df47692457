// Package ipc implements the host side of the agent IPC boundary: a Unix
// domain socket speaking length-prefixed JSON frames, a strict per-action
// schema registry, and the dispatch layer that hands validated envelopes to
// providers.
//
// Everything that crosses this boundary is adversary-influenced. Envelopes
// are validated in strict mode (no undeclared top-level fields), every string
// is checked for embedded null bytes, and identifier-like fields are checked
// for path traversal before any handler runs.
package ipc

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/actions.json
var schemasFS embed.FS

// actions is the closed set of IPC actions, each compiled from the embedded
// schema document.
var actions = []string{
	"llm_call",
	"memory_write", "memory_query", "memory_read", "memory_delete", "memory_list",
	"web_fetch", "web_search",
	"audit_query",
	"skill_list", "skill_read", "skill_propose",
	"identity_write", "user_write", "identity_propose",
	"proposal_list", "proposal_review",
	"workspace_write", "workspace_read", "workspace_list",
	"scheduler_add_cron", "scheduler_run_at", "scheduler_remove_cron", "scheduler_list_jobs",
	"agent_registry_list", "agent_registry_get",
}

// identifierFields lists, per action, the fields that must not contain
// path-traversal sequences. The schema pattern already forces them to start
// with an alphanumeric; ".." cannot be excluded by an RE2 pattern, so it is
// checked here.
var identifierFields = map[string][]string{
	"memory_write":       {"scope", "key"},
	"memory_query":       {"scope"},
	"memory_read":        {"scope", "key"},
	"memory_delete":      {"scope", "key"},
	"memory_list":        {"scope"},
	"skill_read":         {"name"},
	"skill_propose":      {"name"},
	"workspace_write":    {"path"},
	"workspace_read":     {"path"},
	"workspace_list":     {"path"},
	"agent_registry_get": {"agentId"},
}

// Validator holds the compiled per-action schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded schema document into one schema per
// action. Compilation failure is a programming error surfaced at startup.
func NewValidator() (*Validator, error) {
	data, err := schemasFS.ReadFile("schemas/actions.json")
	if err != nil {
		return nil, fmt.Errorf("ipc: read embedded schemas: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource("actions.json", bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("ipc: add schema resource: %w", err)
	}

	schemas := make(map[string]*jsonschema.Schema, len(actions))
	for _, action := range actions {
		sch, err := c.Compile("actions.json#/$defs/" + action)
		if err != nil {
			return nil, fmt.Errorf("ipc: compile schema for %s: %w", action, err)
		}
		schemas[action] = sch
	}
	return &Validator{schemas: schemas}, nil
}

// Known reports whether action is in the registry.
func (v *Validator) Known(action string) bool {
	_, ok := v.schemas[action]
	return ok
}

// Actions returns the registered action names, sorted.
func (v *Validator) Actions() []string {
	names := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a decoded envelope against the action's schema plus the
// checks a JSON schema cannot express: embedded null bytes anywhere, and
// path traversal in identifier fields.
func (v *Validator) Validate(action string, envelope map[string]interface{}) error {
	sch, ok := v.schemas[action]
	if !ok {
		return fmt.Errorf("unknown action: %s", action)
	}

	if err := sch.Validate(interface{}(envelope)); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return fmt.Errorf("%s", flattenValidationError(ve))
		}
		return err
	}

	if err := checkNoNullBytes(envelope); err != nil {
		return err
	}

	for _, field := range identifierFields[action] {
		if s, ok := envelope[field].(string); ok && strings.Contains(s, "..") {
			return fmt.Errorf("field %q must not contain '..'", field)
		}
	}
	return nil
}

// checkNoNullBytes walks an arbitrary decoded JSON value and rejects any
// string containing U+0000.
func checkNoNullBytes(v interface{}) error {
	switch val := v.(type) {
	case string:
		if strings.ContainsRune(val, 0) {
			return fmt.Errorf("string field contains null byte")
		}
	case map[string]interface{}:
		for k, item := range val {
			if strings.ContainsRune(k, 0) {
				return fmt.Errorf("object key contains null byte")
			}
			if err := checkNoNullBytes(item); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, item := range val {
			if err := checkNoNullBytes(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// flattenValidationError renders the deepest cause of a validation error as a
// single line suitable for the IPC error envelope.
func flattenValidationError(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		return ve.Message
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}
