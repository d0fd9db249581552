package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache compiles tool input schemas on first use. A schema that
// fails to compile is remembered as nil and arguments for that tool are
// passed through unchecked.
type schemaCache struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{schemas: make(map[string]*jsonschema.Schema)}
}

// reset forgets every compiled schema.
func (c *schemaCache) reset() {
	c.mu.Lock()
	c.schemas = make(map[string]*jsonschema.Schema)
	c.mu.Unlock()
}

// get returns the compiled schema for tool, compiling it from raw if it
// has not been seen. The compile error, if any, is returned once.
func (c *schemaCache) get(tool string, raw map[string]any) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.schemas[tool]; ok {
		return s, nil
	}

	s, err := compileSchema(raw)
	c.schemas[tool] = s
	return s, err
}

func compileSchema(raw map[string]any) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("schema resource: %w", err)
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// validateArgs checks args against s. Arguments are round-tripped
// through JSON so Go numeric types validate like their wire form.
func validateArgs(s *jsonschema.Schema, args map[string]any) error {
	if s == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse arguments: %w", err)
	}
	return s.Validate(doc)
}
