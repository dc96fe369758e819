package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://voxelguard.ai/schemas/"

// schemaFiles maps message types to their schema.
var schemaFiles = map[string]string{
	TypeHello:             "hello.schema.json",
	TypeWelcome:           "welcome.schema.json",
	TypeAnswer:            "answer.schema.json",
	TypeError:             "error.schema.json",
	TypeBlockForm:         "block_change.schema.json",
	TypeEntityChangeBlock: "block_change.schema.json",
	TypeRedstone:          "block_change.schema.json",
	TypePistonExtend:      "piston.schema.json",
	TypePistonRetract:     "piston.schema.json",
	TypeWorldTick:         "world.schema.json",
	TypeWorldUnload:       "world.schema.json",
	TypeStateAt:           "query.schema.json",
	TypeChangedSince:      "query.schema.json",
	TypeStatesAt:          "query.schema.json",
}

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft7
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemasErr = err
			return
		}
		for _, e := range entries {
			raw, err := schemaFS.ReadFile("schemas/" + e.Name())
			if err != nil {
				schemasErr = err
				return
			}
			if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(raw)); err != nil {
				schemasErr = fmt.Errorf("%s: %w", e.Name(), err)
				return
			}
		}
		compiled := map[string]*jsonschema.Schema{}
		for typ, name := range schemaFiles {
			s, err := c.Compile(schemaBase + name)
			if err != nil {
				schemasErr = fmt.Errorf("%s: %w", name, err)
				return
			}
			compiled[typ] = s
		}
		schemas = compiled
	})
	return schemas, schemasErr
}

// Validate checks a raw frame against the schema of its type.
func Validate(raw []byte) (BaseMessage, error) {
	base, err := DecodeBase(raw)
	if err != nil {
		return base, err
	}
	all, err := loadSchemas()
	if err != nil {
		return base, err
	}
	s, ok := all[base.Type]
	if !ok {
		return base, fmt.Errorf("unknown message type %q", base.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return base, err
	}
	if err := s.Validate(v); err != nil {
		return base, err
	}
	return base, nil
}
