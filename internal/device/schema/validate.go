// Package schema validates untyped option maps against per-model JSON Schema.
package schema

import (
	"encoding/json"
	"sync"

	"github.com/juju/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator caches compiled schemas keyed by document bytes.
type Validator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func NewValidator() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate returns NotValid error describing all violations.
// Empty schema document accepts anything.
func (v *Validator) Validate(doc json.RawMessage, payload map[string]interface{}) error {
	if len(doc) == 0 || string(doc) == "{}" || string(doc) == "null" {
		return nil
	}
	compiled, err := v.compile(doc)
	if err != nil {
		return errors.Annotate(err, "schema compile")
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	if err := compiled.Validate(payload); err != nil {
		return errors.NewNotValid(err, "options")
	}
	return nil
}

// ValidateInts is Validate for typed option map.
func (v *Validator) ValidateInts(doc json.RawMessage, options map[string]int) error {
	payload := make(map[string]interface{}, len(options))
	for k, x := range options {
		payload[k] = float64(x)
	}
	return v.Validate(doc, payload)
}

func (v *Validator) compile(doc json.RawMessage) (*jsonschema.Schema, error) {
	key := string(doc)

	v.mu.RLock()
	s, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return s, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[key]; ok {
		return s, nil
	}

	var schemaDoc interface{}
	if err := json.Unmarshal(doc, &schemaDoc); err != nil {
		return nil, errors.Annotate(err, "schema unmarshal")
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("options.json", schemaDoc); err != nil {
		return nil, errors.Annotate(err, "schema add resource")
	}
	s, err := c.Compile("options.json")
	if err != nil {
		return nil, err
	}
	v.cache[key] = s
	return s, nil
}
