// Package schema validates JSON payloads against JSON Schema documents.
// Definition content schemas, task input schemas, and tool input schemas all
// pass through here. Compiled schemas are cached by fingerprint so validation
// on the hot dispatch path does not recompile.
package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/weave/runtime/fault"
)

// Validator compiles and caches JSON Schema documents. Safe for concurrent
// use.
type Validator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator constructs an empty Validator.
func NewValidator() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks payload against the schema document. The schema may arrive
// as raw JSON bytes or as an unmarshaled map; an empty schema accepts
// everything. Violations are validation faults carrying the schema error
// detail.
func (v *Validator) Validate(payload any, schemaDoc map[string]any) error {
	if len(schemaDoc) == 0 {
		return nil
	}
	compiled, err := v.compile(schemaDoc)
	if err != nil {
		return err
	}
	if err := compiled.Validate(normalize(payload)); err != nil {
		return fault.Wrap(fault.KindValidation, "payload does not match schema", err)
	}
	return nil
}

// ValidateBytes checks a JSON-encoded payload against raw schema bytes.
func (v *Validator) ValidateBytes(payload []byte, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	var schemaDoc map[string]any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return fault.Wrap(fault.KindValidation, "unmarshal schema", err)
	}
	var doc any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return fault.Wrap(fault.KindValidation, "unmarshal payload", err)
		}
	}
	return v.Validate(doc, schemaDoc)
}

// CheckSchema compiles the schema document without validating anything,
// surfacing malformed schemas at definition load time.
func (v *Validator) CheckSchema(schemaDoc map[string]any) error {
	if len(schemaDoc) == 0 {
		return nil
	}
	_, err := v.compile(schemaDoc)
	return err
}

// compile returns the cached compiled schema, compiling on first use. The
// cache key is a digest of the canonical schema bytes.
func (v *Validator) compile(schemaDoc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "marshal schema", err)
	}
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])

	v.mu.RLock()
	compiled, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	// Round-trip through encoding/json so the compiler sees the exact value
	// shapes it expects (json.Number for numerics).
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "parse schema", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "add schema resource", err)
	}
	compiled, err = c.Compile("schema.json")
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "compile schema", err)
	}

	v.mu.Lock()
	v.cache[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}

// normalize re-encodes payload through encoding/json so validation sees plain
// maps, slices, and json.Number values regardless of the caller's Go types.
func normalize(payload any) any {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return payload
	}
	return doc
}
