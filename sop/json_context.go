package sop

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// JSONContext carries the free-form payloads that flow through a
// workflow: trigger input, action outputs, human-signal data. The
// underlying representation is always the JSON value domain
// (string/number/bool/list/map), so anything stored here survives a
// round trip through the persistence adapter unchanged.
type JSONContext struct {
	data map[string]any
}

// NewJSONContext decodes a stored payload. Invalid or empty bytes yield
// an empty context rather than an error; the store column may be NULL.
func NewJSONContext(b []byte) *JSONContext {
	c := &JSONContext{data: make(map[string]any)}
	if len(b) > 0 {
		json.Unmarshal(b, &c.data)
	}
	return c
}

func NewJSONContextFromMap(m map[string]any) *JSONContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &JSONContext{data: m}
}

// Get walks a nested path, e.g. Get("trigger", "id").
func (c *JSONContext) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	current := any(c.data)
	for _, key := range keys {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func (c *JSONContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	return s, ok
}

func (c *JSONContext) GetInt64(keys ...string) (int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	// Decoded JSON numbers arrive as float64.
	switch v := val.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func (c *JSONContext) GetFloat64(keys ...string) (float64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func (c *JSONContext) GetBool(keys ...string) (bool, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Set writes a value at a nested path, creating intermediate maps and
// overwriting non-map intermediates.
func (c *JSONContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("keys cannot be empty")
	}
	current := c.data
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[key] = next
		}
		current = next
	}
	current[keys[len(keys)-1]] = value
	return nil
}

func (c *JSONContext) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	current := c.data
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, keys[len(keys)-1])
}

func (c *JSONContext) ToBytes() ([]byte, error) {
	return json.Marshal(c.data)
}

// ToBytesWithoutError is for store writes where a marshal failure has
// already been ruled out by the JSON value domain invariant.
func (c *JSONContext) ToBytesWithoutError() []byte {
	b, err := json.Marshal(c.data)
	if err != nil {
		return nil
	}
	return b
}

// ToMap returns the underlying map by reference.
func (c *JSONContext) ToMap() map[string]any {
	return c.data
}

// Clone deep-copies through a JSON round trip, which also normalizes
// any caller-supplied Go values into the JSON value domain.
func (c *JSONContext) Clone() *JSONContext {
	b, _ := c.ToBytes()
	return NewJSONContext(b)
}

func (c *JSONContext) Unmarshal(v any) error {
	b, err := c.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// MergeJSONContexts merges left to right, later contexts overriding
// earlier ones key by key at the top level.
func MergeJSONContexts(contexts ...*JSONContext) *JSONContext {
	result := NewJSONContextFromMap(nil)
	for _, c := range contexts {
		if c == nil {
			continue
		}
		for k, v := range c.data {
			result.data[k] = v
		}
	}
	return result
}
