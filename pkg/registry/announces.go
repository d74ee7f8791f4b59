package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Announces maps component full names to their stored documents, keeping the
// order in which keys were first set. Re-setting a key overwrites the entry
// in place.
type Announces struct {
	keys    []string
	entries map[string]map[string]any
}

// NewAnnounces returns an empty mapping.
func NewAnnounces() *Announces {
	return &Announces{entries: make(map[string]map[string]any)}
}

// Get returns the entry stored under key.
func (a *Announces) Get(key string) (map[string]any, bool) {
	if a == nil {
		return nil, false
	}
	entry, ok := a.entries[key]
	return entry, ok
}

// Set stores entry under key, keeping the key's original position.
func (a *Announces) Set(key string, entry map[string]any) {
	if a.entries == nil {
		a.entries = make(map[string]map[string]any)
	}
	if _, exists := a.entries[key]; !exists {
		a.keys = append(a.keys, key)
	}
	a.entries[key] = entry
}

// Keys returns the full names in insertion order.
func (a *Announces) Keys() []string {
	if a == nil {
		return nil
	}
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

func (a *Announces) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Clone copies the mapping and each entry one level deep.
func (a *Announces) Clone() *Announces {
	out := NewAnnounces()
	if a == nil {
		return out
	}
	for _, key := range a.keys {
		entry := make(map[string]any, len(a.entries[key]))
		for k, v := range a.entries[key] {
			entry[k] = v
		}
		out.Set(key, entry)
	}
	return out
}

// ToMap converts to a plain map; ordering is lost.
func (a *Announces) ToMap() map[string]any {
	out := make(map[string]any, a.Len())
	if a == nil {
		return out
	}
	for _, key := range a.keys {
		out[key] = a.entries[key]
	}
	return out
}

// MarshalJSON writes the entries as a JSON object in insertion order.
func (a *Announces) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range a.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(a.entries[key])
		if err != nil {
			return nil, fmt.Errorf("failed to encode announce %s: %w", key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, keeping the order of its keys.
func (a *Announces) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*a = Announces{entries: make(map[string]map[string]any)}
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("announces: expected object, got %v", tok)
	}

	out := NewAnnounces()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("announces: expected string key, got %v", tok)
		}
		var entry map[string]any
		if err := dec.Decode(&entry); err != nil {
			return fmt.Errorf("announces: entry %s: %w", key, err)
		}
		out.Set(key, entry)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*a = *out
	return nil
}
