package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AnnouncesField is the document field holding component announcements.
const AnnouncesField = "announces"

// Document is one node's attribute set. Only the owning node writes it; every
// other node sees it through the search index.
type Document struct {
	Name        string         `json:"name"`
	Cluster     string         `json:"cluster,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Announces   *Announces     `json:"announces"`
	PublishedAt time.Time      `json:"published_at,omitempty"`
}

// NewDocument returns an empty document for the named node.
func NewDocument(name, cluster string) *Document {
	return &Document{
		Name:       name,
		Cluster:    cluster,
		Attributes: make(map[string]any),
		Announces:  NewAnnounces(),
	}
}

// Get returns a top-level node attribute.
func (d *Document) Get(key string) (any, bool) {
	v, ok := d.Attributes[key]
	return v, ok
}

// Set writes a top-level node attribute.
func (d *Document) Set(key string, value any) {
	if d.Attributes == nil {
		d.Attributes = make(map[string]any)
	}
	d.Attributes[key] = value
}

// Announce returns the announcement stored under a full name.
func (d *Document) Announce(key string) (map[string]any, bool) {
	return d.Announces.Get(key)
}

// Lookup resolves a dotted path. "announces.<fullname>" addresses an
// announcement (the full name may contain dots); any other path walks nested
// attribute maps.
func (d *Document) Lookup(path string) (any, bool) {
	head, rest, nested := strings.Cut(path, ".")
	if head == AnnouncesField {
		if !nested {
			return d.Announces, d.Announces.Len() > 0
		}
		entry, ok := d.Announces.Get(rest)
		return entry, ok
	}

	var cur any = map[string]any(d.Attributes)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Clone returns a copy safe to mutate without touching d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{
		Name:        d.Name,
		Cluster:     d.Cluster,
		Attributes:  make(map[string]any, len(d.Attributes)),
		Announces:   d.Announces.Clone(),
		PublishedAt: d.PublishedAt,
	}
	for k, v := range d.Attributes {
		out.Attributes[k] = v
	}
	return out
}

// ToMap converts the document into plain maps for wire encoding.
func (d *Document) ToMap() map[string]any {
	attrs := make(map[string]any, len(d.Attributes))
	for k, v := range d.Attributes {
		attrs[k] = v
	}
	m := map[string]any{
		"name":         d.Name,
		"cluster":      d.Cluster,
		"attributes":   attrs,
		AnnouncesField: d.Announces.ToMap(),
	}
	if !d.PublishedAt.IsZero() {
		m["published_at"] = d.PublishedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// DocumentFromMap is the inverse of ToMap. Announce keys are sorted since
// plain maps carry no order.
func DocumentFromMap(m map[string]any) (*Document, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return DecodeDocument(data)
}

// EncodeDocument serializes a document as JSON, announcements in order.
func EncodeDocument(d *Document) ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDocument parses a JSON document.
func DecodeDocument(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if d.Attributes == nil {
		d.Attributes = make(map[string]any)
	}
	if d.Announces == nil {
		d.Announces = NewAnnounces()
	}
	return &d, nil
}
