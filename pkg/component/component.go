package component

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Separator joins realm, system and subsystem into a full name.
const Separator = "-"

// Reserved document keys owned by the typed fields of Identity
const (
	KeyRealm     = "realm"
	KeySystem    = "system"
	KeySubsystem = "subsystem"
	KeyTimestamp = "timestamp"
	KeyNode      = "node"
)

// AspectLog is the only aspect currently understood by HasAspect.
const AspectLog = "log"

var (
	ErrInvalidIdentity = errors.New("invalid component identity")
	ErrBadTimestamp    = errors.New("invalid component timestamp")
)

// Identity is one announcement of a (realm, system, subsystem) triple
type Identity struct {
	Realm     string
	System    string
	Subsystem string
	Timestamp time.Time
	// Node is the name of the node document the identity was read from.
	Node       string
	Attributes Attributes
}

// FullName returns the canonical key for a component:
// realm-system, or realm-system-subsystem when subsystem is set.
func FullName(realm, system, subsystem string) string {
	name := realm + Separator + system
	if subsystem != "" {
		name += Separator + subsystem
	}
	return name
}

// SplitFullName reverses FullName by splitting on the separator at most twice.
// A realm or system containing the separator cannot be recovered exactly;
// "a-b-c-d" splits into realm "a", system "b", subsystem "c-d".
func SplitFullName(key string) (realm, system, subsystem string) {
	parts := strings.SplitN(key, Separator, 3)
	switch len(parts) {
	case 3:
		return parts[0], parts[1], parts[2]
	case 2:
		return parts[0], parts[1], ""
	default:
		return parts[0], "", ""
	}
}

// New builds an identity for the given source node and triple. Reserved keys
// present in attrs are dropped since the typed fields own them.
func New(source, realm, system, subsystem string, attrs Attributes) (*Identity, error) {
	if strings.TrimSpace(system) == "" {
		return nil, fmt.Errorf("%w: system is required", ErrInvalidIdentity)
	}

	merged := make(Attributes, len(attrs))
	for k, v := range attrs {
		if IsReserved(k) {
			continue
		}
		merged[k] = v
	}

	return &Identity{
		Realm:      realm,
		System:     system,
		Subsystem:  subsystem,
		Node:       source,
		Attributes: merged,
	}, nil
}

// FromDocument rebuilds an identity from a stored component document. The
// realm, system and subsystem arguments win over whatever the document says,
// matching how discovery addresses entries by key.
func FromDocument(source, realm, system, subsystem string, doc map[string]any) (*Identity, error) {
	id, err := New(source, realm, system, subsystem, doc)
	if err != nil {
		return nil, err
	}

	if raw, ok := doc[KeyTimestamp]; ok && raw != nil {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, err
		}
		id.Timestamp = ts
	}
	if id.Node == "" {
		if n, ok := doc[KeyNode].(string); ok {
			id.Node = n
		}
	}
	return id, nil
}

// FullName returns the identity's key.
func (id *Identity) FullName() string {
	return FullName(id.Realm, id.System, id.Subsystem)
}

// ToDocument flattens the identity into a mapping suitable for storage.
func (id *Identity) ToDocument() map[string]any {
	doc := make(map[string]any, len(id.Attributes)+5)
	for k, v := range id.Attributes {
		doc[k] = v
	}
	doc[KeyRealm] = id.Realm
	doc[KeySystem] = id.System
	if id.Subsystem != "" {
		doc[KeySubsystem] = id.Subsystem
	}
	if !id.Timestamp.IsZero() {
		doc[KeyTimestamp] = id.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if id.Node != "" {
		doc[KeyNode] = id.Node
	}
	return doc
}

// LogEntries returns the entries of the log aspect, or an empty slice.
func (id *Identity) LogEntries() []any {
	return id.Attributes.List(AspectLog)
}

// HasAspect reports whether the identity declares the named aspect.
// Only the log aspect is implemented; every other name matches nothing.
func (id *Identity) HasAspect(aspect string) bool {
	if aspect != AspectLog {
		return false
	}
	return len(id.LogEntries()) > 0
}

func (id *Identity) String() string {
	if id.Node == "" {
		return id.FullName()
	}
	return id.FullName() + "@" + id.Node
}

// IsReserved reports whether key is owned by the typed fields of Identity
// and so cannot be an attribute.
func IsReserved(key string) bool {
	switch key {
	case KeyRealm, KeySystem, KeySubsystem, KeyTimestamp, KeyNode:
		return true
	}
	return false
}

func parseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, v)
		}
		return ts, nil
	case float64:
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case int:
		return time.Unix(int64(v), 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrBadTimestamp, raw)
	}
}
