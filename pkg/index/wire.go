package index

import (
	"encoding/json"
	"fmt"
	"time"

	"muster/pkg/registry"

	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct converts a plain map into a protobuf Struct. Values are normalized
// through JSON first so typed slices and maps from Go callers are accepted.
func ToStruct(m map[string]any) (*structpb.Struct, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode struct: %w", err)
	}
	var plain map[string]any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, fmt.Errorf("failed to normalize struct: %w", err)
	}
	return structpb.NewStruct(plain)
}

// DocumentToStruct encodes a node document for the wire.
func DocumentToStruct(doc *registry.Document) (*structpb.Struct, error) {
	return ToStruct(doc.ToMap())
}

// DocumentFromStruct decodes a node document from the wire.
func DocumentFromStruct(s *structpb.Struct) (*registry.Document, error) {
	if s == nil {
		return nil, fmt.Errorf("empty document")
	}
	return registry.DocumentFromMap(s.AsMap())
}

// DocumentsFromList decodes a list of documents.
func DocumentsFromList(l *structpb.ListValue) ([]*registry.Document, error) {
	out := make([]*registry.Document, 0, len(l.GetValues()))
	for i, v := range l.GetValues() {
		doc, err := DocumentFromStruct(v.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		out = append(out, doc)
	}
	return out, nil
}

func documentsToList(docs []*registry.Document) (*structpb.ListValue, error) {
	values := make([]*structpb.Value, 0, len(docs))
	for _, doc := range docs {
		s, err := DocumentToStruct(doc)
		if err != nil {
			return nil, err
		}
		values = append(values, structpb.NewStructValue(s))
	}
	return &structpb.ListValue{Values: values}, nil
}

func summariesToList(nodes []NodeSummary) (*structpb.ListValue, error) {
	values := make([]*structpb.Value, 0, len(nodes))
	for _, n := range nodes {
		s, err := structpb.NewStruct(map[string]any{
			"name":      n.Name,
			"cluster":   n.Cluster,
			"address":   n.Address,
			"announces": n.Announces,
			"last_seen": n.LastSeen.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, err
		}
		values = append(values, structpb.NewStructValue(s))
	}
	return &structpb.ListValue{Values: values}, nil
}

func summariesFromList(l *structpb.ListValue) []NodeSummary {
	out := make([]NodeSummary, 0, len(l.GetValues()))
	for _, v := range l.GetValues() {
		fields := v.GetStructValue().GetFields()
		n := NodeSummary{
			Name:      fields["name"].GetStringValue(),
			Cluster:   fields["cluster"].GetStringValue(),
			Address:   fields["address"].GetStringValue(),
			Announces: int(fields["announces"].GetNumberValue()),
		}
		if ts, err := time.Parse(time.RFC3339Nano, fields["last_seen"].GetStringValue()); err == nil {
			n.LastSeen = ts
		}
		out = append(out, n)
	}
	return out
}
