package discovery

import (
	"context"

	"muster/pkg/component"
	"muster/pkg/registry"

	"go.uber.org/zap"
)

// NodeComponents decomposes every announcement in doc, in the order the
// entries were first announced. Keys are split back into realm, system and
// subsystem; entries that cannot be decoded are skipped.
func NodeComponents(doc *registry.Document) []*component.Identity {
	return nodeComponents(doc, nil)
}

// nodeComponents is NodeComponents with skip called for each entry dropped.
func nodeComponents(doc *registry.Document, skip func(key string, err error)) []*component.Identity {
	if doc == nil {
		return nil
	}
	ids := make([]*component.Identity, 0, doc.Announces.Len())
	for _, key := range doc.Announces.Keys() {
		realm, system, subsystem := component.SplitFullName(key)
		raw, _ := doc.Announce(key)
		id, err := component.FromDocument(doc.Name, realm, system, subsystem, raw)
		if err != nil {
			if skip != nil {
				skip(key, err)
			}
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// ComponentsWith returns the local components declaring aspect. Only the log
// aspect is recognized; any other name returns an empty result.
func (s *Service) ComponentsWith(ctx context.Context, aspect string) ([]*component.Identity, error) {
	local, err := s.store.CurrentNode(ctx)
	if err != nil {
		return nil, err
	}

	skip := func(key string, err error) {
		s.logger.Warn("Skipping unreadable announcement",
			zap.String("component", key),
			zap.String("node", local.Name),
			zap.Error(err))
	}

	matched := make([]*component.Identity, 0)
	for _, id := range nodeComponents(local, skip) {
		if id.HasAspect(aspect) {
			matched = append(matched, id)
		}
	}
	return matched, nil
}
