package node

import (
	"context"
	"fmt"

	"muster/pkg/registry"

	"go.uber.org/zap"
)

// requestPublish schedules an eager publish after a commit. Requests made
// while one is already pending collapse into it.
func (n *Node) requestPublish(*registry.Document) {
	select {
	case n.publishCh <- struct{}{}:
	default:
	}
}

// syncLoop pushes the local document to the index on start, after every
// commit, and every sync interval. Failures are logged and retried on the
// next tick.
func (n *Node) syncLoop(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	ticker := n.clock.Ticker(n.syncInterval())
	defer ticker.Stop()

	failures := 0
	publish := func(reason string) {
		if err := n.Sync(ctx); err != nil {
			failures++
			n.logger.Warn("Failed to publish node document",
				zap.String("reason", reason),
				zap.Int("consecutive_failures", failures),
				zap.Error(err))
			return
		}
		if failures > 0 {
			n.logger.Info("Index reachable again", zap.Int("after_failures", failures))
		}
		failures = 0
	}

	publish("startup")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish("interval")
		case <-n.publishCh:
			publish("commit")
		}
	}
}

// Sync publishes the current local document to the index once.
func (n *Node) Sync(ctx context.Context) error {
	doc, err := n.store.CurrentNode(ctx)
	if err != nil {
		return err
	}
	doc.PublishedAt = n.clock.Now()

	ctx, cancel := context.WithTimeout(ctx, n.searchTimeout())
	defer cancel()

	if err := n.index.Publish(ctx, doc); err != nil {
		n.metrics.SyncFailures.Inc()
		return fmt.Errorf("failed to publish node document: %w", err)
	}

	n.metrics.SyncPublishes.Inc()
	n.logger.Debug("Published node document",
		zap.Int("announces", doc.Announces.Len()),
		zap.Time("published_at", doc.PublishedAt))
	return nil
}
