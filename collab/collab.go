// Package collab defines the narrow interfaces the delivery core consumes
// from its surrounding collaborators (fetch client, persistent store,
// metrics sink; the logger interface lives in package log), plus a
// handful of concrete adapters usable
// standalone in tests and examples. The collaborators themselves —
// the upstream fetcher, a persistent store, content-analysis transformers
// — are out of scope; only the interface at their boundary with the core
// lives here.
package collab

import (
	"context"
	"strconv"
	"sync"

	"github.com/relaycore/feedrelay/log"
	"github.com/relaycore/feedrelay/model"
)

// Fetcher pulls items from the upstream feed-reader service. Pull must be
// idempotent per cursor.
type Fetcher interface {
	Pull(ctx context.Context, sinceCursor string, max int) (items []model.Item, newCursor string, err error)
}

// Store records delivery outcomes. Record may be async and best-effort; it
// must not block the caller for longer than the configured store timeout.
type Store interface {
	Record(ctx context.Context, item model.Item, outcome model.DeliveryOutcome) error
}

// MetricsSink observes named metric values with a label set.
type MetricsSink interface {
	Observe(name string, labels map[string]string, value float64)
}

// StaticFetcher is a Fetcher backed by a fixed, in-memory slice of items,
// useful for tests and examples. Pull returns items in order starting at
// the offset encoded in sinceCursor and returns the next offset as the new
// cursor; no position is kept between calls.
type StaticFetcher struct {
	mu    sync.Mutex
	items []model.Item
}

// NewStaticFetcher returns a StaticFetcher over items.
func NewStaticFetcher(items []model.Item) *StaticFetcher {
	return &StaticFetcher{items: items}
}

func (f *StaticFetcher) Pull(_ context.Context, sinceCursor string, max int) ([]model.Item, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	offset := 0
	if sinceCursor != "" {
		parsed, err := strconv.Atoi(sinceCursor)
		if err != nil {
			return nil, sinceCursor, err
		}
		offset = parsed
	}
	if offset >= len(f.items) {
		return nil, sinceCursor, nil
	}
	end := offset + max
	if max <= 0 || end > len(f.items) {
		end = len(f.items)
	}
	out := make([]model.Item, end-offset)
	copy(out, f.items[offset:end])
	return out, strconv.Itoa(end), nil
}

// DiscardStore is a Store that drops every outcome.
type DiscardStore struct{}

func (DiscardStore) Record(context.Context, model.Item, model.DeliveryOutcome) error { return nil }

// NopMetrics is a MetricsSink that observes nothing.
type NopMetrics struct{}

func (NopMetrics) Observe(string, map[string]string, float64) {}

// LoggingStore is a Store that logs every outcome at Info level rather than
// persisting it, useful where no real persistent store is wired yet.
type LoggingStore struct{ Logger log.Logger }

func (s LoggingStore) Record(_ context.Context, item model.Item, outcome model.DeliveryOutcome) error {
	l := s.Logger
	if l == nil {
		l = log.Discard{}
	}
	l.WithField(`item_id`, item.ID).
		WithField(`endpoint`, item.Endpoint).
		Event(log.LevelInfo, `delivery outcome recorded`,
			log.F(`attempt`, item.Attempt),
			log.F(`outcome`, outcome.Kind),
			log.F(`error_kind`, outcome.ErrorKind))
	return nil
}
