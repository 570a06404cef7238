// Package event implements the process-wide publish/subscribe channel
// for domain events, grounded on a rendezvous-map completion-signaling
// pattern, simplified here to a typed subscriber-list fan-out.
package event

import (
	"context"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/slicebox/slicebox/internal/nlog"
)

var log = nlog.New("event")

// maxConcurrentHandlers bounds how many subscriber callbacks run at
// once for a single Publish call: delivery is best-effort and
// in-process. Publish waits for every handler to return; there is no
// per-dispatch timeout, so a slow handler delays the publisher.
const maxConcurrentHandlers = 8

// SourceDeleted fires when a configured image source is removed, so
// any filter/source associations tied to it can be cleaned up.
type SourceDeleted struct{ SourceRef string }

// ImagesDeleted fires once a batch of images has been purged from
// storage and the anonymization key table.
type ImagesDeleted struct{ ImageIDs []string }

// MetaDataAdded fires after the metadata branch of the DICOM pipeline
// broadcast has recorded a new image's attributes.
type MetaDataAdded struct {
	ImageID string
	Tags    map[string]string
}

type handler func(context.Context, any) error

// Bus is the in-process event bus. The zero value is not usable; use
// New.
type Bus struct {
	mu   sync.RWMutex
	subs map[reflect.Type][]handler
}

func New() *Bus {
	return &Bus{subs: make(map[reflect.Type][]handler)}
}

// Subscribe registers fn for every event of type T published on b.
// Subscribers must be idempotent: best-effort in-process
// delivery gives no retry or ordering guarantee across subscribers.
func Subscribe[T any](b *Bus, fn func(context.Context, T) error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], func(ctx context.Context, e any) error {
		return fn(ctx, e.(T))
	})
}

// Publish fans event out to every subscriber registered for its
// concrete type, bounded by maxConcurrentHandlers. A subscriber error
// is logged, not returned: delivery is best-effort, so one failing
// subscriber never fails the publisher or the others.
func Publish(ctx context.Context, b *Bus, event any) {
	t := reflect.TypeOf(event)
	b.mu.RLock()
	hs := append([]handler(nil), b.subs[t]...)
	b.mu.RUnlock()
	if len(hs) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentHandlers)
	for _, h := range hs {
		h := h
		g.Go(func() error {
			if err := h(gctx, event); err != nil {
				log.Errorf("subscriber for %T failed: %v", event, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
