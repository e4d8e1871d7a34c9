package runtime

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

type entityKind int

const (
	topicSenderKind entityKind = iota
	subscriptionReceiverKind
	deadLetterReceiverKind
)

func (k entityKind) String() string {
	switch k {
	case topicSenderKind:
		return "topic-sender"
	case subscriptionReceiverKind:
		return "subscription-receiver"
	case deadLetterReceiverKind:
		return "dead-letter-receiver"
	default:
		return "unknown"
	}
}

type entityKey struct {
	kind entityKind
	path string
}

// entityHandle is a long-lived per-path handle. close runs at most once.
type entityHandle struct {
	key entityKey
	// value is the sender, receiver or retry engine owned by the handle.
	value     any
	closeOnce sync.Once
	closeErr  error
	onClose   func(context.Context) error
}

func (h *entityHandle) close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		if h.onClose != nil {
			h.closeErr = h.onClose(ctx)
		}
	})
	return h.closeErr
}

// entityCache holds one handle per key. The first created handle wins and is
// kept until closeAll.
type entityCache struct {
	mu      sync.Mutex
	handles map[entityKey]*entityHandle
	closed  bool
}

var errEntityCacheClosed = errors.New("entity cache is closed")

func newEntityCache() *entityCache {
	return &entityCache{handles: make(map[entityKey]*entityHandle)}
}

// getOrCreate returns the cached handle for key, creating it with factory on
// first use. The bool reports whether the handle was created by this call.
func (c *entityCache) getOrCreate(key entityKey, factory func(entityKey) (*entityHandle, error)) (*entityHandle, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false, errEntityCacheClosed
	}
	if h, ok := c.handles[key]; ok {
		return h, false, nil
	}

	h, err := factory(key)
	if err != nil {
		return nil, false, err
	}
	h.key = key
	c.handles[key] = h
	return h, true, nil
}

func (c *entityCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// closeAll closes every handle exactly once, in parallel.
func (c *entityCache) closeAll(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	handles := make([]*entityHandle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	errs := make([]error, len(handles))
	var g errgroup.Group
	for i, h := range handles {
		g.Go(func() error {
			errs[i] = h.close(ctx)
			return errs[i]
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}
	return errors.Join(errs...)
}
