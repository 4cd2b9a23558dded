// Package fanout turns write-path change notifications into live snapshot
// streams. Writers Publish a topic after a successful store write; every
// subscription watching that topic reloads its query and emits the full
// result.
package fanout

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/LionelRostand/neorent-sub005/internal/logging"
	"github.com/LionelRostand/neorent-sub005/internal/metrics"
)

// Forwarder receives every locally published topic, e.g. to relay it to
// other nodes.
type Forwarder interface {
	Forward(t Topic)
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   clockwork.Clock

	// RetryMin and RetryMax bound the backoff between failed snapshot loads.
	RetryMin time.Duration
	RetryMax time.Duration
}

type Bus struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	retryMin time.Duration
	retryMax time.Duration

	mu       sync.RWMutex
	watchers map[Topic]map[*watcher]struct{}
	fwd      Forwarder
}

// watcher is the bus side of one subscription. dirty has capacity one so
// any number of publishes between two loads collapse into a single reload.
type watcher struct {
	topic Topic
	dirty chan struct{}
}

func (w *watcher) mark() {
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

func NewBus(opts Options) *Bus {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RetryMin <= 0 {
		opts.RetryMin = 200 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryMin {
		opts.RetryMax = 10 * time.Second
	}
	return &Bus{
		log:      logging.OrDiscard(opts.Logger),
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		retryMin: opts.RetryMin,
		retryMax: opts.RetryMax,
		watchers: make(map[Topic]map[*watcher]struct{}),
	}
}

// SetForwarder installs f to receive every topic published on this node.
func (b *Bus) SetForwarder(f Forwarder) {
	b.mu.Lock()
	b.fwd = f
	b.mu.Unlock()
}

// Publish notifies local watchers of t and hands t to the forwarder.
func (b *Bus) Publish(t Topic) {
	b.mu.RLock()
	fwd := b.fwd
	b.mu.RUnlock()

	b.PublishLocal(t)
	if fwd != nil {
		fwd.Forward(t)
	}
}

// PublishLocal notifies local watchers only. Relays use it for topics that
// originated on another node.
func (b *Bus) PublishLocal(t Topic) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for w := range b.watchers[t] {
		w.mark()
	}
}

// Resync marks every subscription dirty so each one emits a fresh snapshot.
func (b *Bus) Resync() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, set := range b.watchers {
		for w := range set {
			w.mark()
		}
	}
}

// Watching returns the number of live subscriptions on t.
func (b *Bus) Watching(t Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.watchers[t])
}

func (b *Bus) add(t Topic) *watcher {
	w := &watcher{topic: t, dirty: make(chan struct{}, 1)}
	b.mu.Lock()
	set, ok := b.watchers[t]
	if !ok {
		set = make(map[*watcher]struct{})
		b.watchers[t] = set
	}
	set[w] = struct{}{}
	b.mu.Unlock()
	return w
}

func (b *Bus) remove(w *watcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.watchers[w.topic]
	delete(set, w)
	if len(set) == 0 {
		delete(b.watchers, w.topic)
	}
}
