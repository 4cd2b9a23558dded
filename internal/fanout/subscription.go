package fanout

import (
	"context"
	"sync"
	"time"
)

// Loader materializes the current result of a subscribed query.
type Loader[T any] func(ctx context.Context) (T, error)

type subConfig struct {
	refresh time.Duration
}

type SubscribeOption func(*subConfig)

// WithRefresh reloads the snapshot every d even without a publish. Presence
// badges use it because a silently dead device produces no change event.
func WithRefresh(d time.Duration) SubscribeOption {
	return func(c *subConfig) { c.refresh = d }
}

// Subscription is a live query. Each emission is a complete snapshot, and
// emissions of one subscription never overlap.
type Subscription struct {
	topic  Topic
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) Topic() Topic { return s.topic }

// Unsubscribe stops the subscription and waits for its delivery goroutine to
// exit; no callback runs after it returns. It must not be called from inside
// the subscription's own callback. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed once the subscription has fully stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Subscribe emits load's result to onUpdate immediately and again after
// every publish of topic. A failing load is retried with backoff; the
// subscriber only ever sees successful snapshots.
func Subscribe[T any](b *Bus, topic Topic, load Loader[T], onUpdate func(T), opts ...SubscribeOption) *Subscription {
	var cfg subConfig
	for _, o := range opts {
		o(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{topic: topic, cancel: cancel, done: make(chan struct{})}

	// Registered before the first load so a write racing the initial
	// snapshot still triggers a reload.
	w := b.add(topic)
	b.metrics.SubscriptionOpened()

	go func() {
		defer close(s.done)
		defer b.metrics.SubscriptionClosed()
		defer b.remove(w)
		deliver(ctx, b, w, cfg, load, onUpdate)
	}()
	return s
}

func deliver[T any](ctx context.Context, b *Bus, w *watcher, cfg subConfig, load Loader[T], onUpdate func(T)) {
	kind := w.topic.Kind()

	var refresh <-chan time.Time
	if cfg.refresh > 0 {
		t := b.clock.NewTicker(cfg.refresh)
		defer t.Stop()
		refresh = t.Chan()
	}

	backoff := b.retryMin
	failing := false
	for {
		snap, err := load(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.metrics.LoadFailed(kind)
			b.log.Warn("subscription_load_failed", "topic", string(w.topic), "retry_in", backoff, "error", err)
			failing = true
			select {
			case <-ctx.Done():
				return
			case <-b.clock.After(backoff):
			}
			backoff *= 2
			if backoff > b.retryMax {
				backoff = b.retryMax
			}
			continue
		}
		if failing {
			b.log.Info("subscription_recovered", "topic", string(w.topic))
			failing = false
		}
		backoff = b.retryMin

		onUpdate(snap)
		b.metrics.Emitted(kind)

		select {
		case <-ctx.Done():
			return
		case <-w.dirty:
		case <-refresh:
		}
	}
}
