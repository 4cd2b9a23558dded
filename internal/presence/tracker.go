package presence

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/heartbeat"
)

// Tracker keeps one device of one user marked online while it runs. All
// writes are best effort: failures are logged and counted, never returned.
type Tracker struct {
	svc      *Service
	deviceID string
	driver   *heartbeat.Driver

	mu       sync.Mutex
	started  bool
	identity atomic.Pointer[domain.Identity]
}

func (s *Service) NewTracker(deviceID string) *Tracker {
	t := &Tracker{svc: s, deviceID: deviceID}
	t.driver = heartbeat.New(s.clock, s.interval, t.tick)
	return t
}

func (t *Tracker) DeviceID() string { return t.deviceID }

// Start marks the user online and begins heartbeats. Further calls while
// running are ignored.
func (t *Tracker) Start(userID, displayName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.identity.Store(&domain.Identity{UserID: userID, DisplayName: displayName})

	t.write(true)
	t.driver.Start()
}

// OnForeground writes an online record right away and resumes heartbeats.
func (t *Tracker) OnForeground() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return
	}
	t.write(true)
	t.driver.Start()
}

// OnBackground pauses heartbeats and writes one offline record.
func (t *Tracker) OnBackground() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || !t.driver.Running() {
		return
	}
	t.driver.Stop()
	t.write(false)
}

// Stop cancels heartbeats, waiting for an in-flight tick, then writes one
// offline record. Stopping a stopped tracker does nothing.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return
	}
	t.started = false
	t.driver.Stop()
	t.write(false)
}

// Running reports whether heartbeats are currently being emitted.
func (t *Tracker) Running() bool {
	return t.driver.Running()
}

func (t *Tracker) QueryStatus(ctx context.Context, userID string) (Status, error) {
	return t.svc.Status(ctx, userID)
}

func (t *Tracker) tick() {
	t.write(true)
}

func (t *Tracker) write(online bool) {
	id := t.identity.Load()
	if id == nil {
		return
	}
	if err := t.svc.Beat(context.Background(), *id, t.deviceID, online); err != nil {
		t.svc.log.Warn("presence_write_failed",
			"user_id", id.UserID,
			"device_id", t.deviceID,
			"online", online,
			"error", err,
		)
	}
}
