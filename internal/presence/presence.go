// Package presence derives who is online from per-device heartbeat records.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/fanout"
	"github.com/LionelRostand/neorent-sub005/internal/logging"
	"github.com/LionelRostand/neorent-sub005/internal/metrics"
)

// Notifier is told about every successful presence write.
type Notifier interface {
	Publish(t fanout.Topic)
}

// Status is the derived liveness of one user across all of their devices.
type Status struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"last_seen"`
}

// Evaluate folds device records into one Status. A device counts as online
// only while its flag is set and its LastSeen is younger than threshold; the
// user is online when any device is.
func Evaluate(records []*domain.UserPresence, now time.Time, threshold time.Duration) Status {
	var st Status
	for _, r := range records {
		if st.UserID == "" {
			st.UserID = r.UserID
		}
		if r.LastSeen.After(st.LastSeen) {
			st.LastSeen = r.LastSeen
			if r.DisplayName != "" {
				st.DisplayName = r.DisplayName
			}
		}
		if r.IsOnline && now.Sub(r.LastSeen) < threshold {
			st.Online = true
		}
	}
	return st
}

type ServiceConfig struct {
	Repo     domain.PresenceRepository
	Notifier Notifier
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// Interval is the heartbeat period; StaleFactor times Interval is the
	// age after which a record no longer counts as online.
	Interval     time.Duration
	StaleFactor  float64
	WriteTimeout time.Duration
}

type Service struct {
	repo         domain.PresenceRepository
	notifier     Notifier
	clock        clockwork.Clock
	log          *slog.Logger
	metrics      *metrics.Metrics
	interval     time.Duration
	threshold    time.Duration
	writeTimeout time.Duration
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleFactor < 1 {
		cfg.StaleFactor = 2
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Service{
		repo:         cfg.Repo,
		notifier:     cfg.Notifier,
		clock:        cfg.Clock,
		log:          logging.OrDiscard(cfg.Logger),
		metrics:      cfg.Metrics,
		interval:     cfg.Interval,
		threshold:    time.Duration(float64(cfg.Interval) * cfg.StaleFactor),
		writeTimeout: cfg.WriteTimeout,
	}
}

func (s *Service) Interval() time.Duration  { return s.interval }
func (s *Service) Threshold() time.Duration { return s.threshold }

// Status is a point read of userID's device records.
func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	if userID == "" {
		return Status{}, domain.ErrInvalidInput
	}
	records, err := s.repo.ListForUser(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("presence status: %w", err)
	}
	st := Evaluate(records, s.clock.Now(), s.threshold)
	st.UserID = userID
	return st, nil
}

// ListOnline returns every user with at least one fresh online device,
// most recently seen first.
func (s *Service) ListOnline(ctx context.Context) ([]Status, error) {
	now := s.clock.Now()
	records, err := s.repo.ListOnline(ctx, now.Add(-s.threshold).UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list online: %w", err)
	}

	byUser := make(map[string][]*domain.UserPresence)
	for _, r := range records {
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}
	out := make([]Status, 0, len(byUser))
	for _, recs := range byUser {
		if st := Evaluate(recs, now, s.threshold); st.Online {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// Beat records one presence write for a device and notifies presence
// watchers. It is the stateless counterpart of a Tracker tick.
func (s *Service) Beat(ctx context.Context, id domain.Identity, deviceID string, online bool) error {
	if id.UserID == "" || deviceID == "" {
		return domain.ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	now := s.clock.Now()
	err := s.repo.Put(ctx, &domain.UserPresence{
		UserID:      id.UserID,
		DeviceID:    deviceID,
		DisplayName: id.DisplayName,
		IsOnline:    online,
		LastSeen:    now,
		UpdatedAt:   now,
	})

	kind := "offline"
	if online {
		kind = "online"
	}
	s.metrics.PresenceWrite(kind, err)
	if err != nil {
		return fmt.Errorf("presence write: %w", err)
	}
	if s.notifier != nil {
		s.notifier.Publish(fanout.PresenceTopic(id.UserID))
	}
	return nil
}
