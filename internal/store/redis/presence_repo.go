// Package redis stores presence records in Redis so every node shares them
// without touching the SQL database on each heartbeat.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
)

const (
	presenceKeyPrefix = "presence:"
	onlineSetKey      = "presence:online"
	maxWatchRetries   = 5
)

// Open connects to the Redis server at url and pings it.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// PresenceRepo keeps one hash per user (field per device, JSON value) and a
// sorted set of users scored by their latest online heartbeat in ms.
type PresenceRepo struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewPresenceRepo(client redis.UniversalClient, ttl time.Duration) *PresenceRepo {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PresenceRepo{client: client, ttl: ttl}
}

var _ domain.PresenceRepository = (*PresenceRepo)(nil)

type record struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
	IsOnline    bool   `json:"is_online"`
	LastSeenNs  int64  `json:"last_seen_ns"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

func (r record) toDomain() *domain.UserPresence {
	return &domain.UserPresence{
		UserID:      r.UserID,
		DeviceID:    r.DeviceID,
		DisplayName: r.DisplayName,
		IsOnline:    r.IsOnline,
		LastSeen:    time.Unix(0, r.LastSeenNs).UTC(),
		UpdatedAt:   time.Unix(0, r.UpdatedAtNs).UTC(),
	}
}

func userKey(userID string) string { return presenceKeyPrefix + userID }

// Put writes p unless the stored record for the device is newer. The
// compare and write run under WATCH so concurrent writers cannot interleave.
func (r *PresenceRepo) Put(ctx context.Context, p *domain.UserPresence) error {
	rec := record{
		UserID:      p.UserID,
		DeviceID:    p.DeviceID,
		DisplayName: p.DisplayName,
		IsOnline:    p.IsOnline,
		LastSeenNs:  p.LastSeen.UnixNano(),
		UpdatedAtNs: p.UpdatedAt.UnixNano(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	key := userKey(p.UserID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, p.DeviceID).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var cur record
			if json.Unmarshal(raw, &cur) == nil && cur.LastSeenNs > rec.LastSeenNs {
				return nil
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, p.DeviceID, data)
			pipe.PExpire(ctx, key, r.ttl)
			if rec.IsOnline {
				pipe.ZAdd(ctx, onlineSetKey, redis.Z{Score: float64(p.LastSeen.UnixMilli()), Member: p.UserID})
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("put presence: %w: %w", domain.ErrStoreUnavailable, err)
		}
		return nil
	}
	return fmt.Errorf("put presence %s/%s: %w: watch retries exhausted", p.UserID, p.DeviceID, domain.ErrStoreUnavailable)
}

func (r *PresenceRepo) ListForUser(ctx context.Context, userID string) ([]*domain.UserPresence, error) {
	fields, err := r.client.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w: %w", domain.ErrStoreUnavailable, err)
	}
	return decodeFields(fields), nil
}

// ListOnline returns online device records seen at or after sinceNs. Users
// whose newest heartbeat is older than that are pruned from the index.
func (r *PresenceRepo) ListOnline(ctx context.Context, sinceNs int64) ([]*domain.UserPresence, error) {
	sinceMs := time.Unix(0, sinceNs).UnixMilli()
	if err := r.client.ZRemRangeByScore(ctx, onlineSetKey, "-inf", "("+strconv.FormatInt(sinceMs, 10)).Err(); err != nil {
		return nil, fmt.Errorf("prune online index: %w: %w", domain.ErrStoreUnavailable, err)
	}
	userIDs, err := r.client.ZRangeByScore(ctx, onlineSetKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(sinceMs, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list online index: %w: %w", domain.ErrStoreUnavailable, err)
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, userKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list online: %w: %w", domain.ErrStoreUnavailable, err)
	}

	var res []*domain.UserPresence
	for _, cmd := range cmds {
		for _, p := range decodeFields(cmd.Val()) {
			if p.IsOnline && p.LastSeen.UnixNano() >= sinceNs {
				res = append(res, p)
			}
		}
	}
	return res, nil
}

// decodeFields skips values that fail to decode; a corrupt device entry
// must not hide the user's other devices.
func decodeFields(fields map[string]string) []*domain.UserPresence {
	res := make([]*domain.UserPresence, 0, len(fields))
	for _, v := range fields {
		var rec record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue
		}
		res = append(res, rec.toDomain())
	}
	return res
}
