package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
)

type PresenceRepo struct {
	db *sql.DB
	d  Dialect
}

func NewPresenceRepo(db *sql.DB, d Dialect) *PresenceRepo {
	return &PresenceRepo{db: db, d: d}
}

var _ domain.PresenceRepository = (*PresenceRepo)(nil)

func (r *PresenceRepo) Put(ctx context.Context, p *domain.UserPresence) error {
	query := r.d.rebind(`
		INSERT INTO presence (user_id, device_id, display_name, is_online, last_seen_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			display_name = excluded.display_name,
			is_online = excluded.is_online,
			last_seen_ns = excluded.last_seen_ns,
			updated_at_ns = excluded.updated_at_ns
		WHERE presence.last_seen_ns <= excluded.last_seen_ns
	`)
	_, err := r.db.ExecContext(ctx, query,
		p.UserID,
		p.DeviceID,
		p.DisplayName,
		p.IsOnline,
		p.LastSeen.UnixNano(),
		p.UpdatedAt.UnixNano(),
	)
	return r.d.wrap("put presence", err)
}

func (r *PresenceRepo) ListForUser(ctx context.Context, userID string) ([]*domain.UserPresence, error) {
	query := r.d.rebind(`
		SELECT user_id, device_id, display_name, is_online, last_seen_ns, updated_at_ns
		FROM presence
		WHERE user_id = ?
		ORDER BY last_seen_ns DESC
	`)
	return r.list(ctx, "list presence", query, userID)
}

func (r *PresenceRepo) ListOnline(ctx context.Context, sinceNs int64) ([]*domain.UserPresence, error) {
	query := r.d.rebind(`
		SELECT user_id, device_id, display_name, is_online, last_seen_ns, updated_at_ns
		FROM presence
		WHERE is_online = ? AND last_seen_ns >= ?
		ORDER BY last_seen_ns DESC
	`)
	return r.list(ctx, "list online presence", query, true, sinceNs)
}

func (r *PresenceRepo) list(ctx context.Context, op, query string, args ...any) ([]*domain.UserPresence, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, r.d.wrap(op, err)
	}
	defer rows.Close()

	var res []*domain.UserPresence
	for rows.Next() {
		var (
			p                domain.UserPresence
			lastSeen, update int64
		)
		if err := rows.Scan(&p.UserID, &p.DeviceID, &p.DisplayName, &p.IsOnline, &lastSeen, &update); err != nil {
			return nil, r.d.wrap(op, err)
		}
		p.LastSeen = time.Unix(0, lastSeen).UTC()
		p.UpdatedAt = time.Unix(0, update).UTC()
		res = append(res, &p)
	}
	return res, r.d.wrap(op, rows.Err())
}
