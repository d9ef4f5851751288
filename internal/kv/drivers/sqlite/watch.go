package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aussiebroadwan/tabsession/internal/kv"
)

// Watch polls the change log for rows written by other origins. Only
// changes made after Watch is called are delivered.
func (s *Store) Watch(ctx context.Context) (<-chan kv.ChangeEvent, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM kv_changes`).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}

	out := make(chan kv.ChangeEvent, 64)
	go s.poll(ctx, last, out)
	return out, nil
}

func (s *Store) poll(ctx context.Context, last int64, out chan<- kv.ChangeEvent) {
	defer close(out)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, next, err := s.changesSince(ctx, last)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("kv_watch_poll_failed", "error", err)
			}
			continue
		}
		last = next

		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Store) changesSince(ctx context.Context, since int64) ([]kv.ChangeEvent, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, key, old_value, new_value, origin FROM kv_changes
		WHERE seq > ? ORDER BY seq`, since)
	if err != nil {
		return nil, since, err
	}
	defer rows.Close()

	last := since
	var events []kv.ChangeEvent
	for rows.Next() {
		var (
			seq            int64
			key, origin    string
			oldRaw, newRaw sql.NullString
		)
		if err := rows.Scan(&seq, &key, &oldRaw, &newRaw, &origin); err != nil {
			return nil, since, err
		}
		last = seq

		if origin == s.origin {
			continue
		}

		oldValue, err := s.openNull(key, oldRaw)
		if err != nil {
			s.logger.Warn("kv_watch_unreadable_change", "key", key, "seq", seq, "error", err)
			continue
		}
		newValue, err := s.openNull(key, newRaw)
		if err != nil {
			s.logger.Warn("kv_watch_unreadable_change", "key", key, "seq", seq, "error", err)
			continue
		}

		events = append(events, kv.ChangeEvent{
			Key:      key,
			OldValue: oldValue,
			NewValue: newValue,
			Origin:   origin,
		})
	}
	return events, last, rows.Err()
}
