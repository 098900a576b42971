package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	retryBackoffBaseMs = 100
	retryBackoffJitter = 100
)

// MinerStore is the typed query surface the engine needs against the
// miners table — narrow and ISP-style, one method per operation the
// caller actually performs.
type MinerStore interface {
	SelectCandidates(ctx context.Context, pool string) ([]Miner, error)
	IncrementHours(ctx context.Context, ids []int64) error
	SetStatus(ctx context.Context, ids []int64, newStatus string) ([]int64, error)
}

// MinerLookup is the narrow query surface the read service needs: a
// single row by primary key, nothing else.
type MinerLookup interface {
	GetByID(ctx context.Context, id int64) (Miner, bool, error)
}

// SQLMinerStore implements MinerStore over *sqlx.DB/lib/pq.
type SQLMinerStore struct {
	db      *sqlx.DB
	retries int
}

// NewSQLMinerStore wraps an already-connected *sqlx.DB, retrying each
// query up to retries times on a transient connect/timeout failure.
func NewSQLMinerStore(db *sqlx.DB, retries int) *SQLMinerStore {
	if retries < 0 {
		retries = 0
	}
	return &SQLMinerStore{db: db, retries: retries}
}

// withRetry runs fn, retrying up to s.retries additional times with a
// short backoff when fn fails with a transient connect/timeout error.
// It gives up immediately on any other error, and on ctx cancellation.
func (s *SQLMinerStore) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isTransient(lastErr) || attempt == s.retries {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(retryBackoffDelay(attempt)):
		}
	}
	return lastErr
}

func retryBackoffDelay(attempt int) time.Duration {
	jitter := time.Duration(rand.Intn(retryBackoffJitter)) * time.Millisecond
	return time.Duration(retryBackoffBaseMs*(attempt+1))*time.Millisecond + jitter
}

// isTransient reports whether err looks like a transient connect
// timeout worth a bounded retry, as opposed to a query/schema error
// that would only repeat.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

const selectCandidatesQuery = `
SELECT id, pool, coin, worker_name, api_key, secret_key, status, total_horas_online
FROM miners
WHERE lower(pool) = lower($1)
  AND worker_name IS NOT NULL AND worker_name <> ''
  AND api_key IS NOT NULL AND api_key <> ''
`

// SelectCandidates returns miners for pool with a non-empty api_key
// and worker name, per the engine's load-candidates step. secret_key
// is not filtered here; the engine skips miners missing a secret the
// pool requires.
func (s *SQLMinerStore) SelectCandidates(ctx context.Context, pool string) ([]Miner, error) {
	var miners []Miner
	err := s.withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &miners, selectCandidatesQuery, pool)
	})
	if err != nil {
		return nil, fmt.Errorf("select candidates for pool %s: %w", pool, err)
	}
	return miners, nil
}

const incrementHoursQuery = `
UPDATE miners
SET total_horas_online = COALESCE(total_horas_online, 0) + 0.25
WHERE id = ANY($1) AND lower(status) <> 'maintenance'
`

// IncrementHours credits exactly +0.25 hours to every id in ids,
// skipping any row whose status is maintenance.
func (s *SQLMinerStore) IncrementHours(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, incrementHoursQuery, pq.Array(ids))
		return err
	})
	if err != nil {
		return fmt.Errorf("increment hours: %w", err)
	}
	return nil
}

const setStatusQuery = `
UPDATE miners
SET status = $2
WHERE id = ANY($1) AND status <> $2 AND lower(status) <> 'maintenance'
RETURNING id
`

// SetStatus moves every id in ids to newStatus, skipping rows already
// at newStatus or currently in maintenance, and returns the ids that
// were actually changed.
func (s *SQLMinerStore) SetStatus(ctx context.Context, ids []int64, newStatus string) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var changed []int64
	err := s.withRetry(ctx, func() error {
		changed = nil
		rows, err := s.db.QueryxContext(ctx, setStatusQuery, pq.Array(ids), newStatus)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan affected id: %w", err)
			}
			changed = append(changed, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("set status to %s: %w", newStatus, err)
	}
	return changed, nil
}

const getByIDQuery = `
SELECT id, pool, coin, worker_name, api_key, secret_key, status, total_horas_online
FROM miners
WHERE id = $1
`

// GetByID returns the miner row for id, or ok=false if no such row
// exists.
func (s *SQLMinerStore) GetByID(ctx context.Context, id int64) (Miner, bool, error) {
	var m Miner
	err := s.withRetry(ctx, func() error {
		return s.db.GetContext(ctx, &m, getByIDQuery, id)
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return Miner{}, false, nil
		}
		return Miner{}, false, fmt.Errorf("get miner %d: %w", id, err)
	}
	return m, true, nil
}

// IsMaintenanceStatus reports whether status folds to "maintenance"
// case-insensitively, the sticky lifecycle guard every mutation path
// must honour.
func IsMaintenanceStatus(status string) bool {
	return strings.EqualFold(strings.TrimSpace(status), "maintenance")
}
