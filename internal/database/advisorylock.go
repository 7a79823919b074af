package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// FeedLock is a session-scoped advisory lock keyed by a feed's lock id. The
// lock pins one pool connection for its lifetime; if the worker crashes, the
// session ends and Postgres reclaims the lock automatically.
type FeedLock struct {
	conn   *pgxpool.Conn
	lockID int64
}

// TryAcquireFeedLock attempts a non-blocking claim of the feed lock. Returns
// (nil, false, nil) when another session holds it.
func TryAcquireFeedLock(ctx context.Context, lockID int64) (*FeedLock, bool, error) {
	conn, err := Pool().Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection for feed lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock %d: %w", lockID, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	return &FeedLock{conn: conn, lockID: lockID}, true, nil
}

// Release unlocks and returns the pinned connection to the pool. Unlock
// failures are logged and swallowed: closing the session is authoritative.
func (l *FeedLock) Release(ctx context.Context) {
	if l == nil || l.conn == nil {
		return
	}
	var released bool
	if err := l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, l.lockID).Scan(&released); err != nil {
		log.Warn().
			Err(err).
			Int64("lock_id", l.lockID).
			Msg("Advisory unlock failed, relying on session close")
	} else if !released {
		log.Warn().
			Int64("lock_id", l.lockID).
			Msg("Advisory unlock reported lock not held by this session")
	}
	l.conn.Release()
	l.conn = nil
}

// LockID returns the lock key, for job payloads.
func (l *FeedLock) LockID() int64 { return l.lockID }

// IsFeedLockHeld is a diagnostic: reports whether any session currently holds
// the advisory lock. pg_locks splits the 64-bit key into classid (high word)
// and objid (low word), so the key halves are compared separately instead of
// reassembling the key in SQL.
func IsFeedLockHeld(ctx context.Context, lockID int64) (bool, error) {
	var held bool
	err := Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			  AND classid::bigint = (($1::bigint >> 32) & 4294967295)
			  AND objid::bigint = ($1::bigint & 4294967295)
			  AND granted
		)
	`, lockID).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("check advisory lock %d: %w", lockID, err)
	}
	return held, nil
}
