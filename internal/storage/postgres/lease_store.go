package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

const leaseColumns = "item_id, holder, token, acquired_at, expires_at"

// LeaseStore implements crawler.LeaseStore on the leases table. Each method is
// a single statement, so atomicity comes from row locking alone.
type LeaseStore struct {
	db DB
}

// NewLeaseStore wraps db.
func NewLeaseStore(db DB) *LeaseStore {
	return &LeaseStore{db: db}
}

// TryAcquire inserts lease, or takes over a row that expired strictly before
// now. When the row is live the current holder is returned with false.
func (s *LeaseStore) TryAcquire(ctx context.Context, lease crawler.Lease, now time.Time) (crawler.Lease, bool, error) {
	got, err := scanLease(s.db.QueryRow(ctx, `
		INSERT INTO leases (`+leaseColumns+`) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (item_id) DO UPDATE SET
			holder = EXCLUDED.holder,
			token = EXCLUDED.token,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE leases.expires_at < $6
		RETURNING `+leaseColumns,
		lease.ItemID, lease.Holder, lease.Token, lease.AcquiredAt, lease.ExpiresAt, now))
	if err == nil {
		return got, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawler.Lease{}, false, fmt.Errorf("acquire lease %s: %w", lease.ItemID, err)
	}
	current, err := s.Get(ctx, lease.ItemID)
	if err != nil && !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Lease{}, false, err
	}
	// A holder that released between the two statements still reads as busy;
	// the caller retries on its next cycle.
	return current, false, nil
}

// Extend moves expires_at forward for a live lease held under token.
func (s *LeaseStore) Extend(ctx context.Context, itemID, token string, expiresAt, now time.Time) (crawler.Lease, error) {
	got, err := scanLease(s.db.QueryRow(ctx, `
		UPDATE leases SET expires_at = GREATEST(expires_at, $3)
		WHERE item_id = $1 AND token = $2 AND expires_at >= $4
		RETURNING `+leaseColumns, itemID, token, expiresAt, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Lease{}, crawler.ErrExpired
		}
		return crawler.Lease{}, fmt.Errorf("extend lease %s: %w", itemID, err)
	}
	return got, nil
}

// Delete removes the lease when token matches.
func (s *LeaseStore) Delete(ctx context.Context, itemID, token string) error {
	if _, err := s.db.Exec(ctx, "DELETE FROM leases WHERE item_id = $1 AND token = $2", itemID, token); err != nil {
		return fmt.Errorf("delete lease %s: %w", itemID, err)
	}
	return nil
}

// Get returns the stored lease, live or not.
func (s *LeaseStore) Get(ctx context.Context, itemID string) (crawler.Lease, error) {
	got, err := scanLease(s.db.QueryRow(ctx, "SELECT "+leaseColumns+" FROM leases WHERE item_id = $1", itemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Lease{}, crawler.ErrNotFound
		}
		return crawler.Lease{}, fmt.Errorf("get lease %s: %w", itemID, err)
	}
	return got, nil
}

func scanLease(row pgx.Row) (crawler.Lease, error) {
	var l crawler.Lease
	if err := row.Scan(&l.ItemID, &l.Holder, &l.Token, &l.AcquiredAt, &l.ExpiresAt); err != nil {
		return crawler.Lease{}, err
	}
	return l, nil
}
