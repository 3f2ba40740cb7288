package repo

import (
	"context"
	"database/sql"
)

// AcquireLease takes or renews the named lease for holder. It succeeds when
// the lease is free, expired, or already held by holder.
func (r Repo) AcquireLease(ctx context.Context, name, holder, now, expiresAt string) (bool, error) {
	res, err := r.exec(ctx, nil, `INSERT INTO scheduler_leases(name, holder, expires_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET holder=excluded.holder, expires_at=excluded.expires_at
WHERE scheduler_leases.holder=excluded.holder OR scheduler_leases.expires_at < ?`, name, holder, expiresAt, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if holder still owns it.
func (r Repo) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := r.exec(ctx, nil, `DELETE FROM scheduler_leases WHERE name=? AND holder=?`, name, holder)
	return err
}

// LeaseHolder reports the current holder of a lease and its expiry.
func (r Repo) LeaseHolder(ctx context.Context, name string) (string, string, error) {
	var holder, expires string
	err := r.queryRow(ctx, nil, `SELECT holder, expires_at FROM scheduler_leases WHERE name=?`, name).Scan(&holder, &expires)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	return holder, expires, err
}
