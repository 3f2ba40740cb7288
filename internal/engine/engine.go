package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine/auth"
	"signoff/internal/events"
	"signoff/internal/metrics"
	"signoff/internal/repo"
	"signoff/internal/tracing"
)

const (
	defaultStoreTimeout = 5 * time.Second
	defaultMaxRetries   = 4
	maxStaleRetries     = 3
)

type Engine struct {
	DB     *db.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    zerolog.Logger
	Now    func() time.Time
}

func New(conn *db.DB, cfg *config.Config, log zerolog.Logger) Engine {
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (e Engine) storeTimeout() time.Duration {
	if e.Config != nil && e.Config.Store.Timeout > 0 {
		return e.Config.Store.Timeout
	}
	return defaultStoreTimeout
}

func (e Engine) maxRetries() int {
	if e.Config != nil && e.Config.Store.MaxRetries > 0 {
		return e.Config.Store.MaxRetries
	}
	return defaultMaxRetries
}

// emit appends an outbox event stamped with the engine clock.
func (e Engine) emit(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload)
}

// inTx runs fn in one transaction. Transient store failures restart the whole
// transaction with exponential backoff; every other error is returned as is.
func (e Engine) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return e.withStore(ctx, op, func(ctx context.Context) error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// withStore runs fn under the store timeout and retry policy.
func (e Engine) withStore(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, "engine."+op, nil)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.maxRetries())), ctx)

	err := backoff.RetryNotify(func() error {
		actx, cancel := context.WithTimeout(ctx, e.storeTimeout())
		defer cancel()
		err := fn(actx)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, wait time.Duration) {
		metrics.StoreRetries.Inc()
		e.Log.Warn().Err(err).Str("operation", op).Dur("backoff", wait).Msg("Store operation failed, retrying")
	})
	if err != nil && isTransient(err) && !errors.Is(err, ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
	span.End(err)
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	return err
}

// isTransient reports whether err is a store fault worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"database is locked", "sqlite_busy", "database table is locked", "connection refused", "connection reset", "conn closed", "deadlock detected", "could not serialize access"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// resolver returns a permission resolver reading through tx.
func (e Engine) resolver(tx *sql.Tx) auth.Resolver {
	return auth.Resolver{Store: authStore{repo: e.Repo, tx: tx}}
}

type authStore struct {
	repo repo.Repo
	tx   *sql.Tx
}

func (s authStore) GetPrincipal(ctx context.Context, id string) (domain.Principal, error) {
	p, err := s.repo.GetPrincipal(ctx, s.tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, auth.ErrUnknownPrincipal
	}
	return p, err
}

func (s authStore) GetRole(ctx context.Context, code string) (domain.Role, error) {
	r, err := s.repo.GetRole(ctx, s.tx, code)
	if errors.Is(err, repo.ErrNotFound) {
		return r, auth.ErrUnknownPrincipal
	}
	return r, err
}

func (s authStore) ActiveDelegationsFor(ctx context.Context, principalID string, asOf time.Time) ([]domain.Delegation, error) {
	return activeDelegations(ctx, s.repo, s.tx, principalID, asOf)
}

func activeDelegations(ctx context.Context, r repo.Repo, tx *sql.Tx, principalID string, asOf time.Time) ([]domain.Delegation, error) {
	all, err := r.ListDelegations(ctx, tx, repo.DelegationFilters{DelegateID: principalID})
	if err != nil {
		return nil, err
	}
	var out []domain.Delegation
	for _, d := range all {
		if d.ActiveAt(asOf) {
			out = append(out, d)
		}
	}
	return out, nil
}

// AuthorizeRequest is the input of Authorize.
type AuthorizeRequest struct {
	PrincipalID    string
	PermissionCode string
	Resource       auth.ResourceContext
}

// Authorize evaluates a permission check against current state.
func (e Engine) Authorize(ctx context.Context, req AuthorizeRequest) (auth.Decision, error) {
	var dec auth.Decision
	err := e.withStore(ctx, "authorize", func(ctx context.Context) error {
		var err error
		dec, err = e.resolver(nil).Authorize(ctx, req.PrincipalID, req.PermissionCode, req.Resource, e.now())
		return err
	})
	if err != nil {
		return dec, err
	}
	result := "deny"
	if dec.Allow {
		result = "allow"
	}
	metrics.AuthorizeDecisions.WithLabelValues(result).Inc()
	e.Log.Debug().Str("principal", req.PrincipalID).Str("permission", req.PermissionCode).Str("result", result).Msg("Authorize evaluated")
	return dec, nil
}

// require fails with NotAuthorizedError unless principalID holds code on rc.
func (e Engine) require(ctx context.Context, tx *sql.Tx, principalID, code string, rc auth.ResourceContext) error {
	if principalID == "" {
		return notAuthorized(principalID, code, "actor required")
	}
	dec, err := e.resolver(tx).Authorize(ctx, principalID, code, rc, e.now())
	if err != nil {
		return err
	}
	if !dec.Allow {
		return notAuthorized(principalID, code, dec.Reason)
	}
	return nil
}
