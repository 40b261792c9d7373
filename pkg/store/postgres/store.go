// Package postgres provides a PostgreSQL-backed [store.Store].
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//
//	_ = s.SaveCallStart(ctx, store.Call{CallID: "CA…", Caller: "+1…"})
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callrelay/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is a [store.Store] over a single [pgxpool.Pool].
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, pings it and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks the database connection. It is used by the readiness check.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// SaveCallStart implements [store.Store].
func (s *Store) SaveCallStart(ctx context.Context, c store.Call) error {
	const q = `
		INSERT INTO calls (call_id, stream_id, caller, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (call_id) DO UPDATE
		SET stream_id = EXCLUDED.stream_id,
		    caller    = EXCLUDED.caller,
		    started_at = EXCLUDED.started_at`

	started := c.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, q, c.CallID, c.StreamID, c.Caller, started); err != nil {
		return fmt.Errorf("postgres store: save call start: %w", err)
	}
	return nil
}

// SaveCallEnd implements [store.Store]. It returns [store.ErrNotFound] for an
// unknown call id.
func (s *Store) SaveCallEnd(ctx context.Context, callID, audioURL string, at time.Time) error {
	const q = `UPDATE calls SET ended_at = $2, audio_url = $3 WHERE call_id = $1`

	tag, err := s.pool.Exec(ctx, q, callID, at, audioURL)
	if err != nil {
		return fmt.Errorf("postgres store: save call end: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: save call end %q: %w", callID, store.ErrNotFound)
	}
	return nil
}

// SaveUtterance implements [store.Store].
func (s *Store) SaveUtterance(ctx context.Context, u store.Utterance) error {
	const q = `INSERT INTO utterances (call_id, role, text, at) VALUES ($1, $2, $3, $4)`

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, q, u.CallID, string(u.Role), u.Text, at); err != nil {
		return fmt.Errorf("postgres store: save utterance: %w", err)
	}
	return nil
}

// SaveOrder implements [store.Store].
func (s *Store) SaveOrder(ctx context.Context, o store.Order) error {
	const q = `
		INSERT INTO orders
		    (call_id, order_id, items, total, tax, total_with_tax,
		     payment_status, payment_id, done, digest, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	items := o.Items
	if items == nil {
		items = []store.OrderItem{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("postgres store: marshal order items: %w", err)
	}
	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, q,
		o.CallID,
		o.OrderID,
		itemsJSON,
		o.Total,
		o.Tax,
		o.TotalWithTax,
		o.PaymentStatus,
		o.PaymentID,
		o.Done,
		o.Digest,
		created,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save order: %w", err)
	}
	return nil
}

const callColumns = `call_id, stream_id, caller, started_at, ended_at, audio_url`

func scanCall(row pgx.CollectableRow) (store.Call, error) {
	var c store.Call
	err := row.Scan(&c.CallID, &c.StreamID, &c.Caller, &c.StartedAt, &c.EndedAt, &c.AudioURL)
	return c, err
}

// GetCall implements [store.Store].
func (s *Store) GetCall(ctx context.Context, callID string) (store.Call, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+callColumns+` FROM calls WHERE call_id = $1`, callID)
	if err != nil {
		return store.Call{}, fmt.Errorf("postgres store: get call: %w", err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCall)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Call{}, store.ErrNotFound
	}
	if err != nil {
		return store.Call{}, fmt.Errorf("postgres store: get call: %w", err)
	}
	return c, nil
}

// ListCalls implements [store.Store]. A non-positive limit defaults to 50.
func (s *Store) ListCalls(ctx context.Context, limit, offset int) ([]store.Call, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	const q = `SELECT ` + callColumns + ` FROM calls ORDER BY started_at DESC LIMIT $1 OFFSET $2`

	rows, err := s.pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list calls: %w", err)
	}
	calls, err := pgx.CollectRows(rows, scanCall)
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan calls: %w", err)
	}
	if calls == nil {
		calls = []store.Call{}
	}
	return calls, nil
}

// Utterances implements [store.Store].
func (s *Store) Utterances(ctx context.Context, callID string) ([]store.Utterance, error) {
	const q = `SELECT call_id, role, text, at FROM utterances WHERE call_id = $1 ORDER BY at, id`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: utterances: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Utterance, error) {
		var (
			u    store.Utterance
			role string
		)
		if err := row.Scan(&u.CallID, &role, &u.Text, &u.At); err != nil {
			return store.Utterance{}, err
		}
		u.Role = store.Role(role)
		return u, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan utterances: %w", err)
	}
	if out == nil {
		out = []store.Utterance{}
	}
	return out, nil
}
