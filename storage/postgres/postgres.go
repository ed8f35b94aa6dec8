// Package postgres provides a PostgreSQL implementation of the subsync.Store interface.
// Subscriptions are kept as a JSONB array on the user row; deltas are applied
// in a transaction holding a row lock (SELECT ... FOR UPDATE).
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flippify/payments/pkg/subsync"
)

// Schema creates the users table and its lookup indexes.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id                 TEXT PRIMARY KEY,
	stripe_customer_id TEXT,
	referral_code      TEXT,
	referred_by        TEXT,
	valid_referrals    TEXT[] NOT NULL DEFAULT '{}',
	subscriptions      JSONB  NOT NULL DEFAULT '[]'::jsonb,
	membership_tier    TEXT
);
CREATE INDEX IF NOT EXISTS users_stripe_customer_id_idx ON users (stripe_customer_id);
CREATE INDEX IF NOT EXISTS users_referral_code_idx ON users (referral_code);
`

const (
	userColumns = `id, COALESCE(stripe_customer_id, ''), COALESCE(referral_code, ''),
		COALESCE(referred_by, ''), valid_referrals, subscriptions, COALESCE(membership_tier, '')`

	defaultBatchSize = 500
)

// Storage implements subsync.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// BatchSize is the page size used by ForEachUser (default: 500)
	BatchSize int

	// Migrate creates the schema on startup when true
	Migrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		BatchSize:       defaultBatchSize,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the users table if it does not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FindUsersByField implements subsync.Store. Matches are returned in id order.
func (s *Storage) FindUsersByField(ctx context.Context, field subsync.LookupField, value string,
	limit int) ([]*subsync.User, error) {
	if value == "" {
		return nil, nil
	}
	column, err := columnFor(field)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.config.BatchSize
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = $1 ORDER BY id LIMIT $2`,
		value, limit)
	if err != nil {
		return nil, upstream("query users", err)
	}
	return collectUsers(rows)
}

// GetUser implements subsync.Store
func (s *Storage) GetUser(ctx context.Context, userID string) (*subsync.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	if err != nil {
		return nil, upstream("get user", err)
	}
	users, err := collectUsers(rows)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: %s", subsync.ErrUserNotFound, userID)
	}
	return users[0], nil
}

// ApplySubscriptionDelta implements subsync.Store
func (s *Storage) ApplySubscriptionDelta(ctx context.Context, userID string, delta subsync.Delta) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return upstream("begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT subscriptions FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", subsync.ErrUserNotFound, userID)
	}
	if err != nil {
		return upstream("lock user", err)
	}
	if delta.IsEmpty() {
		return nil
	}

	current, err := decodeSubscriptions(raw)
	if err != nil {
		return err
	}
	encoded, err := encodeSubscriptions(subsync.ApplyDelta(current, delta))
	if err != nil {
		return err
	}

	if delta.SetTier {
		_, err = tx.Exec(ctx,
			`UPDATE users SET subscriptions = $2, membership_tier = NULLIF($3, '') WHERE id = $1`,
			userID, encoded, delta.Tier)
	} else {
		_, err = tx.Exec(ctx, `UPDATE users SET subscriptions = $2 WHERE id = $1`, userID, encoded)
	}
	if err != nil {
		return upstream("update subscriptions", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return upstream("commit", err)
	}
	return nil
}

// AddValidReferral implements subsync.Store
func (s *Storage) AddValidReferral(ctx context.Context, referrerID, referredID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`WITH updated AS (
			UPDATE users SET valid_referrals = array_append(valid_referrals, $2)
			WHERE id = $1 AND NOT ($2 = ANY(valid_referrals))
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`,
		referrerID, referredID).Scan(&exists)
	if err != nil {
		return upstream("add valid referral", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", subsync.ErrUserNotFound, referrerID)
	}
	return nil
}

// ForEachUser implements subsync.Store using keyset pagination so no
// connection is held while fn runs.
func (s *Storage) ForEachUser(ctx context.Context, fn func(*subsync.User) error) error {
	after := ""
	for {
		rows, err := s.pool.Query(ctx,
			`SELECT `+userColumns+` FROM users WHERE id > $1 ORDER BY id LIMIT $2`,
			after, s.config.BatchSize)
		if err != nil {
			return upstream("stream users", err)
		}
		page, err := collectUsers(rows)
		if err != nil {
			return err
		}

		for _, u := range page {
			if err := fn(u); err != nil {
				return err
			}
		}
		if len(page) < s.config.BatchSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

// PutUser inserts or replaces a user row. User creation happens outside the
// reconciliation core; this exists for seeding and tests.
func (s *Storage) PutUser(ctx context.Context, user *subsync.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	encoded, err := encodeSubscriptions(user.Subscriptions)
	if err != nil {
		return err
	}
	ref := user.Referral
	if ref == nil {
		ref = &subsync.Referral{}
	}
	valid := ref.ValidReferrals
	if valid == nil {
		valid = []string{}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (id, stripe_customer_id, referral_code, referred_by, valid_referrals,
				subscriptions, membership_tier)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, ''))
			ON CONFLICT (id) DO UPDATE SET
				stripe_customer_id = EXCLUDED.stripe_customer_id,
				referral_code = EXCLUDED.referral_code,
				referred_by = EXCLUDED.referred_by,
				valid_referrals = EXCLUDED.valid_referrals,
				subscriptions = EXCLUDED.subscriptions,
				membership_tier = EXCLUDED.membership_tier`,
		user.ID, user.CustomerID, ref.ReferralCode, ref.ReferredBy, valid, encoded, user.MembershipTier)
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// subscriptionRow is the JSONB shape of one subscription, matching the
// document layout used by the Firestore store.
type subscriptionRow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Override  bool   `json:"override"`
	CreatedAt string `json:"createdAt,omitempty"`
}

func encodeSubscriptions(subs []subsync.Subscription) ([]byte, error) {
	rows := make([]subscriptionRow, 0, len(subs))
	for _, sub := range subs {
		row := subscriptionRow{ID: sub.ProductID, Name: sub.DisplayName, Override: sub.Override}
		if !sub.CreatedAt.IsZero() {
			row.CreatedAt = subsync.FormatTimestamp(sub.CreatedAt)
		}
		rows = append(rows, row)
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to encode subscriptions: %w", err)
	}
	return data, nil
}

func decodeSubscriptions(raw []byte) ([]subsync.Subscription, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rows []subscriptionRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode subscriptions: %w", err)
	}
	subs := make([]subsync.Subscription, 0, len(rows))
	for _, row := range rows {
		sub := subsync.Subscription{ProductID: row.ID, DisplayName: row.Name, Override: row.Override}
		if row.CreatedAt != "" {
			if t, err := subsync.ParseTimestamp(row.CreatedAt); err == nil {
				sub.CreatedAt = t
			}
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func collectUsers(rows pgx.Rows) ([]*subsync.User, error) {
	defer rows.Close()

	var out []*subsync.User
	for rows.Next() {
		var (
			u                        subsync.User
			referralCode, referredBy string
			validReferrals           []string
			rawSubscriptions         []byte
		)
		if err := rows.Scan(&u.ID, &u.CustomerID, &referralCode, &referredBy,
			&validReferrals, &rawSubscriptions, &u.MembershipTier); err != nil {
			return nil, upstream("scan user", err)
		}
		subs, err := decodeSubscriptions(rawSubscriptions)
		if err != nil {
			return nil, err
		}
		u.Subscriptions = subs
		if referralCode != "" || referredBy != "" || len(validReferrals) > 0 {
			u.Referral = &subsync.Referral{
				ReferralCode:   referralCode,
				ReferredBy:     referredBy,
				ValidReferrals: validReferrals,
			}
		}
		out = append(out, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, upstream("read users", err)
	}
	return out, nil
}

func columnFor(field subsync.LookupField) (string, error) {
	switch field {
	case subsync.FieldCustomerID:
		return "stripe_customer_id", nil
	case subsync.FieldReferralCode:
		return "referral_code", nil
	}
	return "", fmt.Errorf("unsupported lookup field %q", field)
}

func upstream(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %w", subsync.ErrUpstreamUnavailable, op, err)
}
