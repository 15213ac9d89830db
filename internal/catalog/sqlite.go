package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store over a SQLite database. The marketplace
// writes these tables through its own workflows; in production the
// gateway opens the same file read-mostly.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if necessary initializes) the store at dsn.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for seed tooling and tests.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// APIBySlug returns the published API registered under slug.
func (s *SQLiteStore) APIBySlug(ctx context.Context, slug string) (*BackendAPI, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, slug, name, base_url, auth_mode, default_rate, default_quota, published, created_at
		FROM backend_apis
		WHERE slug = ? AND published = 1`, slug)

	var api BackendAPI
	var published int
	var createdAt int64
	err := row.Scan(&api.ID, &api.Slug, &api.Name, &api.BaseURL, &api.AuthMode,
		&api.DefaultRate, &api.DefaultQuota, &published, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api by slug: %w", err)
	}
	api.Published = published != 0
	api.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &api, nil
}

// CredentialByKey resolves a key hash into the full subscriber context in
// one query. The subscription join is scoped to the target API and to
// admitting statuses, preferring an active row over a concurrent trial;
// the plan rides along when a subscription exists.
func (s *SQLiteStore) CredentialByKey(ctx context.Context, keyPrefix, keyHash, apiID string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT k.id, k.application_id, k.api_id, k.key_prefix, k.key_hash,
		       k.active, k.expires_at, k.last_used_at, k.created_at,
		       a.id, a.user_id, a.name, a.created_at,
		       u.id, u.email, u.name, u.created_at,
		       s.id, s.plan_id, s.status, s.period_start, s.period_end, s.created_at,
		       p.id, p.name, p.rate_per_second, p.quota_per_period, p.trial_days,
		       p.price_cents, p.version, p.created_at
		FROM api_keys k
		JOIN applications a ON a.id = k.application_id
		JOIN users u ON u.id = a.user_id
		LEFT JOIN subscriptions s ON s.user_id = u.id AND s.api_id = k.api_id
		     AND s.status IN (?, ?)
		LEFT JOIN pricing_plans p ON p.id = s.plan_id
		WHERE k.key_prefix = ? AND k.key_hash = ? AND k.api_id = ?
		ORDER BY (s.status = ?) DESC
		LIMIT 1`,
		StatusTrial, StatusActive, keyPrefix, keyHash, apiID, StatusActive)

	var (
		cred                           Credential
		active                         int
		kExpires, kLastUsed, kCreated  int64
		aCreated, uCreated             int64
		sID, sPlanID, sStatus          sql.NullString
		sStart, sEnd, sCreated         sql.NullInt64
		pID, pName                     sql.NullString
		pRate, pTrial, pVersion        sql.NullInt64
		pQuota, pPrice, pCreated       sql.NullInt64
	)

	err := row.Scan(
		&cred.Key.ID, &cred.Key.ApplicationID, &cred.Key.APIID, &cred.Key.KeyPrefix, &cred.Key.KeyHash,
		&active, &kExpires, &kLastUsed, &kCreated,
		&cred.Application.ID, &cred.Application.UserID, &cred.Application.Name, &aCreated,
		&cred.User.ID, &cred.User.Email, &cred.User.Name, &uCreated,
		&sID, &sPlanID, &sStatus, &sStart, &sEnd, &sCreated,
		&pID, &pName, &pRate, &pQuota, &pTrial, &pPrice, &pVersion, &pCreated,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}

	cred.Key.Active = active != 0
	if kExpires > 0 {
		cred.Key.ExpiresAt = time.Unix(kExpires, 0).UTC()
	}
	if kLastUsed > 0 {
		cred.Key.LastUsedAt = time.Unix(kLastUsed, 0).UTC()
	}
	cred.Key.CreatedAt = time.Unix(kCreated, 0).UTC()
	cred.Application.CreatedAt = time.Unix(aCreated, 0).UTC()
	cred.User.CreatedAt = time.Unix(uCreated, 0).UTC()

	if sID.Valid {
		cred.Subscription = &Subscription{
			ID:          sID.String,
			UserID:      cred.User.ID,
			APIID:       cred.Key.APIID,
			PlanID:      sPlanID.String,
			Status:      sStatus.String,
			PeriodStart: time.Unix(sStart.Int64, 0).UTC(),
			PeriodEnd:   time.Unix(sEnd.Int64, 0).UTC(),
			CreatedAt:   time.Unix(sCreated.Int64, 0).UTC(),
		}
	}
	if pID.Valid {
		cred.Plan = &PricingPlan{
			ID:             pID.String,
			APIID:          cred.Key.APIID,
			Name:           pName.String,
			RatePerSecond:  int(pRate.Int64),
			QuotaPerPeriod: pQuota.Int64,
			TrialDays:      int(pTrial.Int64),
			PriceCents:     pPrice.Int64,
			Version:        int(pVersion.Int64),
			CreatedAt:      time.Unix(pCreated.Int64, 0).UTC(),
		}
	}

	return &cred, nil
}

// TouchKey records when the key last passed validation.
func (s *SQLiteStore) TouchKey(ctx context.Context, keyID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at.Unix(), keyID)
	if err != nil {
		return fmt.Errorf("touching key: %w", err)
	}
	return nil
}

// InsertUsage appends a batch of usage rows in one transaction.
func (s *SQLiteStore) InsertUsage(ctx context.Context, records []UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning usage insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_records
			(id, request_id, api_id, api_slug, user_id, key_id, method, path,
			 status_code, latency_ms, request_bytes, response_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing usage insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.ID, rec.RequestID, rec.APIID, rec.APISlug, rec.UserID, rec.KeyID,
			rec.Method, rec.Path, rec.StatusCode, rec.LatencyMS,
			rec.RequestBytes, rec.ResponseBytes, rec.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("inserting usage record: %w", err)
		}
	}

	return tx.Commit()
}

var _ Store = (*SQLiteStore)(nil)
