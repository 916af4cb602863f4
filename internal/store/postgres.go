package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/PiwnicaQuest/tms-system-sub003/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies *.sql files from dir in lexical order (dev helper; use
// a real migration tool in production pipelines).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, f := range files {
		sqlBytes, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("migrate %s: %w", f, err)
		}
	}
	return nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest, secret string) (model.Subscription, error) {
	id := uuid.New()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_subscriptions (id, tenant_id, url, secret, events, active, headers, rate_limit_per_sec)
        VALUES ($1,$2,$3,$4,$5::jsonb,TRUE,$6::jsonb,$7)`,
		id, req.TenantID, req.URL, secret, toJSON(req.Events), toJSON(req.Headers), req.RateLimitPerSec)
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{
		ID: id.String(), TenantID: req.TenantID, URL: req.URL, Secret: secret,
		Events: req.Events, Active: true, Headers: req.Headers, RateLimitPerSec: req.RateLimitPerSec,
	}, nil
}

func (p *Postgres) GetSubscription(ctx context.Context, tenantID, id string) (model.Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, tenant_id, url, secret, events, active, headers, rate_limit_per_sec
        FROM webhook_subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return scanSubscription(row)
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, tenant_id, url, secret, events, active, headers, rate_limit_per_sec
        FROM webhook_subscriptions WHERE tenant_id=$1 AND active AND events @> $2::jsonb`, tenantID, toJSON([]string{eventType}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id::text, tenant_id, url, secret, events, active, headers, rate_limit_per_sec
        FROM webhook_subscriptions WHERE tenant_id=$1`
	args := []any{tenantID}
	if cursor != "" {
		q += ` AND id > $2`
		args = append(args, cursor)
	}
	q += fmt.Sprintf(` ORDER BY id LIMIT %d`, limit+1)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var out []model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, s)
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[len(out)-1].ID
	}
	return out, next, rows.Err()
}

func (p *Postgres) PatchSubscription(ctx context.Context, tenantID, id string, patch model.SubscriptionPatch) (model.Subscription, error) {
	if patch.Active != nil {
		res, err := p.db.ExecContext(ctx, `UPDATE webhook_subscriptions SET active=$3, updated_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, id, *patch.Active)
		if err != nil {
			return model.Subscription{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.Subscription{}, ErrNotFound
		}
	}
	return p.GetSubscription(ctx, tenantID, id)
}

// DeleteSubscription removes the subscription and its delivery records in
// one transaction; the cascade is an explicit cleanup, not an engine rule.
func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE tenant_id=$1 AND subscription_id=$2`, tenantID, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (p *Postgres) CreateDelivery(ctx context.Context, d WebhookDelivery) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, payload, sent_at, attempts)
        VALUES ($1,$2,$3,$4,$5,$6,0)`,
		d.ID, d.TenantID, d.SubscriptionID, d.EventType, d.Payload, d.SentAt)
	return err
}

func (p *Postgres) GetDelivery(ctx context.Context, tenantID, id string) (WebhookDelivery, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, tenant_id, subscription_id::text, event_type, payload, sent_at, success, status_code, response_body, last_error, attempts, latency_ms, delivered_at, created_at, updated_at
        FROM webhook_deliveries WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return scanDelivery(row)
}

func (p *Postgres) MarkDeliveryAttempt(ctx context.Context, id string, success bool, attempts int, statusCode int, responseBody, lastError string, latencyMs int, deliveredAt *time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries
        SET success=$2, attempts=$3, status_code=$4, response_body=$5, last_error=$6, latency_ms=$7, delivered_at=$8, updated_at=now()
        WHERE id=$1`,
		id, success, attempts, nullIfZero(statusCode), nullIfEmpty(responseBody), nullIfEmpty(lastError), latencyMs, deliveredAt)
	return err
}

func (p *Postgres) ListDeliveries(ctx context.Context, tenantID, subscriptionID, status, cursor string, limit int) ([]WebhookDelivery, string, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id::text, tenant_id, subscription_id::text, event_type, payload, sent_at, success, status_code, response_body, last_error, attempts, latency_ms, delivered_at, created_at, updated_at
        FROM webhook_deliveries WHERE tenant_id=$1`
	args := []any{tenantID}
	if subscriptionID != "" {
		args = append(args, subscriptionID)
		q += fmt.Sprintf(` AND subscription_id=$%d`, len(args))
	}
	switch status {
	case "pending":
		q += ` AND success IS NULL`
	case "delivered":
		q += ` AND success`
	case "failed":
		q += ` AND NOT success`
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND id > $%d`, len(args))
	}
	q += fmt.Sprintf(` ORDER BY id LIMIT %d`, limit+1)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var out []WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, d)
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[len(out)-1].ID
	}
	return out, next, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (model.Subscription, error) {
	var s model.Subscription
	var events, headers []byte
	err := row.Scan(&s.ID, &s.TenantID, &s.URL, &s.Secret, &events, &s.Active, &headers, &s.RateLimitPerSec)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, err
	}
	if len(events) > 0 {
		_ = json.Unmarshal(events, &s.Events)
	}
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &s.Headers)
	}
	return s, nil
}

func scanDelivery(row rowScanner) (WebhookDelivery, error) {
	var d WebhookDelivery
	var success sql.NullBool
	var statusCode, latencyMs sql.NullInt64
	var responseBody, lastError sql.NullString
	var deliveredAt sql.NullTime
	err := row.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.Payload, &d.SentAt,
		&success, &statusCode, &responseBody, &lastError, &d.Attempts, &latencyMs, &deliveredAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookDelivery{}, ErrNotFound
	}
	if err != nil {
		return WebhookDelivery{}, err
	}
	if success.Valid {
		v := success.Bool
		d.Success = &v
	}
	d.StatusCode = int(statusCode.Int64)
	d.LatencyMs = int(latencyMs.Int64)
	d.ResponseBody = responseBody.String
	d.LastError = lastError.String
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	return d, nil
}

// toJSON renders v for a jsonb parameter (string keeps the pgx stdlib
// driver from treating it as bytea).
func toJSON(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
