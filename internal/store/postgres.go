package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/hostpay/internal/payment"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const paymentColumns = `id, gateway, variant, order_id, amount::text, currency, description, customer_email,
provider_reference, status, failure_reason, tolerance::text, kind, redirect_url, payment_data, evidence,
created_at, updated_at, expires_at, confirmed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (payment.Payment, error) {
	var (
		p         payment.Payment
		amount    string
		tolerance string
		evidence  []byte
		data      []byte
	)
	err := row.Scan(&p.ID, &p.Gateway, &p.Variant, &p.OrderID, &amount, &p.Currency, &p.Description, &p.CustomerEmail,
		&p.ProviderReference, &p.Status, &p.FailureReason, &tolerance, &p.Kind, &p.RedirectURL, &data, &evidence,
		&p.CreatedAt, &p.UpdatedAt, &p.ExpiresAt, &p.ConfirmedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.Payment{}, payment.ErrPaymentNotFound
		}
		return payment.Payment{}, err
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return payment.Payment{}, fmt.Errorf("store: parse amount: %w", err)
	}
	if p.Tolerance, err = decimal.NewFromString(tolerance); err != nil {
		return payment.Payment{}, fmt.Errorf("store: parse tolerance: %w", err)
	}
	if len(data) > 0 {
		p.PaymentData = json.RawMessage(data)
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &p.Evidence); err != nil {
			return payment.Payment{}, fmt.Errorf("store: decode evidence: %w", err)
		}
	}
	return p, nil
}

func encodeEvidence(ev []payment.Evidence) ([]byte, error) {
	if ev == nil {
		ev = []payment.Evidence{}
	}
	return json.Marshal(ev)
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Postgres) CreatePayment(ctx context.Context, p payment.Payment) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	evidence, err := encodeEvidence(p.Evidence)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO payments (id, gateway, variant, order_id, amount, currency, description, customer_email,
provider_reference, status, failure_reason, tolerance, kind, redirect_url, payment_data, evidence, created_at, updated_at, expires_at, confirmed_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12::numeric, $13, $14, $15, $16, $17, $18, $19, $20)`,
		p.ID, p.Gateway, p.Variant, p.OrderID, p.Amount.String(), p.Currency, p.Description, p.CustomerEmail,
		p.ProviderReference, p.Status, p.FailureReason, p.Tolerance.String(), p.Kind, p.RedirectURL, nullableJSON(p.PaymentData), evidence,
		p.CreatedAt, p.UpdatedAt, p.ExpiresAt, p.ConfirmedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Postgres) GetPayment(ctx context.Context, id string) (payment.Payment, error) {
	if s == nil || s.pool == nil {
		return payment.Payment{}, ErrStoreUnavailable
	}
	return scanPayment(s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (s *Postgres) FindByReference(ctx context.Context, gateway payment.Gateway, reference string) (payment.Payment, error) {
	if s == nil || s.pool == nil {
		return payment.Payment{}, ErrStoreUnavailable
	}
	if reference == "" {
		return payment.Payment{}, payment.ErrPaymentNotFound
	}
	return scanPayment(s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway = $1 AND provider_reference = $2`, gateway, reference))
}

func (s *Postgres) ListByOrder(ctx context.Context, orderID string) ([]payment.Payment, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

// Mutate locks the row with SELECT ... FOR UPDATE, applies fn and writes the
// result inside a single transaction.
func (s *Postgres) Mutate(ctx context.Context, id string, fn MutateFunc) (payment.Payment, error) {
	if s == nil || s.pool == nil {
		return payment.Payment{}, ErrStoreUnavailable
	}
	ctx, span := otel.Tracer("store.Postgres").Start(ctx, "Postgres.Mutate")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", id))

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return payment.Payment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return payment.Payment{}, err
	}
	next := clonePayment(current)
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current, tx.Commit(ctx)
		}
		return current, err
	}
	next.ID = current.ID
	next.UpdatedAt = time.Now().UTC()
	evidence, err := encodeEvidence(next.Evidence)
	if err != nil {
		return current, err
	}
	_, err = tx.Exec(ctx, `UPDATE payments SET provider_reference = $2, status = $3, failure_reason = $4, tolerance = $5::numeric,
kind = $6, redirect_url = $7, payment_data = $8, evidence = $9, updated_at = $10, expires_at = $11, confirmed_at = $12
WHERE id = $1`,
		id, next.ProviderReference, next.Status, next.FailureReason, next.Tolerance.String(),
		next.Kind, next.RedirectURL, nullableJSON(next.PaymentData), evidence, next.UpdatedAt, next.ExpiresAt, next.ConfirmedAt)
	if err != nil {
		span.RecordError(err)
		if isUniqueViolation(err) {
			return current, ErrDuplicate
		}
		return current, err
	}
	if err := tx.Commit(ctx); err != nil {
		return current, err
	}
	return next, nil
}

func (s *Postgres) ListExpired(ctx context.Context, now time.Time, limit int) ([]payment.Payment, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE status IN ('created', 'awaiting_confirmation') AND expires_at IS NOT NULL AND expires_at <= $1
ORDER BY expires_at LIMIT $2`, now, clampLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (s *Postgres) ListAwaiting(ctx context.Context, gateways []payment.Gateway, limit int) ([]payment.Payment, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	names := make([]string, 0, len(gateways))
	for _, g := range gateways {
		names = append(names, string(g))
	}
	limit = clampLimit(limit, 100, 1000)
	var (
		rows pgx.Rows
		err  error
	)
	if len(names) > 0 {
		rows, err = s.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE status = 'awaiting_confirmation' AND gateway = ANY($1) ORDER BY created_at LIMIT $2`, names, limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE status = 'awaiting_confirmation' ORDER BY created_at LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func collectPayments(rows pgx.Rows) ([]payment.Payment, error) {
	defer rows.Close()
	out := make([]payment.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) ListGatewayConfigs(ctx context.Context) ([]payment.GatewayConfig, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT gateway, variant, credentials, sandbox, enabled, updated_at FROM gateway_configs ORDER BY gateway, variant`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]payment.GatewayConfig, 0)
	for rows.Next() {
		cfg, err := scanGatewayConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *Postgres) GetGatewayConfig(ctx context.Context, gateway payment.Gateway, variant string) (payment.GatewayConfig, error) {
	if s == nil || s.pool == nil {
		return payment.GatewayConfig{}, ErrStoreUnavailable
	}
	cfg, err := scanGatewayConfig(s.pool.QueryRow(ctx, `SELECT gateway, variant, credentials, sandbox, enabled, updated_at
FROM gateway_configs WHERE gateway = $1 AND variant = $2`, gateway, variant))
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.GatewayConfig{}, ErrNotFound
	}
	return cfg, err
}

func (s *Postgres) UpsertGatewayConfig(ctx context.Context, cfg payment.GatewayConfig) (payment.GatewayConfig, error) {
	if s == nil || s.pool == nil {
		return payment.GatewayConfig{}, ErrStoreUnavailable
	}
	creds := cfg.Credentials
	if creds == nil {
		creds = map[string]string{}
	}
	encoded, err := json.Marshal(creds)
	if err != nil {
		return payment.GatewayConfig{}, err
	}
	return scanGatewayConfig(s.pool.QueryRow(ctx, `INSERT INTO gateway_configs (gateway, variant, credentials, sandbox, enabled, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (gateway, variant) DO UPDATE SET credentials = EXCLUDED.credentials, sandbox = EXCLUDED.sandbox,
enabled = EXCLUDED.enabled, updated_at = now()
RETURNING gateway, variant, credentials, sandbox, enabled, updated_at`, cfg.Gateway, cfg.Variant, encoded, cfg.Sandbox, cfg.Enabled))
}

func scanGatewayConfig(row rowScanner) (payment.GatewayConfig, error) {
	var (
		cfg   payment.GatewayConfig
		creds []byte
	)
	if err := row.Scan(&cfg.Gateway, &cfg.Variant, &creds, &cfg.Sandbox, &cfg.Enabled, &cfg.UpdatedAt); err != nil {
		return payment.GatewayConfig{}, err
	}
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &cfg.Credentials); err != nil {
			return payment.GatewayConfig{}, fmt.Errorf("store: decode credentials: %w", err)
		}
	}
	return cfg, nil
}

func (s *Postgres) ListBankAccounts(ctx context.Context, activeOnly bool) ([]payment.BankAccount, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT id::text, region, bank_name, account_holder, iban, bic, routing_number, account_number, clabe,
currency, active, position FROM bank_accounts WHERE ($1 = FALSE OR active) ORDER BY position, id`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]payment.BankAccount, 0)
	for rows.Next() {
		var a payment.BankAccount
		if err := rows.Scan(&a.ID, &a.Region, &a.BankName, &a.AccountHolder, &a.IBAN, &a.BIC, &a.RoutingNumber,
			&a.AccountNumber, &a.CLABE, &a.Currency, &a.Active, &a.Position); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) UpsertBankAccount(ctx context.Context, a payment.BankAccount) (payment.BankAccount, error) {
	if s == nil || s.pool == nil {
		return payment.BankAccount{}, ErrStoreUnavailable
	}
	var id string
	err := s.pool.QueryRow(ctx, `INSERT INTO bank_accounts (id, region, bank_name, account_holder, iban, bic, routing_number,
account_number, clabe, currency, active, position)
VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET region = EXCLUDED.region, bank_name = EXCLUDED.bank_name, account_holder = EXCLUDED.account_holder,
iban = EXCLUDED.iban, bic = EXCLUDED.bic, routing_number = EXCLUDED.routing_number, account_number = EXCLUDED.account_number,
clabe = EXCLUDED.clabe, currency = EXCLUDED.currency, active = EXCLUDED.active, position = EXCLUDED.position
RETURNING id::text`, a.ID, a.Region, a.BankName, a.AccountHolder, a.IBAN, a.BIC, a.RoutingNumber, a.AccountNumber, a.CLABE,
		a.Currency, a.Active, a.Position).Scan(&id)
	if err != nil {
		return payment.BankAccount{}, err
	}
	a.ID = id
	return a, nil
}

func (s *Postgres) InsertEvent(ctx context.Context, ev payment.Event) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO payment_events (id, type, payment_id, order_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)`, ev.ID, ev.Type, ev.PaymentID, ev.OrderID, payload, ev.OccurredAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Postgres) GetEvent(ctx context.Context, id string) (OutboxEntry, error) {
	if s == nil || s.pool == nil {
		return OutboxEntry{}, ErrStoreUnavailable
	}
	var (
		entry   OutboxEntry
		payload []byte
		lastErr *string
	)
	err := s.pool.QueryRow(ctx, `SELECT payload, attempts, last_error, delivered_at FROM payment_events WHERE id = $1`, id).
		Scan(&payload, &entry.Attempts, &lastErr, &entry.DeliveredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OutboxEntry{}, ErrNotFound
		}
		return OutboxEntry{}, err
	}
	if err := json.Unmarshal(payload, &entry.Event); err != nil {
		return OutboxEntry{}, fmt.Errorf("store: decode event: %w", err)
	}
	if lastErr != nil {
		entry.LastError = *lastErr
	}
	return entry, nil
}

func (s *Postgres) MarkEventDelivered(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `UPDATE payment_events SET attempts = attempts + 1, delivered_at = $2, last_error = NULL WHERE id = $1`, id, at)
	return err
}

func (s *Postgres) MarkEventFailed(ctx context.Context, id string, reason string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `UPDATE payment_events SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, id, reason)
	return err
}

// Ping checks database connectivity within timeout.
func (s *Postgres) Ping(ctx context.Context, timeout time.Duration) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Postgres) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}
