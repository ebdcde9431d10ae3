package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository { return &orderRepoPG{pool: pool} }

const orderCols = `id, order_number, patient_id, service_type, appointment_id, status,
	subtotal, total_fees, total, currency, notes, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.OrderNumber, &o.PatientID, &o.ServiceType, &o.AppointmentID, &o.Status,
		&o.Subtotal, &o.TotalFees, &o.Total, &o.Currency, &o.Notes, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &o, err
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	o.ID = uuid.New()

	day := time.Now().UTC()
	var seq int64
	err := conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO order_counters (day, counter)
		VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET counter = order_counters.counter + 1
		RETURNING counter`,
		day.Format("2006-01-02")).Scan(&seq)
	if err != nil {
		return err
	}
	o.OrderNumber = FormatOrderNumber(day, seq)

	_, err = conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO orders (id, order_number, patient_id, service_type, appointment_id, status,
			subtotal, total_fees, total, currency, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		o.ID, o.OrderNumber, o.PatientID, o.ServiceType, o.AppointmentID, o.Status,
		o.Subtotal, o.TotalFees, o.Total, o.Currency, o.Notes)
	if err != nil {
		return err
	}

	for _, it := range o.Items {
		it.ID = uuid.New()
		it.OrderID = o.ID
		if _, err := conn(ctx, r.pool).Exec(ctx, `
			INSERT INTO order_items (id, order_id, name, quantity, unit_price, total_price)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			it.ID, it.OrderID, it.Name, it.Quantity, it.UnitPrice, it.TotalPrice); err != nil {
			return err
		}
	}
	for _, f := range o.Fees {
		f.ID = uuid.New()
		f.OrderID = o.ID
		if _, err := conn(ctx, r.pool).Exec(ctx, `
			INSERT INTO order_fees (id, order_id, name, percent, amount)
			VALUES ($1,$2,$3,$4,$5)`,
			f.ID, f.OrderID, f.Name, f.Percent, f.Amount); err != nil {
			return err
		}
	}
	return nil
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadLines(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *orderRepoPG) loadLines(ctx context.Context, o *Order) error {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, order_id, name, quantity, unit_price, total_price
		FROM order_items WHERE order_id = $1 ORDER BY created_at`, o.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.Name, &it.Quantity, &it.UnitPrice, &it.TotalPrice); err != nil {
			return err
		}
		o.Items = append(o.Items, &it)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	feeRows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, order_id, name, percent, amount
		FROM order_fees WHERE order_id = $1 ORDER BY created_at`, o.ID)
	if err != nil {
		return err
	}
	defer feeRows.Close()
	for feeRows.Next() {
		var f OrderFee
		if err := feeRows.Scan(&f.ID, &f.OrderID, &f.Name, &f.Percent, &f.Amount); err != nil {
			return err
		}
		o.Fees = append(o.Fees, &f)
	}
	return feeRows.Err()
}

func (r *orderRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+orderCols+` FROM orders WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
	}
	return orders, total, rows.Err()
}

func (r *orderRepoPG) MarkPaid(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE orders SET status = 'paid', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *orderRepoPG) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE orders SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type attemptRepoPG struct{ pool *pgxpool.Pool }

func NewAttemptRepoPG(pool *pgxpool.Pool) AttemptRepository { return &attemptRepoPG{pool: pool} }

const attemptCols = `id, order_id, gateway_order_id, gateway_payment_id, amount, currency,
	status, visit_id, bill_id, failure_reason, created_at, updated_at`

func scanAttempt(row pgx.Row) (*PaymentAttempt, error) {
	var a PaymentAttempt
	err := row.Scan(&a.ID, &a.OrderID, &a.GatewayOrderID, &a.GatewayPaymentID, &a.Amount, &a.Currency,
		&a.Status, &a.VisitID, &a.BillID, &a.FailureReason, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	return &a, err
}

func (r *attemptRepoPG) Create(ctx context.Context, a *PaymentAttempt) error {
	a.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO payment_attempts (id, order_id, gateway_order_id, amount, currency, status)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ID, a.OrderID, a.GatewayOrderID, a.Amount, a.Currency, a.Status)
	return err
}

func (r *attemptRepoPG) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*PaymentAttempt, error) {
	return scanAttempt(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+attemptCols+` FROM payment_attempts WHERE gateway_order_id = $1`, gatewayOrderID))
}

func (r *attemptRepoPG) MarkVerified(ctx context.Context, id uuid.UUID, gatewayPaymentID string) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE payment_attempts
		SET status = 'verified', gateway_payment_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'created'`,
		id, gatewayPaymentID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *attemptRepoPG) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE payment_attempts
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'created'`,
		id, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *attemptRepoPG) RecordResult(ctx context.Context, id uuid.UUID, visitID, billID *uuid.UUID) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE payment_attempts SET visit_id = $2, bill_id = $3, updated_at = NOW()
		WHERE id = $1`,
		id, visitID, billID)
	return err
}

type configRepoPG struct{ pool *pgxpool.Pool }

func NewConfigRepoPG(pool *pgxpool.Pool) ConfigRepository { return &configRepoPG{pool: pool} }

func (r *configRepoPG) GetActive(ctx context.Context) (*GatewayConfig, error) {
	var cfg GatewayConfig
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, key_id, key_secret, webhook_secret, auto_capture, active, created_at, updated_at
		FROM gateway_configs WHERE active ORDER BY updated_at DESC LIMIT 1`).
		Scan(&cfg.ID, &cfg.KeyID, &cfg.KeySecret, &cfg.WebhookSecret,
			&cfg.AutoCapture, &cfg.Active, &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrGatewayUnconfigured
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *configRepoPG) Upsert(ctx context.Context, cfg *GatewayConfig) error {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO gateway_configs (id, key_id, key_secret, webhook_secret, auto_capture, active)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (key_id) DO UPDATE SET
			key_secret = EXCLUDED.key_secret,
			webhook_secret = EXCLUDED.webhook_secret,
			auto_capture = EXCLUDED.auto_capture,
			active = EXCLUDED.active,
			updated_at = NOW()`,
		cfg.ID, cfg.KeyID, cfg.KeySecret, cfg.WebhookSecret, cfg.AutoCapture, cfg.Active)
	return err
}
