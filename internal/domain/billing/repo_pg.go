package billing

import (
	"context"
	"errors"
	"strconv"
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

type billRepoPG struct{ pool *pgxpool.Pool }

func NewBillRepoPG(pool *pgxpool.Pool) BillRepository { return &billRepoPG{pool: pool} }

func (r *billRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const billCols = `id, bill_number, encounter_type, encounter_id, patient_id,
	subtotal, discount_percent, discount_amount, payable, received, balance,
	status, locked, payment_mode, payment_ref, notes, billed_by,
	created_at, updated_at`

func scanBill(row pgx.Row) (*Bill, error) {
	var b Bill
	err := row.Scan(&b.ID, &b.BillNumber, &b.EncounterType, &b.EncounterID, &b.PatientID,
		&b.Subtotal, &b.DiscountPercent, &b.DiscountAmount, &b.Payable, &b.Received, &b.Balance,
		&b.Status, &b.Locked, &b.PaymentMode, &b.PaymentRef, &b.Notes, &b.BilledBy,
		&b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &b, err
}

const itemCols = `id, bill_id, source, order_id, name, quantity, unit_price, total_price,
	notes, created_at, updated_at`

func scanItem(row pgx.Row) (*BillItem, error) {
	var it BillItem
	err := row.Scan(&it.ID, &it.BillID, &it.Source, &it.OrderID, &it.Name,
		&it.Quantity, &it.UnitPrice, &it.TotalPrice, &it.Notes, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	return &it, err
}

func (r *billRepoPG) Create(ctx context.Context, b *Bill) error {
	b.ID = uuid.New()

	// The counter row serializes same-day allocations so concurrent
	// creates cannot produce duplicate bill numbers.
	day := time.Now().UTC()
	var seq int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bill_counters (prefix, day, counter)
		VALUES ($1, $2, 1)
		ON CONFLICT (prefix, day) DO UPDATE SET counter = bill_counters.counter + 1
		RETURNING counter`,
		numberPrefix(b.EncounterType), day.Format("2006-01-02")).Scan(&seq)
	if err != nil {
		return err
	}
	b.BillNumber = FormatBillNumber(b.EncounterType, day, seq)

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO bills (id, bill_number, encounter_type, encounter_id, patient_id,
			subtotal, discount_percent, discount_amount, payable, received, balance,
			status, locked, payment_mode, payment_ref, notes, billed_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		b.ID, b.BillNumber, b.EncounterType, b.EncounterID, b.PatientID,
		b.Subtotal, b.DiscountPercent, b.DiscountAmount, b.Payable, b.Received, b.Balance,
		b.Status, b.Locked, b.PaymentMode, b.PaymentRef, b.Notes, b.BilledBy)
	return err
}

func (r *billRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	b, err := scanBill(r.conn(ctx).QueryRow(ctx, `SELECT `+billCols+` FROM bills WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	b.Items, err = r.listItems(ctx, b.ID)
	return b, err
}

func (r *billRepoPG) LatestOpenByEncounter(ctx context.Context, encounterType string, encounterID uuid.UUID) (*Bill, error) {
	b, err := scanBill(r.conn(ctx).QueryRow(ctx, `
		SELECT `+billCols+` FROM bills
		WHERE encounter_type = $1 AND encounter_id = $2 AND NOT locked
		ORDER BY created_at DESC LIMIT 1`,
		encounterType, encounterID))
	if err != nil {
		return nil, err
	}
	b.Items, err = r.listItems(ctx, b.ID)
	return b, err
}

func (r *billRepoPG) ListByEncounter(ctx context.Context, encounterType string, encounterID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	return r.list(ctx, `encounter_type = $1 AND encounter_id = $2`, []interface{}{encounterType, encounterID}, limit, offset)
}

func (r *billRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	return r.list(ctx, `patient_id = $1`, []interface{}{patientID}, limit, offset)
}

func (r *billRepoPG) list(ctx context.Context, where string, args []interface{}, limit, offset int) ([]*Bill, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM bills WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+billCols+` FROM bills WHERE `+where+
			` ORDER BY created_at DESC LIMIT $`+strconv.Itoa(n+1)+` OFFSET $`+strconv.Itoa(n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var bills []*Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, 0, err
		}
		bills = append(bills, b)
	}
	return bills, total, rows.Err()
}

func (r *billRepoPG) UpdateTotals(ctx context.Context, b *Bill) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bills SET subtotal=$2, discount_percent=$3, discount_amount=$4,
			payable=$5, received=$6, balance=$7, status=$8, locked=$9,
			payment_mode=$10, payment_ref=$11, notes=$12, updated_at=NOW()
		WHERE id = $1`,
		b.ID, b.Subtotal, b.DiscountPercent, b.DiscountAmount,
		b.Payable, b.Received, b.Balance, b.Status, b.Locked,
		b.PaymentMode, b.PaymentRef, b.Notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *billRepoPG) listItems(ctx context.Context, billID uuid.UUID) ([]*BillItem, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+` FROM bill_items WHERE bill_id = $1 ORDER BY created_at`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*BillItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *billRepoPG) AddItem(ctx context.Context, item *BillItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bill_items (id, bill_id, source, order_id, name, quantity, unit_price, total_price, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		item.ID, item.BillID, item.Source, item.OrderID, item.Name,
		item.Quantity, item.UnitPrice, item.TotalPrice, item.Notes)
	return err
}

func (r *billRepoPG) UpdateItem(ctx context.Context, item *BillItem) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bill_items SET name=$2, quantity=$3, unit_price=$4, total_price=$5, notes=$6, updated_at=NOW()
		WHERE id = $1`,
		item.ID, item.Name, item.Quantity, item.UnitPrice, item.TotalPrice, item.Notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (r *billRepoPG) DeleteItem(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM bill_items WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (r *billRepoPG) ItemExistsForOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bill_items WHERE order_id = $1)`, orderID).Scan(&exists)
	return exists, err
}

func (r *billRepoPG) FindItemBySource(ctx context.Context, billID uuid.UUID, source ItemSource, name string) (*BillItem, error) {
	return scanItem(r.conn(ctx).QueryRow(ctx,
		`SELECT `+itemCols+` FROM bill_items WHERE bill_id = $1 AND source = $2 AND name = $3`,
		billID, source, name))
}
