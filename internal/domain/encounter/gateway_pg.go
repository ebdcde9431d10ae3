package encounter

import (
	"context"
	"errors"

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

type gatewayPG struct{ pool *pgxpool.Pool }

func NewGatewayPG(pool *pgxpool.Pool) Gateway { return &gatewayPG{pool: pool} }

func (g *gatewayPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return g.pool
}

func (g *gatewayPG) GetEncounter(ctx context.Context, ref Ref) (*Encounter, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	table := "visits"
	if ref.Type == TypeAdmission {
		table = "admissions"
	}

	var e Encounter
	err := g.conn(ctx).QueryRow(ctx,
		`SELECT id, patient_id, status, started_at FROM `+table+` WHERE id = $1`, ref.ID).
		Scan(&e.ID, &e.PatientID, &e.Status, &e.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Type = ref.Type
	return &e, nil
}

func (g *gatewayPG) CreateVisit(ctx context.Context, patientID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	_, err := g.conn(ctx).Exec(ctx, `
		INSERT INTO visits (id, patient_id, status, started_at)
		VALUES ($1, $2, 'active', NOW())`,
		id, patientID)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

const orderCols = `id, encounter_type, encounter_id, requisition_id, category,
	name, quantity, price, billed, created_at`

func (g *gatewayPG) ListUnbilledOrders(ctx context.Context, ref Ref) ([]*ClinicalOrder, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	rows, err := g.conn(ctx).Query(ctx, `
		SELECT `+orderCols+` FROM clinical_orders
		WHERE encounter_type = $1 AND encounter_id = $2 AND NOT billed
		ORDER BY created_at`,
		ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*ClinicalOrder
	for rows.Next() {
		var o ClinicalOrder
		if err := rows.Scan(&o.ID, &o.EncounterType, &o.EncounterID, &o.RequisitionID,
			&o.Category, &o.Name, &o.Quantity, &o.Price, &o.Billed, &o.CreatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

func (g *gatewayPG) MarkOrderBilled(ctx context.Context, orderID uuid.UUID) error {
	tag, err := g.conn(ctx).Exec(ctx,
		`UPDATE clinical_orders SET billed = TRUE, updated_at = NOW() WHERE id = $1`, orderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}
