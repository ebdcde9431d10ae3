// Package encounter exposes the clinical side of the system to billing:
// encounter identity (visits and admissions) and the clinical orders
// raised during an encounter. Billing consumes the Gateway interface
// only; the pg implementation backs it with the tenant's visit,
// admission and clinical order tables.
package encounter

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TypeVisit     = "visit"
	TypeAdmission = "admission"
)

// Ref identifies a clinical episode without caring which table it
// lives in.
type Ref struct {
	Type string    `json:"type"`
	ID   uuid.UUID `json:"id"`
}

func (r Ref) Validate() error {
	if r.Type != TypeVisit && r.Type != TypeAdmission {
		return fmt.Errorf("encounter type must be %q or %q", TypeVisit, TypeAdmission)
	}
	if r.ID == uuid.Nil {
		return fmt.Errorf("encounter id is required")
	}
	return nil
}

// Encounter is the minimal projection billing needs: who the patient
// is and whether the episode exists.
type Encounter struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Type      string    `db:"-" json:"type"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	Status    string    `db:"status" json:"status"`
	StartedAt time.Time `db:"started_at" json:"started_at"`
}

// ClinicalOrder is a priced service raised during an encounter by an
// upstream department (lab, pharmacy, radiology and so on). Billed
// flips to true exactly once, when the order lands on a bill.
type ClinicalOrder struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	EncounterType string          `db:"encounter_type" json:"encounter_type"`
	EncounterID   uuid.UUID       `db:"encounter_id" json:"encounter_id"`
	RequisitionID *string         `db:"requisition_id" json:"requisition_id,omitempty"`
	Category      string          `db:"category" json:"category"`
	Name          string          `db:"name" json:"name"`
	Quantity      int             `db:"quantity" json:"quantity"`
	Price         decimal.Decimal `db:"price" json:"price"`
	Billed        bool            `db:"billed" json:"billed"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}
