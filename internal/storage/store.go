// Package storage persists the entities produced by policy imports and the
// host-side query surfaces built on them.
//
// Field presence is explicit: absent text is pgtype.Text{Valid: false},
// an unparseable date is pgtype.Date{Valid: false}, and a reference that
// did not resolve is pgtype.UUID{Valid: false}. No empty-string or
// zero-time sentinels.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// ErrDuplicate is returned when an insert collides with a uniqueness
// constraint. Two overlapping runs can both see a label as absent and both
// try to create it; the constraint is the backstop and the loser receives
// this error.
var ErrDuplicate = errors.New("duplicate record")

// DB is the subset of pgx behavior the store needs.
// Satisfied by both *pgxpool.Pool and *pgx.Conn.
type DB interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	Ping(context.Context) error
}

// RefKind identifies one of the name-keyed reference entity families.
type RefKind string

const (
	RefAgent   RefKind = "agent"
	RefLOB     RefKind = "lob"
	RefCarrier RefKind = "carrier"
	RefAccount RefKind = "account"
)

// RefKinds lists every reference family in resolution order.
var RefKinds = []RefKind{RefAgent, RefLOB, RefCarrier, RefAccount}

// refSpec maps a reference family to its table and name column.
type refSpec struct {
	table  string
	column string
}

var refSpecs = map[RefKind]refSpec{
	RefAgent:   {table: "agents", column: "name"},
	RefLOB:     {table: "lines_of_business", column: "category_name"},
	RefCarrier: {table: "carriers", column: "company_name"},
	RefAccount: {table: "user_accounts", column: "account_name"},
}

// Person holds the identifying fields captured for a policy holder.
// Attributes are never merged or updated after creation.
type Person struct {
	ID        pgtype.UUID
	FirstName pgtype.Text
	DOB       pgtype.Date
	Address   pgtype.Text
	Phone     pgtype.Text
	State     pgtype.Text
	Zip       pgtype.Text
	Email     pgtype.Text
	Gender    pgtype.Text
	UserType  pgtype.Text
}

// Policy is a normalized policy record. A stored policy always carries all
// three references and both dates; rows that cannot satisfy that never
// reach the store.
type Policy struct {
	ID        pgtype.UUID
	Number    string
	StartDate pgtype.Date
	EndDate   pgtype.Date
	LOBID     pgtype.UUID
	CarrierID pgtype.UUID
	PersonID  pgtype.UUID
}

// PolicySummary is a search result row joined with its reference names.
type PolicySummary struct {
	Number      string      `json:"policy_number"`
	StartDate   pgtype.Date `json:"start_date"`
	EndDate     pgtype.Date `json:"end_date"`
	FirstName   pgtype.Text `json:"firstname"`
	Email       pgtype.Text `json:"email"`
	CompanyName pgtype.Text `json:"company_name"`
	Category    pgtype.Text `json:"category_name"`
}

// PolicyAggregate is one row of the per-person policy count report.
type PolicyAggregate struct {
	FirstName   pgtype.Text `json:"firstname"`
	Email       pgtype.Text `json:"email"`
	PolicyCount int64       `json:"policy_count"`
}

// ScheduledMessage is a message queued for future delivery.
type ScheduledMessage struct {
	ID           pgtype.UUID        `json:"id"`
	Body         string             `json:"message"`
	ScheduledFor time.Time          `json:"scheduled_for"`
	DeliveredAt  pgtype.Timestamptz `json:"delivered_at,omitzero"`
}

// NewID returns a fresh random identifier in pgtype form.
func NewID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.New(), Valid: true}
}

// IDString renders an identifier as its canonical text form, or "" when
// the id is not set.
func IDString(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	return uuid.UUID(id.Bytes).String()
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
