package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the pgx-backed store. Host surfaces share the server's pool;
// each import run dials its own connection via Connect so the run's storage
// session has the same lifetime as the run.
type Postgres struct {
	db      DB
	closeFn func(context.Context) error
}

// NewPostgres wraps an existing pool. Close is a no-op because the pool's
// owner shuts it down.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		db:      pool,
		closeFn: func(context.Context) error { return nil },
	}
}

// Connect dials one dedicated connection, as used by a single import run.
func Connect(ctx context.Context, url string) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return &Postgres{db: conn, closeFn: conn.Close}, nil
}

// Close releases the underlying connection if this store owns one.
func (p *Postgres) Close(ctx context.Context) error {
	return p.closeFn(ctx)
}

// Ping verifies the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// FindRefByName returns the id of the reference row whose name exactly
// matches, or an invalid UUID when no row does. Matching is case-sensitive;
// "Health" and "health" are distinct entries.
func (p *Postgres) FindRefByName(ctx context.Context, kind RefKind, name string) (pgtype.UUID, error) {
	spec, ok := refSpecs[kind]
	if !ok {
		return pgtype.UUID{}, fmt.Errorf("unknown reference kind %q", kind)
	}
	query := fmt.Sprintf(`SELECT id FROM %s WHERE %s = $1`, spec.table, spec.column)

	var id pgtype.UUID
	err := p.db.QueryRow(ctx, query, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return pgtype.UUID{}, nil
	}
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("find %s %q: %w", kind, name, err)
	}
	return id, nil
}

// CreateRef inserts a new reference row and returns its id. A concurrent
// run may have inserted the same name after our lookup missed; the unique
// index turns that into ErrDuplicate.
func (p *Postgres) CreateRef(ctx context.Context, kind RefKind, name string) (pgtype.UUID, error) {
	spec, ok := refSpecs[kind]
	if !ok {
		return pgtype.UUID{}, fmt.Errorf("unknown reference kind %q", kind)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, %s) VALUES ($1, $2)`, spec.table, spec.column)

	id := NewID()
	if _, err := p.db.Exec(ctx, query, id, name); err != nil {
		if isUniqueViolation(err) {
			return pgtype.UUID{}, fmt.Errorf("create %s %q: %w", kind, name, ErrDuplicate)
		}
		return pgtype.UUID{}, fmt.Errorf("create %s %q: %w", kind, name, err)
	}
	return id, nil
}

// FindPersonByNameEmail returns the earliest-created person with this exact
// first name and email, or an invalid UUID when none exists. Callers only
// use this when both values are present; persons missing either are never
// deduplicated.
func (p *Postgres) FindPersonByNameEmail(ctx context.Context, firstName, email string) (pgtype.UUID, error) {
	const query = `
		SELECT id FROM persons
		WHERE first_name = $1 AND email = $2
		ORDER BY created_at
		LIMIT 1`

	var id pgtype.UUID
	err := p.db.QueryRow(ctx, query, firstName, email).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return pgtype.UUID{}, nil
	}
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("find person %q %q: %w", firstName, email, err)
	}
	return id, nil
}

// CreatePerson inserts a person record and returns its id.
func (p *Postgres) CreatePerson(ctx context.Context, person Person) (pgtype.UUID, error) {
	const query = `
		INSERT INTO persons (id, first_name, dob, address, phone, state, zip, email, gender, user_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	id := NewID()
	_, err := p.db.Exec(ctx, query, id,
		person.FirstName, person.DOB, person.Address, person.Phone,
		person.State, person.Zip, person.Email, person.Gender, person.UserType)
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("create person: %w", err)
	}
	return id, nil
}

// PolicyNumberExists reports whether any policy already carries this number.
func (p *Postgres) PolicyNumberExists(ctx context.Context, number string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM policies WHERE policy_number = $1)`

	var exists bool
	if err := p.db.QueryRow(ctx, query, number).Scan(&exists); err != nil {
		return false, fmt.Errorf("check policy %q: %w", number, err)
	}
	return exists, nil
}

// CreatePolicy inserts a policy and returns its id. The unique index on
// policy_number backstops the existence check against concurrent runs; a
// lost race surfaces as ErrDuplicate.
func (p *Postgres) CreatePolicy(ctx context.Context, policy Policy) (pgtype.UUID, error) {
	const query = `
		INSERT INTO policies (id, policy_number, start_date, end_date, lob_id, carrier_id, person_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	id := NewID()
	_, err := p.db.Exec(ctx, query, id,
		policy.Number, policy.StartDate, policy.EndDate,
		policy.LOBID, policy.CarrierID, policy.PersonID)
	if err != nil {
		if isUniqueViolation(err) {
			return pgtype.UUID{}, fmt.Errorf("create policy %q: %w", policy.Number, ErrDuplicate)
		}
		return pgtype.UUID{}, fmt.Errorf("create policy %q: %w", policy.Number, err)
	}
	return id, nil
}

// SearchPoliciesByFirstName returns every policy whose holder has the given
// first name, with reference names joined in.
func (p *Postgres) SearchPoliciesByFirstName(ctx context.Context, firstName string) ([]PolicySummary, error) {
	const query = `
		SELECT pol.policy_number, pol.start_date, pol.end_date,
		       per.first_name, per.email, car.company_name, lob.category_name
		FROM policies pol
		JOIN persons per ON per.id = pol.person_id
		JOIN carriers car ON car.id = pol.carrier_id
		JOIN lines_of_business lob ON lob.id = pol.lob_id
		WHERE per.first_name = $1
		ORDER BY pol.policy_number`

	rows, err := p.db.Query(ctx, query, firstName)
	if err != nil {
		return nil, fmt.Errorf("search policies: %w", err)
	}
	defer rows.Close()

	var out []PolicySummary
	for rows.Next() {
		var s PolicySummary
		if err := rows.Scan(&s.Number, &s.StartDate, &s.EndDate,
			&s.FirstName, &s.Email, &s.CompanyName, &s.Category); err != nil {
			return nil, fmt.Errorf("scan policy row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search policies: %w", err)
	}
	return out, nil
}

// AggregatePoliciesByPerson counts policies per holder, most policies first.
// Persons without a policy are omitted.
func (p *Postgres) AggregatePoliciesByPerson(ctx context.Context) ([]PolicyAggregate, error) {
	const query = `
		SELECT per.first_name, per.email, COUNT(pol.id) AS policy_count
		FROM policies pol
		JOIN persons per ON per.id = pol.person_id
		GROUP BY per.id, per.first_name, per.email
		ORDER BY policy_count DESC, per.first_name`

	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("aggregate policies: %w", err)
	}
	defer rows.Close()

	var out []PolicyAggregate
	for rows.Next() {
		var a PolicyAggregate
		if err := rows.Scan(&a.FirstName, &a.Email, &a.PolicyCount); err != nil {
			return nil, fmt.Errorf("scan aggregate row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggregate policies: %w", err)
	}
	return out, nil
}

// CreateScheduledMessage queues a message for delivery at the given time.
func (p *Postgres) CreateScheduledMessage(ctx context.Context, body string, at time.Time) (ScheduledMessage, error) {
	const query = `INSERT INTO scheduled_messages (id, body, scheduled_for) VALUES ($1, $2, $3)`

	msg := ScheduledMessage{ID: NewID(), Body: body, ScheduledFor: at.UTC()}
	if _, err := p.db.Exec(ctx, query, msg.ID, msg.Body, msg.ScheduledFor); err != nil {
		return ScheduledMessage{}, fmt.Errorf("create scheduled message: %w", err)
	}
	return msg, nil
}

// ListScheduledMessages returns undelivered messages ordered by due time.
func (p *Postgres) ListScheduledMessages(ctx context.Context) ([]ScheduledMessage, error) {
	const query = `
		SELECT id, body, scheduled_for, delivered_at
		FROM scheduled_messages
		WHERE delivered_at IS NULL
		ORDER BY scheduled_for`

	return p.scanMessages(ctx, query)
}

// DueScheduledMessages returns undelivered messages due at or before now.
func (p *Postgres) DueScheduledMessages(ctx context.Context, now time.Time) ([]ScheduledMessage, error) {
	const query = `
		SELECT id, body, scheduled_for, delivered_at
		FROM scheduled_messages
		WHERE delivered_at IS NULL AND scheduled_for <= $1
		ORDER BY scheduled_for`

	return p.scanMessages(ctx, query, now.UTC())
}

// MarkMessageDelivered stamps a message as delivered.
func (p *Postgres) MarkMessageDelivered(ctx context.Context, id pgtype.UUID) error {
	const query = `UPDATE scheduled_messages SET delivered_at = now() WHERE id = $1`

	if _, err := p.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("mark message delivered: %w", err)
	}
	return nil
}

func (p *Postgres) scanMessages(ctx context.Context, query string, args ...interface{}) ([]ScheduledMessage, error) {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled messages: %w", err)
	}
	defer rows.Close()

	var out []ScheduledMessage
	for rows.Next() {
		var m ScheduledMessage
		if err := rows.Scan(&m.ID, &m.Body, &m.ScheduledFor, &m.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan scheduled message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scheduled messages: %w", err)
	}
	return out, nil
}
