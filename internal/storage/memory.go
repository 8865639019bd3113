package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Memory is an in-memory store used by tests. It mirrors Postgres behavior,
// including ErrDuplicate on unique-constraint collisions, and counts lookup
// and create calls per reference label so tests can assert cache behavior.
type Memory struct {
	mu       sync.Mutex
	refs     map[RefKind]map[string]pgtype.UUID
	persons  []Person
	policies []Policy
	messages []ScheduledMessage

	refFinds   map[string]int
	refCreates map[string]int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		refs:       make(map[RefKind]map[string]pgtype.UUID),
		refFinds:   make(map[string]int),
		refCreates: make(map[string]int),
	}
}

func refKey(kind RefKind, name string) string {
	return string(kind) + "|" + name
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op so the store outlives a run and tests can inspect it.
func (m *Memory) Close(context.Context) error { return nil }

// FindRefByName returns the id stored for this exact name, or an invalid
// UUID when absent.
func (m *Memory) FindRefByName(_ context.Context, kind RefKind, name string) (pgtype.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refFinds[refKey(kind, name)]++
	if id, ok := m.refs[kind][name]; ok {
		return id, nil
	}
	return pgtype.UUID{}, nil
}

// CreateRef inserts a reference row, failing with ErrDuplicate when the
// name is already present.
func (m *Memory) CreateRef(_ context.Context, kind RefKind, name string) (pgtype.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refCreates[refKey(kind, name)]++
	if _, ok := m.refs[kind][name]; ok {
		return pgtype.UUID{}, fmt.Errorf("create %s %q: %w", kind, name, ErrDuplicate)
	}
	if m.refs[kind] == nil {
		m.refs[kind] = make(map[string]pgtype.UUID)
	}
	id := NewID()
	m.refs[kind][name] = id
	return id, nil
}

// FindPersonByNameEmail returns the earliest person created with this first
// name and email, or an invalid UUID when none matches.
func (m *Memory) FindPersonByNameEmail(_ context.Context, firstName, email string) (pgtype.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.persons {
		if p.FirstName.Valid && p.FirstName.String == firstName &&
			p.Email.Valid && p.Email.String == email {
			return p.ID, nil
		}
	}
	return pgtype.UUID{}, nil
}

// CreatePerson inserts a person record.
func (m *Memory) CreatePerson(_ context.Context, person Person) (pgtype.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	person.ID = NewID()
	m.persons = append(m.persons, person)
	return person.ID, nil
}

// PolicyNumberExists reports whether a policy with this number is stored.
func (m *Memory) PolicyNumberExists(_ context.Context, number string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.policies {
		if p.Number == number {
			return true, nil
		}
	}
	return false, nil
}

// CreatePolicy inserts a policy, failing with ErrDuplicate when the number
// is already taken.
func (m *Memory) CreatePolicy(_ context.Context, policy Policy) (pgtype.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.policies {
		if p.Number == policy.Number {
			return pgtype.UUID{}, fmt.Errorf("create policy %q: %w", policy.Number, ErrDuplicate)
		}
	}
	policy.ID = NewID()
	m.policies = append(m.policies, policy)
	return policy.ID, nil
}

// SearchPoliciesByFirstName joins policies with their holders and reference
// names, filtered by the holder's first name.
func (m *Memory) SearchPoliciesByFirstName(_ context.Context, firstName string) ([]PolicySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PolicySummary
	for _, pol := range m.policies {
		per, ok := m.personByID(pol.PersonID)
		if !ok || !per.FirstName.Valid || per.FirstName.String != firstName {
			continue
		}
		out = append(out, PolicySummary{
			Number:      pol.Number,
			StartDate:   pol.StartDate,
			EndDate:     pol.EndDate,
			FirstName:   per.FirstName,
			Email:       per.Email,
			CompanyName: m.refName(RefCarrier, pol.CarrierID),
			Category:    m.refName(RefLOB, pol.LOBID),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// AggregatePoliciesByPerson counts stored policies per holder.
func (m *Memory) AggregatePoliciesByPerson(_ context.Context) ([]PolicyAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[pgtype.UUID]int64)
	for _, pol := range m.policies {
		counts[pol.PersonID]++
	}
	var out []PolicyAggregate
	for _, per := range m.persons {
		if n := counts[per.ID]; n > 0 {
			out = append(out, PolicyAggregate{FirstName: per.FirstName, Email: per.Email, PolicyCount: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PolicyCount != out[j].PolicyCount {
			return out[i].PolicyCount > out[j].PolicyCount
		}
		return out[i].FirstName.String < out[j].FirstName.String
	})
	return out, nil
}

// CreateScheduledMessage queues a message.
func (m *Memory) CreateScheduledMessage(_ context.Context, body string, at time.Time) (ScheduledMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := ScheduledMessage{ID: NewID(), Body: body, ScheduledFor: at.UTC()}
	m.messages = append(m.messages, msg)
	return msg, nil
}

// ListScheduledMessages returns undelivered messages ordered by due time.
func (m *Memory) ListScheduledMessages(_ context.Context) ([]ScheduledMessage, error) {
	return m.selectMessages(func(msg ScheduledMessage) bool {
		return !msg.DeliveredAt.Valid
	})
}

// DueScheduledMessages returns undelivered messages due at or before now.
func (m *Memory) DueScheduledMessages(_ context.Context, now time.Time) ([]ScheduledMessage, error) {
	return m.selectMessages(func(msg ScheduledMessage) bool {
		return !msg.DeliveredAt.Valid && !msg.ScheduledFor.After(now)
	})
}

// MarkMessageDelivered stamps a message as delivered.
func (m *Memory) MarkMessageDelivered(_ context.Context, id pgtype.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.messages {
		if m.messages[i].ID == id {
			m.messages[i].DeliveredAt = pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true}
			return nil
		}
	}
	return nil
}

func (m *Memory) selectMessages(keep func(ScheduledMessage) bool) ([]ScheduledMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ScheduledMessage
	for _, msg := range m.messages {
		if keep(msg) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (m *Memory) personByID(id pgtype.UUID) (Person, bool) {
	for _, p := range m.persons {
		if p.ID == id {
			return p, true
		}
	}
	return Person{}, false
}

func (m *Memory) refName(kind RefKind, id pgtype.UUID) pgtype.Text {
	for name, got := range m.refs[kind] {
		if got == id {
			return pgtype.Text{String: name, Valid: true}
		}
	}
	return pgtype.Text{}
}

// RefCount returns how many reference rows exist for a family.
func (m *Memory) RefCount(kind RefKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refs[kind])
}

// RefID returns the id stored for a name, if any.
func (m *Memory) RefID(kind RefKind, name string) (pgtype.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.refs[kind][name]
	return id, ok
}

// RefFinds returns how many lookups were issued for a label.
func (m *Memory) RefFinds(kind RefKind, name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refFinds[refKey(kind, name)]
}

// RefCreates returns how many create attempts were issued for a label.
func (m *Memory) RefCreates(kind RefKind, name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refCreates[refKey(kind, name)]
}

// PersonCount returns how many person records exist.
func (m *Memory) PersonCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.persons)
}

// Persons returns a copy of the stored person records.
func (m *Memory) Persons() []Person {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Person, len(m.persons))
	copy(out, m.persons)
	return out
}

// PolicyCount returns how many policies exist.
func (m *Memory) PolicyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.policies)
}

// Policies returns a copy of the stored policies.
func (m *Memory) Policies() []Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Policy, len(m.policies))
	copy(out, m.policies)
	return out
}

// Messages returns a copy of every stored message, delivered or not.
func (m *Memory) Messages() []ScheduledMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ScheduledMessage, len(m.messages))
	copy(out, m.messages)
	return out
}
