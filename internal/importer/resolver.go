package importer

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/harborins/policyimport/internal/storage"
)

// Resolver turns row labels into stored entity ids for one run. Lookups
// are query-then-create: an unseen label is looked up in storage, created
// on a miss, and cached for the rest of the run. A Resolver belongs to
// exactly one run and rows are processed sequentially, so no locking.
type Resolver struct {
	store   Store
	refs    map[string]pgtype.UUID
	persons map[string]pgtype.UUID
}

// NewResolver returns a resolver with empty caches bound to store.
func NewResolver(store Store) *Resolver {
	return &Resolver{
		store:   store,
		refs:    make(map[string]pgtype.UUID),
		persons: make(map[string]pgtype.UUID),
	}
}

// ResolveRef returns the id for a reference label, creating the entity on
// first sight. An empty label resolves to an unset id with no storage
// traffic. Names match exactly and case-sensitively.
func (r *Resolver) ResolveRef(ctx context.Context, kind storage.RefKind, raw string) (pgtype.UUID, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return pgtype.UUID{}, nil
	}

	key := string(kind) + "|" + name
	if id, ok := r.refs[key]; ok {
		return id, nil
	}

	id, err := r.store.FindRefByName(ctx, kind, name)
	if err != nil {
		return pgtype.UUID{}, err
	}
	if !id.Valid {
		id, err = r.store.CreateRef(ctx, kind, name)
		if err != nil {
			// Not cached: a lost create race should resolve on the next
			// sighting, when the lookup finds the winner's row.
			return pgtype.UUID{}, err
		}
	}
	r.refs[key] = id
	return id, nil
}

// PersonInput carries a row's person columns before conversion. DOB is the
// raw cell text; parsing happens at record build time.
type PersonInput struct {
	FirstName string
	DOB       string
	Address   string
	Phone     string
	State     string
	Zip       string
	Email     string
	Gender    string
	UserType  string
}

func (in PersonInput) blank() bool {
	for _, v := range []string{
		in.FirstName, in.DOB, in.Address, in.Phone, in.State,
		in.Zip, in.Email, in.Gender, in.UserType,
	} {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func (in PersonInput) record() storage.Person {
	return storage.Person{
		FirstName: ToPgText(in.FirstName),
		DOB:       ToPgDate(in.DOB),
		Address:   ToPgText(in.Address),
		Phone:     ToPgText(in.Phone),
		State:     ToPgText(in.State),
		Zip:       ToPgText(in.Zip),
		Email:     ToPgText(in.Email),
		Gender:    ToPgText(in.Gender),
		UserType:  ToPgText(in.UserType),
	}
}

// ResolvePerson returns the id of the person a row describes. A row with
// every person column blank resolves to an unset id. Persons are soft
// unique on (first name, email): when both are present an existing match
// is reused, otherwise the row always creates a fresh record, duplicates
// included.
//
// The cache key folds in the raw date-of-birth text even though lookups
// match on first name and email alone. Two rows naming the same person
// with differently written birth dates therefore miss the cache, repeat
// the storage lookup, and still land on the same record.
func (r *Resolver) ResolvePerson(ctx context.Context, in PersonInput) (pgtype.UUID, error) {
	if in.blank() {
		return pgtype.UUID{}, nil
	}

	firstName := strings.TrimSpace(in.FirstName)
	email := strings.TrimSpace(in.Email)
	if firstName == "" || email == "" {
		// Not enough identity to deduplicate.
		return r.store.CreatePerson(ctx, in.record())
	}

	key := firstName + "|" + email + "|" + strings.TrimSpace(in.DOB)
	if id, ok := r.persons[key]; ok {
		return id, nil
	}

	id, err := r.store.FindPersonByNameEmail(ctx, firstName, email)
	if err != nil {
		return pgtype.UUID{}, err
	}
	if !id.Valid {
		id, err = r.store.CreatePerson(ctx, in.record())
		if err != nil {
			return pgtype.UUID{}, err
		}
	}
	r.persons[key] = id
	return id, nil
}
