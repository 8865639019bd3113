package storage

import (
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
)

func TestNewID(t *testing.T) {
	a := NewID()
	b := NewID()

	if !a.Valid || !b.Valid {
		t.Fatalf("NewID returned invalid id: %v %v", a.Valid, b.Valid)
	}
	if a.Bytes == b.Bytes {
		t.Error("two fresh ids share the same bytes")
	}
}

func TestIDString(t *testing.T) {
	id := NewID()
	s := IDString(id)

	if len(s) != 36 || strings.Count(s, "-") != 4 {
		t.Errorf("IDString(%v) = %q, want canonical UUID form", id, s)
	}
	if got := IDString(pgtype.UUID{}); got != "" {
		t.Errorf("IDString of unset id = %q, want empty", got)
	}
}

func TestRefSpecsCoverEveryKind(t *testing.T) {
	if len(RefKinds) != 4 {
		t.Fatalf("RefKinds has %d entries, want 4", len(RefKinds))
	}
	for _, kind := range RefKinds {
		spec, ok := refSpecs[kind]
		if !ok {
			t.Errorf("kind %q has no table mapping", kind)
			continue
		}
		if spec.table == "" || spec.column == "" {
			t.Errorf("kind %q has incomplete mapping: %+v", kind, spec)
		}
	}
}
