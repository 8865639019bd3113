package tabular

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestReader_HeaderDrivenRows(t *testing.T) {
	input := "Agent,Policy_Number,firstname\nAgentA,POL-1,Alice\nAgentB,POL-2,Bob\n"

	r := NewReader(strings.NewReader(input))

	header, err := r.Header()
	if err != nil {
		t.Fatalf("Header() error = %v", err)
	}
	want := []string{"agent", "policy_number", "firstname"}
	if len(header) != len(want) {
		t.Fatalf("header length = %d, want %d", len(header), len(want))
	}
	for i, h := range want {
		if header[i] != h {
			t.Errorf("header[%d] = %q, want %q", i, header[i], h)
		}
	}

	rows, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if got := rows[0].Get("Policy_Number"); got != "POL-1" {
		t.Errorf("rows[0] policy_number = %q, want %q", got, "POL-1")
	}
	if got := rows[1].Get("FIRSTNAME"); got != "Bob" {
		t.Errorf("rows[1] firstname = %q, want %q", got, "Bob")
	}
}

func TestReader_SkipsBlankRows(t *testing.T) {
	input := "a,b\n1,2\n,\n\n3,4\n   ,  \n"

	rows, err := NewReader(strings.NewReader(input)).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2 (blank rows skipped)", len(rows))
	}
	if rows[1].Get("a") != "3" {
		t.Errorf("second row a = %q, want %q", rows[1].Get("a"), "3")
	}
}

func TestReader_TrimsAndCleansCells(t *testing.T) {
	input := "name,code\n  Alice  ,=\"0123\"\n"

	rows, err := NewReader(strings.NewReader(input)).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if got := rows[0].Get("name"); got != "Alice" {
		t.Errorf("name = %q, want %q", got, "Alice")
	}
	if got := rows[0].Get("code"); got != "0123" {
		t.Errorf("code = %q, want %q (Excel prefix stripped)", got, "0123")
	}
}

func TestReader_ShortRowsLeaveColumnsAbsent(t *testing.T) {
	input := "a,b,c\n1,2\n"

	rows, err := NewReader(strings.NewReader(input)).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if got := rows[0].Get("c"); got != "" {
		t.Errorf("missing trailing cell = %q, want empty", got)
	}
}

func TestReader_MalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "unterminated quoted field",
			input: "a,b\n\"unterminated,2\n",
		},
		{
			name:  "bare quote in field",
			input: "a,b\nval\"ue,2\n",
		},
		{
			name:  "empty payload",
			input: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(tt.input)).ReadAll()
			if err == nil {
				t.Fatal("ReadAll() expected error")
			}
			if !errors.Is(err, ErrMalformedInput) {
				t.Errorf("error = %v, want ErrMalformedInput", err)
			}
		})
	}
}

func TestReader_NonRestartable(t *testing.T) {
	r := NewReader(strings.NewReader("a\n1\n2\n"))

	var seen []string
	for {
		row, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		seen = append(seen, row.Get("a"))
	}
	if len(seen) != 2 {
		t.Fatalf("rows seen = %d, want 2", len(seen))
	}

	// Exhausted reader stays exhausted
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next() after EOF = %v, want io.EOF", err)
	}
}

func TestReader_SkipsBOM(t *testing.T) {
	input := append([]byte{0xEF, 0xBB, 0xBF}, []byte("name\nAlice\n")...)

	r := NewReader(strings.NewReader(string(input)))
	header, err := r.Header()
	if err != nil {
		t.Fatalf("Header() error = %v", err)
	}
	if header[0] != "name" {
		t.Errorf("header[0] = %q, want %q (BOM not stripped)", header[0], "name")
	}
}

func TestCleanCell(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain value", "hello", "hello"},
		{"whitespace", "  padded  ", "padded"},
		{"excel formula prefix", `="12345"`, "12345"},
		{"leading equals", "=value", "value"},
		{"surrounding quotes", `"quoted"`, "quoted"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanCell(tt.input); got != tt.want {
				t.Errorf("CleanCell(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
