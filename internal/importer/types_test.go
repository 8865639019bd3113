package importer

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMessageMarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			"progress",
			ProgressMessage(50, 205),
			`{"processed":50,"total":205}`,
		},
		{
			"done without errors",
			DoneMessage(2, 0, 2, nil),
			`{"success":true,"processed":2,"errors":0,"total":2,"errorsList":[]}`,
		},
		{
			"done with errors",
			DoneMessage(3, 1, 3, []RowError{{Row: 2, Error: "boom", Policy: "N/A"}}),
			`{"success":true,"processed":3,"errors":1,"total":3,"errorsList":[{"row":2,"error":"boom","policy":"N/A"}]}`,
		},
		{
			"error",
			ErrorMessage(errors.New("db down")),
			`{"error":"db down"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("marshal = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRunPhaseTerminal(t *testing.T) {
	tests := []struct {
		phase RunPhase
		want  bool
	}{
		{PhaseIdle, false},
		{PhaseRunning, false},
		{PhaseFetching, false},
		{PhaseResolving, false},
		{PhasePersisting, false},
		{PhaseCompleted, true},
		{PhaseFailed, true},
	}

	for _, tt := range tests {
		if got := tt.phase.Terminal(); got != tt.want {
			t.Errorf("%v.Terminal() = %v, want %v", tt.phase, got, tt.want)
		}
	}
}

func TestMessageTerminal(t *testing.T) {
	if ProgressMessage(1, 2).Terminal() {
		t.Error("progress message reported terminal")
	}
	if !DoneMessage(1, 0, 1, nil).Terminal() {
		t.Error("done message not terminal")
	}
	if !ErrorMessage(errors.New("x")).Terminal() {
		t.Error("error message not terminal")
	}
}
