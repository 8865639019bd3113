// Package importer executes batch imports of delimited policy data.
//
// Each run is isolated: it gets its own storage session, its own resolver
// cache, and a single outbound message channel. The payload crosses into
// the run once at start; everything that comes back out is an ordered
// Message. Runs never share state, so two concurrent runs can race on
// creating the same entity; the database's unique indexes decide the
// winner and the loser records a row error and keeps going.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/harborins/policyimport/internal/storage"
)

// RunPhase names the lifecycle states of an import run.
type RunPhase string

const (
	PhaseIdle       RunPhase = "idle"
	PhaseRunning    RunPhase = "running"
	PhaseFetching   RunPhase = "fetching"
	PhaseResolving  RunPhase = "resolving"
	PhasePersisting RunPhase = "persisting"
	PhaseCompleted  RunPhase = "completed"
	PhaseFailed     RunPhase = "failed"
)

// Terminal reports whether the phase is an end state.
func (p RunPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// RowError describes one row that failed during a run. Policy carries the
// row's policy number, or "N/A" when the row had none.
type RowError struct {
	Row    int    `json:"row"`
	Error  string `json:"error"`
	Policy string `json:"policy"`
}

// MessageType discriminates the updates a run emits.
type MessageType string

const (
	MessageProgress MessageType = "progress"
	MessageDone     MessageType = "done"
	MessageError    MessageType = "error"
)

// Message is one update emitted by a run over its outbound channel.
// Progress messages report counts, a done message closes a successful run,
// and an error message closes a failed one. Every run ends with exactly
// one terminal message.
type Message struct {
	Type      MessageType
	Processed int
	Total     int
	Errors    int
	ErrorList []RowError
	Error     string
}

// Terminal reports whether the message ends the run.
func (m Message) Terminal() bool {
	return m.Type == MessageDone || m.Type == MessageError
}

// MarshalJSON renders only the payload for the message's type. The type
// itself travels out of band, as the SSE event name.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MessageProgress:
		return json.Marshal(struct {
			Processed int `json:"processed"`
			Total     int `json:"total"`
		}{m.Processed, m.Total})
	case MessageDone:
		list := m.ErrorList
		if list == nil {
			list = []RowError{}
		}
		return json.Marshal(struct {
			Success   bool       `json:"success"`
			Processed int        `json:"processed"`
			Errors    int        `json:"errors"`
			Total     int        `json:"total"`
			ErrorList []RowError `json:"errorsList"`
		}{true, m.Processed, m.Errors, m.Total, list})
	case MessageError:
		return json.Marshal(struct {
			Error string `json:"error"`
		}{m.Error})
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
}

// ProgressMessage reports how far a run has come.
func ProgressMessage(processed, total int) Message {
	return Message{Type: MessageProgress, Processed: processed, Total: total}
}

// DoneMessage closes a run that reached the end of its payload. The error
// list is already truncated by the caller; errs is the untruncated count.
func DoneMessage(processed, errs, total int, errorList []RowError) Message {
	return Message{
		Type:      MessageDone,
		Processed: processed,
		Total:     total,
		Errors:    errs,
		ErrorList: errorList,
	}
}

// ErrorMessage closes a run that could not finish.
func ErrorMessage(err error) Message {
	return Message{Type: MessageError, Error: err.Error()}
}

// RunStatus is a point-in-time snapshot of a run, served by the status API.
type RunStatus struct {
	ID         string     `json:"id"`
	Phase      RunPhase   `json:"phase"`
	Processed  int        `json:"processed"`
	Total      int        `json:"total"`
	Errors     int        `json:"errors"`
	ErrorList  []RowError `json:"errorsList,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
}

// FinalMessage reconstructs the terminal message of a finished run from its
// status snapshot. It reports false while the run is still in flight.
func (st RunStatus) FinalMessage() (Message, bool) {
	switch st.Phase {
	case PhaseCompleted:
		return DoneMessage(st.Processed, st.Errors, st.Total, st.ErrorList), true
	case PhaseFailed:
		return Message{Type: MessageError, Error: st.Error}, true
	default:
		return Message{}, false
	}
}

// ErrRunNotFound is returned for run ids the service does not know,
// including runs already swept after their retention window.
var ErrRunNotFound = errors.New("import run not found")

// Store is the storage surface one run needs. Both *storage.Postgres and
// *storage.Memory satisfy it.
type Store interface {
	FindRefByName(ctx context.Context, kind storage.RefKind, name string) (pgtype.UUID, error)
	CreateRef(ctx context.Context, kind storage.RefKind, name string) (pgtype.UUID, error)
	FindPersonByNameEmail(ctx context.Context, firstName, email string) (pgtype.UUID, error)
	CreatePerson(ctx context.Context, person storage.Person) (pgtype.UUID, error)
	PolicyNumberExists(ctx context.Context, number string) (bool, error)
	CreatePolicy(ctx context.Context, policy storage.Policy) (pgtype.UUID, error)
	Close(ctx context.Context) error
}

// Connector opens the storage session a run will use. Every run opens its
// own session at start and closes it when it reaches a terminal state.
type Connector func(ctx context.Context) (Store, error)
