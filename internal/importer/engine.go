package importer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/harborins/policyimport/internal/config"
	"github.com/harborins/policyimport/internal/storage"
	"github.com/harborins/policyimport/internal/tabular"
)

// Column names recognized in the payload header. Matching is
// case-insensitive; the reader lowercases headers on the way in.
const (
	colAgent       = "agent"
	colLOB         = "category_name"
	colCarrier     = "company_name"
	colAccount     = "account_name"
	colFirstName   = "firstname"
	colDOB         = "dob"
	colAddress     = "address"
	colPhone       = "phone"
	colState       = "state"
	colZip         = "zip"
	colEmail       = "email"
	colGender      = "gender"
	colUserType    = "usertype"
	colPolicyNo    = "policy_number"
	colPolicyStart = "policy_start_date"
	colPolicyEnd   = "policy_end_date"
)

// Engine executes import runs. It holds no per-run state; everything a run
// touches lives inside Run.
type Engine struct {
	cfg     config.ImportConfig
	connect Connector
	logger  *slog.Logger
}

// NewEngine returns an engine that opens storage sessions through connect.
func NewEngine(cfg config.ImportConfig, connect Connector, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, connect: connect, logger: logger}
}

// rowState is the explicit outcome of one row as it moves through a batch:
// resolved references and dates after the resolving pass, then created or
// err after the persisting pass. A row with neither is a skip, which still
// counts as processed.
type rowState struct {
	index    int    // 1-based position among data rows
	policyNo string // "" when the row carried none
	lob      pgtype.UUID
	carrier  pgtype.UUID
	person   pgtype.UUID
	start    pgtype.Date
	end      pgtype.Date
	created  bool
	err      error
}

// Run executes one import over payload. It opens its storage session,
// parses the payload once, and works in batches; progress and exactly one
// terminal message go to out. setPhase publishes lifecycle transitions;
// the terminal phases are left to the host so that phase and final
// counters land together when the terminal message is consumed.
//
// Row failures never abort the run. Only payload-level problems, a failed
// storage session, or a malformed payload end it early.
func (e *Engine) Run(ctx context.Context, runID string, payload []byte, out chan<- Message, setPhase func(RunPhase)) error {
	logger := e.logger.With("run_id", runID)
	setPhase(PhaseRunning)

	fail := func(err error) error {
		logger.Error("import run failed", "error", err)
		out <- ErrorMessage(err)
		return err
	}

	store, err := e.connect(ctx)
	if err != nil {
		return fail(fmt.Errorf("open storage session: %w", err))
	}
	defer func() {
		if cerr := store.Close(context.Background()); cerr != nil {
			logger.Warn("close storage session", "error", cerr)
		}
	}()

	rows, err := tabular.NewReader(bytes.NewReader(payload)).ReadAll()
	if err != nil {
		return fail(err)
	}

	resolver := NewResolver(store)
	total := len(rows)
	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	interval := e.cfg.ProgressInterval
	if interval <= 0 {
		interval = 50
	}

	processed := 0
	created := 0
	var rowErrors []RowError

	for first := 0; first < total; first += batchSize {
		last := first + batchSize
		if last > total {
			last = total
		}

		setPhase(PhaseFetching)
		batch := rows[first:last]
		states := make([]rowState, len(batch))

		setPhase(PhaseResolving)
		for i, row := range batch {
			states[i] = e.resolveRow(ctx, resolver, first+i+1, row)
		}

		setPhase(PhasePersisting)
		for i := range states {
			if states[i].err == nil {
				e.persistRow(ctx, store, &states[i])
			}
		}

		for _, st := range states {
			processed++
			if st.created {
				created++
			}
			if st.err != nil {
				rowErrors = append(rowErrors, RowError{
					Row:    st.index,
					Error:  st.err.Error(),
					Policy: policyLabel(st.policyNo),
				})
			}
			if processed%interval == 0 {
				out <- ProgressMessage(processed, total)
			}
		}
	}

	detail := rowErrors
	if max := e.cfg.MaxErrorDetail; max > 0 && len(detail) > max {
		detail = detail[:max]
	}

	logger.Info("import run complete",
		"total", total,
		"processed", processed,
		"policies_created", created,
		"row_errors", len(rowErrors))
	out <- DoneMessage(processed, len(rowErrors), total, detail)
	return nil
}

// resolveRow resolves every entity a row references. Agent and user
// account resolve purely for the side effect of existing; their ids feed
// nothing downstream. The first resolution failure stops the row.
func (e *Engine) resolveRow(ctx context.Context, resolver *Resolver, index int, row tabular.Row) rowState {
	st := rowState{index: index, policyNo: strings.TrimSpace(row.Get(colPolicyNo))}

	if _, err := resolver.ResolveRef(ctx, storage.RefAgent, row.Get(colAgent)); err != nil {
		st.err = err
		return st
	}
	if _, err := resolver.ResolveRef(ctx, storage.RefAccount, row.Get(colAccount)); err != nil {
		st.err = err
		return st
	}

	lob, err := resolver.ResolveRef(ctx, storage.RefLOB, row.Get(colLOB))
	if err != nil {
		st.err = err
		return st
	}
	st.lob = lob

	carrier, err := resolver.ResolveRef(ctx, storage.RefCarrier, row.Get(colCarrier))
	if err != nil {
		st.err = err
		return st
	}
	st.carrier = carrier

	person, err := resolver.ResolvePerson(ctx, PersonInput{
		FirstName: row.Get(colFirstName),
		DOB:       row.Get(colDOB),
		Address:   row.Get(colAddress),
		Phone:     row.Get(colPhone),
		State:     row.Get(colState),
		Zip:       row.Get(colZip),
		Email:     row.Get(colEmail),
		Gender:    row.Get(colGender),
		UserType:  row.Get(colUserType),
	})
	if err != nil {
		st.err = err
		return st
	}
	st.person = person

	st.start = ToPgDate(row.Get(colPolicyStart))
	st.end = ToPgDate(row.Get(colPolicyEnd))
	return st
}

// persistRow attempts policy creation for a resolved row. A row missing
// its policy number, any of its three references, or either date is
// skipped without error; so is a number already on file. Only storage
// failures mark the row failed, the lost-race duplicate insert included.
func (e *Engine) persistRow(ctx context.Context, store Store, st *rowState) {
	if st.policyNo == "" {
		return
	}
	if !st.lob.Valid || !st.carrier.Valid || !st.person.Valid {
		return
	}
	if !st.start.Valid || !st.end.Valid {
		return
	}

	exists, err := store.PolicyNumberExists(ctx, st.policyNo)
	if err != nil {
		st.err = err
		return
	}
	if exists {
		return
	}

	_, err = store.CreatePolicy(ctx, storage.Policy{
		Number:    st.policyNo,
		StartDate: st.start,
		EndDate:   st.end,
		LOBID:     st.lob,
		CarrierID: st.carrier,
		PersonID:  st.person,
	})
	if err != nil {
		st.err = err
		return
	}
	st.created = true
}

// policyLabel renders a policy number for an error entry, with "N/A"
// standing in for rows that carried none.
func policyLabel(number string) string {
	if number == "" {
		return "N/A"
	}
	return number
}
