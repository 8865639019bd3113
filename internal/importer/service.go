package importer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborins/policyimport/internal/config"
)

// run is the host-side record of one import run.
type run struct {
	id         string
	phase      RunPhase
	processed  int
	total      int
	errs       int
	errorList  []RowError
	errMsg     string
	startedAt  time.Time
	finishedAt time.Time
	result     *Message // terminal message, nil while the run is live
	subs       map[chan Message]struct{}
	done       chan struct{}
}

func (r *run) snapshot() RunStatus {
	st := RunStatus{
		ID:         r.id,
		Phase:      r.phase,
		Processed:  r.processed,
		Total:      r.total,
		Errors:     r.errs,
		Error:      r.errMsg,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
	if len(r.errorList) > 0 {
		st.ErrorList = append([]RowError(nil), r.errorList...)
	}
	return st
}

// Service owns the boundary between import runs and the rest of the
// process. StartImport hands the payload across once and spins up two
// goroutines per run: a worker that executes the engine, and a collector
// that drains the run's outbound channel into the host-side record and
// fans messages out to subscribers. Nothing else is shared with a run.
type Service struct {
	cfg     config.ImportConfig
	engine  *Engine
	limiter *RunLimiter
	logger  *slog.Logger

	mu   sync.RWMutex
	runs map[string]*run
}

// NewService returns a service whose runs open storage sessions through
// connect.
func NewService(cfg config.ImportConfig, connect Connector, logger *slog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		engine:  NewEngine(cfg, connect, logger),
		limiter: NewRunLimiter(cfg.MaxConcurrent, cfg.MaxWaitTime),
		logger:  logger,
		runs:    make(map[string]*run),
	}
}

// StartImport admits a new run over payload and returns its id. The call
// returns as soon as the run is admitted; progress flows through Subscribe
// and Status. When the limiter cannot admit the run within its wait
// window, ErrTooManyRuns is returned and nothing is recorded.
func (s *Service) StartImport(ctx context.Context, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("empty payload")
	}
	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	id := uuid.NewString()
	r := &run{
		id:        id,
		phase:     PhaseIdle,
		startedAt: time.Now().UTC(),
		subs:      make(map[chan Message]struct{}),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.runs[id] = r
	s.mu.Unlock()

	out := make(chan Message, 16)
	go s.work(id, payload, out)
	go s.collect(id, out)

	s.logger.Info("import run admitted", "run_id", id, "payload_bytes", len(payload))
	return id, nil
}

// work executes the run. An admitted run gets a fresh background context:
// it cannot be cancelled, it runs to a terminal state.
func (s *Service) work(id string, payload []byte, out chan<- Message) {
	defer close(out)
	defer s.limiter.Release()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("import run panicked", "run_id", id, "panic", rec)
			out <- ErrorMessage(fmt.Errorf("internal error: %v", rec))
		}
	}()

	s.engine.Run(context.Background(), id, payload, out, func(p RunPhase) {
		s.setPhase(id, p)
	})
}

// collect drains a run's outbound channel into the host-side record and
// forwards each message to subscribers. Forwarding to a slow subscriber
// is lossy; the record is not.
func (s *Service) collect(id string, out <-chan Message) {
	for msg := range out {
		s.apply(id, msg)
	}
	s.finalize(id)
}

func (s *Service) apply(id string, msg Message) {
	s.mu.Lock()
	r, ok := s.runs[id]
	if !ok || r.result != nil {
		s.mu.Unlock()
		return
	}

	switch msg.Type {
	case MessageProgress:
		r.processed = msg.Processed
		r.total = msg.Total
	case MessageDone:
		m := msg
		r.result = &m
		r.phase = PhaseCompleted
		r.processed = msg.Processed
		r.total = msg.Total
		r.errs = msg.Errors
		r.errorList = msg.ErrorList
		r.finishedAt = time.Now().UTC()
	case MessageError:
		m := msg
		r.result = &m
		r.phase = PhaseFailed
		r.errMsg = msg.Error
		r.finishedAt = time.Now().UTC()
	}

	// Forward under the lock so no subscriber channel can close mid-send.
	// Sends never block; a slow subscriber just misses this update.
	for ch := range r.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	s.mu.Unlock()
}

// finalize closes down a run's boundary after its last message: the done
// channel unblocks Result waiters, subscriber channels close so stream
// handlers return, and the record is scheduled for sweep after the
// retention window.
func (s *Service) finalize(id string) {
	s.mu.Lock()
	r, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if r.result == nil {
		// The worker ended without a terminal message. Should not happen;
		// record a failure so waiters are not stranded.
		msg := ErrorMessage(fmt.Errorf("import run ended unexpectedly"))
		r.result = &msg
		r.phase = PhaseFailed
		r.errMsg = msg.Error
		r.finishedAt = time.Now().UTC()
	}
	for ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	close(r.done)
	s.mu.Unlock()

	ttl := s.cfg.ResultTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	time.AfterFunc(ttl, func() {
		s.mu.Lock()
		delete(s.runs, id)
		s.mu.Unlock()
	})
}

func (s *Service) setPhase(id string, phase RunPhase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok && r.result == nil {
		r.phase = phase
	}
}

// Status returns a point-in-time snapshot of a run.
func (s *Service) Status(id string) (RunStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return RunStatus{}, ErrRunNotFound
	}
	return r.snapshot(), nil
}

// Subscribe returns a channel of messages for a run, primed with a
// progress snapshot so late subscribers see current state immediately.
// The channel closes when the run reaches its terminal state; for a run
// already finished it carries just the terminal message. Callers that
// stop listening early must Unsubscribe.
func (s *Service) Subscribe(id string) (chan Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}

	ch := make(chan Message, 16)
	if r.result != nil {
		ch <- *r.result
		close(ch)
		return ch, nil
	}
	ch <- ProgressMessage(r.processed, r.total)
	r.subs[ch] = struct{}{}
	return ch, nil
}

// Unsubscribe detaches a live subscriber. Channels already closed by run
// completion are left alone.
func (s *Service) Unsubscribe(id string, ch chan Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok || r.subs == nil {
		return
	}
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
}

// Result blocks until the run reaches a terminal state, then returns the
// final snapshot.
func (s *Service) Result(ctx context.Context, id string) (RunStatus, error) {
	s.mu.RLock()
	r, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return RunStatus{}, ErrRunNotFound
	}

	select {
	case <-ctx.Done():
		return RunStatus{}, ctx.Err()
	case <-r.done:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return r.snapshot(), nil
}

// WaitForRuns blocks until in-flight runs finish or ctx expires. Used at
// shutdown.
func (s *Service) WaitForRuns(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// LimiterStatus reports run admission state for monitoring surfaces.
func (s *Service) LimiterStatus() LimiterStatus {
	return s.limiter.Status()
}
