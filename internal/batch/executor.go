package batch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/redeven-orchestrator/internal/approval"
	"github.com/floegence/redeven-orchestrator/internal/auditlog"
	"github.com/floegence/redeven-orchestrator/internal/interrupt"
	"github.com/floegence/redeven-orchestrator/internal/orchestration"
	"github.com/floegence/redeven-orchestrator/internal/tools"
)

// Status is the batch-level outcome.
type Status int

const (
	StatusCompleted   Status = 0
	StatusAborted     Status = -1
	StatusInterrupted Status = -2
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusAborted:
		return "aborted"
	case StatusInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

const defaultParallelism = 4

// Journal receives one entry per populated result slot.
type Journal interface {
	Append(e auditlog.Entry)
}

type Options struct {
	Registry *tools.Registry

	// Gate approves calls; nil allows everything.
	Gate approval.Gate

	// External serves calls whose name carries tools.ExternalToolPrefix.
	// When nil, those calls go to Registry like any other.
	External tools.Handler

	Interrupt   interrupt.Checker
	Parallelism int

	SessionID string
	Journal   Journal
	Reporter  Reporter
	Log       *slog.Logger
}

// Executor runs one batch of tool calls at a time.
type Executor struct {
	registry    *tools.Registry
	gate        approval.Gate
	external    tools.Handler
	interrupt   interrupt.Checker
	parallelism int

	sessionID string
	journal   Journal
	reporter  Reporter
	log       *slog.Logger
}

func New(opts Options) *Executor {
	logger := opts.Log
	if logger == nil {
		logger = slog.Default()
	}
	gate := opts.Gate
	if gate == nil {
		gate = approval.AllowAll
	}
	registry := opts.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	return &Executor{
		registry:    registry,
		gate:        gate,
		external:    opts.External,
		interrupt:   opts.Interrupt,
		parallelism: parallelism,
		sessionID:   strings.TrimSpace(opts.SessionID),
		journal:     opts.Journal,
		reporter:    opts.Reporter,
		log:         logger.With("component", "batch"),
	}
}

// Outcome is the result of Execute.
//
// Results holds the populated slots. In direct mode len(Results) == len(calls) and
// Results[i] belongs to calls[i]. In compact mode duplicates produce no slot and
// Indices[j] is the original call index of Results[j].
type Outcome struct {
	Status        Status
	Results       []tools.Result
	Indices       []int
	ExecutedCount int
	BatchID       string
}

type slot struct {
	index    int
	call     tools.Call
	result   tools.Result
	filled   bool
	ran      bool
	status   string
	duration time.Duration
}

type batchRun struct {
	e        *Executor
	oc       *orchestration.Context
	calls    []tools.Call
	compact  bool
	slots    []*slot
	approved []*slot
	parallel bool
}

// Execute runs calls against oc. compact selects compact addressing: duplicates
// are skipped and each new id is marked executed before dispatch.
func (e *Executor) Execute(ctx context.Context, oc *orchestration.Context, calls []tools.Call, compact bool) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	run := &batchRun{e: e, oc: oc, calls: calls, compact: compact}
	batchID := uuid.NewString()

	status := run.admit(ctx)
	if status == StatusCompleted {
		status = run.dispatch(ctx)
	}
	out := run.outcome(status, batchID)
	e.record(run, out)
	return out
}

// admit is the serial phase: interrupt check, dedup, delegation limit and approval.
func (r *batchRun) admit(ctx context.Context) Status {
	e := r.e
	for i, call := range r.calls {
		if e.interrupted(ctx) {
			r.fillRemaining(i, tools.Interrupted, "interrupted")
			r.failApproved(tools.Interrupted, "interrupted")
			return StatusInterrupted
		}

		if r.compact {
			if r.oc.IsDuplicate(call.ID) {
				continue
			}
			if err := r.oc.MarkExecuted(call.ID); err != nil {
				e.log.Warn("mark executed failed", "call_id", call.ID, "tool", call.Name, "error", err)
			}
		}

		s := r.reserve(i, call)
		if !r.oc.CanSpawnDelegate(call.Name) {
			s.fill(tools.DuplicateDelegation(call.ID), "blocked")
			continue
		}

		d := e.gate.Evaluate(ctx, approval.RequestForCall(call, e.registry.IsMutating(call.Name)))
		switch d.Outcome() {
		case approval.Proceed:
			r.approved = append(r.approved, s)
		case approval.Blocked:
			s.fill(approval.BlockedResult(call.ID, call.Name, d), "blocked")
		case approval.Abort:
			s.fill(tools.Aborted(call.ID), "aborted")
			r.failApproved(tools.Aborted, "aborted")
			if !r.compact {
				r.fillRemaining(i+1, tools.Aborted, "aborted")
			}
			return StatusAborted
		}
	}
	return StatusCompleted
}

// dispatch runs approved calls, in parallel only when every one is thread-safe.
func (r *batchRun) dispatch(ctx context.Context) Status {
	e := r.e
	if len(r.approved) == 0 {
		return StatusCompleted
	}

	r.parallel = len(r.approved) >= 2
	for _, s := range r.approved {
		if !e.registry.IsThreadSafe(s.call.Name) {
			r.parallel = false
			break
		}
	}

	if r.parallel {
		sem := make(chan struct{}, e.parallelism)
		var wg sync.WaitGroup
		for _, s := range r.approved {
			s := s
			wg.Add(1)
			go func() {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
					e.runOne(ctx, s)
				case <-ctx.Done():
					s.fill(tools.Interrupted(s.call.ID), "interrupted")
				}
			}()
		}
		wg.Wait()
	} else {
		for n, s := range r.approved {
			if e.interrupted(ctx) {
				for _, rest := range r.approved[n:] {
					rest.fill(tools.Interrupted(rest.call.ID), "interrupted")
				}
				return StatusInterrupted
			}
			e.runOne(ctx, s)
		}
	}

	if e.interrupted(ctx) {
		return StatusInterrupted
	}
	return StatusCompleted
}

func (e *Executor) runOne(ctx context.Context, s *slot) {
	started := time.Now()
	res := e.call(ctx, s.call)
	res.CallID = s.call.ID
	s.duration = time.Since(started)
	s.ran = true
	status := "success"
	if !res.Success {
		status = "failure"
	}
	s.fill(res, status)
}

func (e *Executor) call(ctx context.Context, call tools.Call) tools.Result {
	if call.IsExternal() && e.external != nil {
		res, err := e.external.Execute(ctx, call)
		if err != nil {
			if ctx.Err() != nil {
				return tools.Interrupted(call.ID)
			}
			return tools.Failure(call.ID, tools.ErrorCodeExecution, err.Error())
		}
		return res
	}
	return e.registry.Execute(ctx, call)
}

// interrupted acknowledges a pending interrupt so nested checks stay quiet.
func (e *Executor) interrupted(ctx context.Context) bool {
	if e.interrupt != nil && e.interrupt.Pending() {
		e.interrupt.Acknowledge()
		return true
	}
	return ctx.Err() != nil
}

func (r *batchRun) reserve(index int, call tools.Call) *slot {
	s := &slot{index: index, call: call}
	r.slots = append(r.slots, s)
	return s
}

func (s *slot) fill(res tools.Result, status string) {
	res.CallID = s.call.ID
	s.result = res
	s.status = status
	s.filled = true
}

// fillRemaining synthesizes results for calls[from:]; compact mode skips duplicates.
func (r *batchRun) fillRemaining(from int, mk func(string) tools.Result, status string) {
	for i := from; i < len(r.calls); i++ {
		call := r.calls[i]
		if r.compact && r.oc.IsDuplicate(call.ID) {
			continue
		}
		r.reserve(i, call).fill(mk(call.ID), status)
	}
}

// failApproved fills approved slots that never reached dispatch.
func (r *batchRun) failApproved(mk func(string) tools.Result, status string) {
	for _, s := range r.approved {
		if !s.filled {
			s.fill(mk(s.call.ID), status)
		}
	}
	r.approved = nil
}

func (r *batchRun) outcome(status Status, batchID string) Outcome {
	out := Outcome{Status: status, BatchID: batchID}
	out.Results = make([]tools.Result, 0, len(r.slots))
	out.Indices = make([]int, 0, len(r.slots))
	for _, s := range r.slots {
		if !s.filled {
			continue
		}
		out.Results = append(out.Results, s.result)
		out.Indices = append(out.Indices, s.index)
	}
	out.ExecutedCount = len(out.Results)
	return out
}

// record is the logging phase; it runs in original call order after all dispatch.
func (e *Executor) record(r *batchRun, out Outcome) {
	completed := 0
	for _, s := range r.slots {
		if !s.filled {
			continue
		}
		if s.ran {
			completed++
		}
		if e.reporter != nil {
			e.reporter.ToolFinished(s.call, s.result, s.duration)
		}
		if e.journal != nil {
			entry := auditlog.Entry{
				Action:     "tool_call",
				Status:     s.status,
				SessionID:  e.sessionID,
				BatchID:    out.BatchID,
				CallID:     s.call.ID,
				Tool:       s.call.Name,
				DurationMs: s.duration.Milliseconds(),
				Parallel:   r.parallel && s.ran,
			}
			if !s.result.Success {
				entry.Error = truncate(s.result.Output, errorSummaryMax)
			}
			e.journal.Append(entry)
		}
	}
	e.log.Debug("batch finished",
		"batch_id", out.BatchID,
		"status", out.Status.String(),
		"calls", len(r.calls),
		"populated", out.ExecutedCount,
		"completed", completed,
		"parallel", r.parallel,
	)
	if out.Status != StatusCompleted && e.reporter != nil {
		e.reporter.Cancelled(completed, len(r.calls))
	}
}
