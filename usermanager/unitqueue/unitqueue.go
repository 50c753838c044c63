// Package unitqueue is the Unit Job Sequencer (spec.md §4.F): a strict
// FIFO pipeline of start/stop commands against the session supervisor,
// with at most one in-flight job and at most one pending supervisor
// reply at a time.
//
// There is one queue for all units: the sequencer does one thing at a
// time, and there are no per-unit or numbered queues.
//
// Sequencer itself never spawns a goroutine; it is a plain state
// machine whose mutating methods are meant to be called from a single
// owning event loop (the coordinator), per the design note against
// introducing background threads for any of A-G.
package unitqueue

import "context"

// JobKind distinguishes a unit start from a unit stop.
type JobKind int

const (
	Start JobKind = iota
	Stop
)

func (k JobKind) String() string {
	if k == Stop {
		return "stop"
	}
	return "start"
}

// Job is a single supervisor command: start or stop a named unit, in
// "replace" mode (queue-jumping allowed) or "fail" mode (fails if a
// conflicting job is already queued).
type Job struct {
	Unit    string
	Kind    JobKind
	Replace bool
}

// DispatchResult is delivered exactly once per Dispatch call, on the
// channel Dispatch returns: either the supervisor-assigned job id, or
// the error that means the job never started.
type DispatchResult struct {
	JobID string
	Err   error
}

// JobRemoved mirrors the session supervisor's per-job completion
// event.
type JobRemoved struct {
	ID     string
	Unit   string
	Result string
}

// Dispatcher abstracts the session supervisor's asynchronous
// start/stop RPC. Implementations must deliver exactly one
// DispatchResult on the returned channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) <-chan DispatchResult
}

// Events is the coordinator-facing observer the sequencer reports
// every transition to. The coordinator owns the Sequencer and
// subscribes, rather than the sequencer reaching back into the
// coordinator, avoiding cyclic ownership between the two.
type Events interface {
	BusyChanged(busy bool)
	CreatingJobFailed(remaining []Job)
	UnitJobFinished(done Job)
	UnitJobFailed(failed Job, remaining []Job)
}

// Sequencer implements spec.md §4.F.
type Sequencer struct {
	Dispatcher Dispatcher
	Events     Events

	queue       []Job
	pendingCall bool
	pendingJob  Job
	currentJob  string
	currentUnit Job
	replyCh     <-chan DispatchResult
}

func New(d Dispatcher, ev Events) *Sequencer {
	return &Sequencer{Dispatcher: d, Events: ev}
}

// Busy reports whether the sequencer has anything queued, in flight,
// or awaiting a dispatch reply.
func (s *Sequencer) Busy() bool { return !s.idle() }

func (s *Sequencer) idle() bool {
	return len(s.queue) == 0 && !s.pendingCall && s.currentJob == ""
}

func (s *Sequencer) notifyIfChanged(wasIdle bool) {
	if isIdle := s.idle(); isIdle != wasIdle {
		s.Events.BusyChanged(!isIdle)
	}
}

// Enqueue appends jobs to the tail of the queue and attempts to
// dispatch the head if nothing is currently in flight.
func (s *Sequencer) Enqueue(jobs []Job) {
	if len(jobs) == 0 {
		return
	}
	wasIdle := s.idle()
	s.queue = append(s.queue, jobs...)
	s.notifyIfChanged(wasIdle)
	s.tryDispatch()
}

func (s *Sequencer) tryDispatch() {
	if s.pendingCall || s.currentJob != "" || len(s.queue) == 0 {
		return
	}
	job := s.queue[0]
	s.pendingCall = true
	s.pendingJob = job
	s.replyCh = s.Dispatcher.Dispatch(context.Background(), job)
}

// PendingReply returns the channel the owning event loop must select
// on to deliver the in-flight dispatch's reply to OnDispatchReply, or
// nil if no dispatch is outstanding.
func (s *Sequencer) PendingReply() <-chan DispatchResult {
	return s.replyCh
}

// OnDispatchReply processes the result read from the channel returned
// by PendingReply.
func (s *Sequencer) OnDispatchReply(result DispatchResult) {
	wasIdle := s.idle()
	s.pendingCall = false
	s.replyCh = nil
	job := s.pendingJob

	if result.Err != nil {
		s.abortQueue()
		s.notifyIfChanged(wasIdle)
		return
	}

	s.currentJob = result.JobID
	s.currentUnit = job
	s.notifyIfChanged(wasIdle)
}

// HandleJobRemoved processes a session-supervisor job-removed event.
// Events for a job id other than the current one are ignored (they
// belong to a job this sequencer never started).
func (s *Sequencer) HandleJobRemoved(ev JobRemoved) {
	if ev.ID == "" || ev.ID != s.currentJob {
		return
	}

	wasIdle := s.idle()
	job := s.currentUnit
	s.currentJob = ""

	switch ev.Result {
	case "done":
		s.queue = s.queue[1:]
		s.Events.UnitJobFinished(job)
		if len(s.queue) > 0 {
			s.tryDispatch()
		}
	case "skipped":
		s.abortQueue()
	default:
		failed := job
		remaining := append([]Job(nil), s.queue[1:]...)
		s.queue = nil
		s.Events.UnitJobFailed(failed, remaining)
	}

	s.notifyIfChanged(wasIdle)
}

// abortQueue handles both a failed dispatch RPC and a "skipped"
// job-removed result: in both cases nothing effective happened, so the
// entire remaining queue (including the unstarted head) is handed back
// to the coordinator via creatingJobFailed.
func (s *Sequencer) abortQueue() {
	remaining := s.queue
	s.queue = nil
	s.Events.CreatingJobFailed(remaining)
}
