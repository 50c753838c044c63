package unitqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	calls   []Job
	replyCh chan DispatchResult
}

func (f *fakeDispatcher) Dispatch(_ context.Context, job Job) <-chan DispatchResult {
	f.calls = append(f.calls, job)
	f.replyCh = make(chan DispatchResult, 1)
	return f.replyCh
}

type recordingEvents struct {
	busy              []bool
	creatingJobFailed [][]Job
	finished          []Job
	failed            []Job
	remaining         [][]Job
}

func (r *recordingEvents) BusyChanged(busy bool)              { r.busy = append(r.busy, busy) }
func (r *recordingEvents) CreatingJobFailed(remaining []Job)  { r.creatingJobFailed = append(r.creatingJobFailed, remaining) }
func (r *recordingEvents) UnitJobFinished(done Job)           { r.finished = append(r.finished, done) }
func (r *recordingEvents) UnitJobFailed(failed Job, rem []Job) {
	r.failed = append(r.failed, failed)
	r.remaining = append(r.remaining, rem)
}

func TestSequencerHappyPathFIFO(t *testing.T) {
	d := &fakeDispatcher{}
	ev := &recordingEvents{}
	s := New(d, ev)

	jobs := []Job{
		{Unit: "user@100000.service", Kind: Stop, Replace: true},
		{Unit: "autologin@100000.service", Kind: Stop, Replace: true},
		{Unit: "autologin@100001.service", Kind: Start, Replace: true},
		{Unit: "user@100001.service", Kind: Start, Replace: false},
	}
	s.Enqueue(jobs)
	require.True(t, s.Busy())
	require.Equal(t, []bool{true}, ev.busy)

	for i, job := range jobs {
		require.Equal(t, job, d.calls[i])
		d.replyCh <- DispatchResult{JobID: "/job/1"}
		reply := <-s.PendingReply()
		s.OnDispatchReply(reply)
		s.HandleJobRemoved(JobRemoved{ID: "/job/1", Unit: job.Unit, Result: "done"})
	}

	require.Equal(t, jobs, ev.finished)
	require.False(t, s.Busy())
	require.Equal(t, []bool{true, false}, ev.busy)
}

func TestSequencerDispatchFailureReturnsWholeQueue(t *testing.T) {
	d := &fakeDispatcher{}
	ev := &recordingEvents{}
	s := New(d, ev)

	jobs := []Job{
		{Unit: "a.service", Kind: Start, Replace: true},
		{Unit: "b.service", Kind: Start, Replace: true},
	}
	s.Enqueue(jobs)
	s.OnDispatchReply(DispatchResult{Err: context.DeadlineExceeded})

	require.Len(t, ev.creatingJobFailed, 1)
	require.Equal(t, jobs, ev.creatingJobFailed[0])
	require.False(t, s.Busy())
}

func TestSequencerSkippedResultAbortsQueue(t *testing.T) {
	d := &fakeDispatcher{}
	ev := &recordingEvents{}
	s := New(d, ev)

	jobs := []Job{{Unit: "a.service", Kind: Start, Replace: true}}
	s.Enqueue(jobs)
	s.OnDispatchReply(DispatchResult{JobID: "/job/1"})
	s.HandleJobRemoved(JobRemoved{ID: "/job/1", Unit: "a.service", Result: "skipped"})

	require.Len(t, ev.creatingJobFailed, 1)
	require.Equal(t, jobs, ev.creatingJobFailed[0])
}

func TestSequencerOtherResultFailsHeadAndReturnsRemainder(t *testing.T) {
	d := &fakeDispatcher{}
	ev := &recordingEvents{}
	s := New(d, ev)

	jobs := []Job{
		{Unit: "a.service", Kind: Start, Replace: true},
		{Unit: "b.service", Kind: Start, Replace: true},
	}
	s.Enqueue(jobs)
	s.OnDispatchReply(DispatchResult{JobID: "/job/1"})
	s.HandleJobRemoved(JobRemoved{ID: "/job/1", Unit: "a.service", Result: "failed"})

	require.Equal(t, []Job{jobs[0]}, ev.failed)
	require.Equal(t, [][]Job{{jobs[1]}}, ev.remaining)
	require.False(t, s.Busy())
}

func TestSequencerIgnoresJobRemovedForUnknownID(t *testing.T) {
	d := &fakeDispatcher{}
	ev := &recordingEvents{}
	s := New(d, ev)

	s.Enqueue([]Job{{Unit: "a.service", Kind: Start, Replace: true}})
	s.OnDispatchReply(DispatchResult{JobID: "/job/1"})
	s.HandleJobRemoved(JobRemoved{ID: "/job/999", Unit: "other.service", Result: "done"})

	require.Empty(t, ev.finished)
	require.True(t, s.Busy())
}
