package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock drives AfterFunc timers deterministically. Advance fires due
// callbacks synchronously, in order, so each tick's rescheduling is observed
// before the next fires.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return !t.fired
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.when.After(target) {
				continue
			}
			if next == nil || t.when.Before(next.when) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.when.After(c.now) {
			c.now = next.when
		}
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

type fakeStatusClient struct {
	mu       sync.Mutex
	statuses []Status
	err      error
	calls    int
	onCall   func(n int)
}

func (f *fakeStatusClient) EpisodeStatus(ctx context.Context, episodeID string) (Status, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	var st Status
	if len(f.statuses) > 0 {
		idx := n - 1
		if idx >= len(f.statuses) {
			idx = len(f.statuses) - 1
		}
		st = f.statuses[idx]
	}
	err := f.err
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return st, err
}

func (f *fakeStatusClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (r *recordingNotifier) EpisodeCompleted(episodeID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, message)
}

func (r *recordingNotifier) EpisodeFailed(episodeID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, message)
}

func TestInitialTerminalStatusPollsNothing(t *testing.T) {
	clock := newFakeClock()
	client := &fakeStatusClient{}
	notifier := &recordingNotifier{}
	p := New("ep-1", "completed", client, notifier, clock, time.Second, zap.NewNop())

	p.Start(context.Background())
	require.Equal(t, StateTerminal, p.CurrentState())

	clock.Advance(10 * time.Minute)
	require.Zero(t, client.callCount(), "a terminal initial status must not trigger network calls")

	select {
	case <-p.Done():
	default:
		t.Fatal("done channel should be closed")
	}
	require.Empty(t, notifier.completed)
	require.Empty(t, notifier.failed)
}

func TestFastToSlowCadenceSwitch(t *testing.T) {
	clock := newFakeClock()
	client := &fakeStatusClient{statuses: []Status{{Status: "processing"}}}
	p := New("ep-1", "pending", client, &recordingNotifier{}, clock, time.Second, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	// 12 fast ticks in the first 60 seconds.
	clock.Advance(61 * time.Second)
	require.Equal(t, 12, client.callCount())
	require.Equal(t, StateSlow, p.CurrentState())

	// No tick fires before 30 more seconds elapse.
	clock.Advance(28 * time.Second)
	require.Equal(t, 12, client.callCount())

	clock.Advance(1 * time.Second)
	require.Equal(t, 13, client.callCount())
}

func TestTerminalTransitionNotifiesOnceAndStopsPolling(t *testing.T) {
	clock := newFakeClock()
	client := &fakeStatusClient{statuses: []Status{
		{Status: "processing"},
		{Status: "processing"},
		{Status: "completed"},
	}}
	notifier := &recordingNotifier{}
	p := New("ep-1", "pending", client, notifier, clock, time.Second, zap.NewNop())
	p.Start(context.Background())

	clock.Advance(15 * time.Second)
	require.Equal(t, 3, client.callCount())
	require.Equal(t, StateTerminal, p.CurrentState())
	require.Equal(t, []string{"Your episode is ready"}, notifier.completed)

	clock.Advance(5 * time.Minute)
	require.Equal(t, 3, client.callCount(), "polling must stop at terminal")
	require.Len(t, notifier.completed, 1, "notification is one-time")
}

func TestFailureNotificationUsesServerMessage(t *testing.T) {
	clock := newFakeClock()
	client := &fakeStatusClient{statuses: []Status{
		{Status: "failed", Message: "audio synthesis crashed"},
	}}
	notifier := &recordingNotifier{}
	p := New("ep-1", "processing", client, notifier, clock, time.Second, zap.NewNop())
	p.Start(context.Background())

	clock.Advance(5 * time.Second)
	require.Equal(t, []string{"audio synthesis crashed"}, notifier.failed)
	require.Empty(t, notifier.completed)
}

func TestFailureNotificationFallbackMessage(t *testing.T) {
	clock := newFakeClock()
	client := &fakeStatusClient{statuses: []Status{{Status: "error"}}}
	notifier := &recordingNotifier{}
	p := New("ep-1", "processing", client, notifier, clock, time.Second, zap.NewNop())
	p.Start(context.Background())

	clock.Advance(5 * time.Second)
	require.Equal(t, []string{"Episode generation failed"}, notifier.failed)
}

func TestTransientErrorsAreSwallowed(t *testing.T) {
	clock := newFakeClock()
	client := &fakeStatusClient{err: errors.New("connection reset")}
	p := New("ep-1", "pending", client, &recordingNotifier{}, clock, time.Second, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	clock.Advance(20 * time.Second)
	require.Equal(t, 4, client.callCount(), "polling continues through fetch errors")
	require.Equal(t, StateFast, p.CurrentState())
	require.Equal(t, "pending", p.LastStatus(), "an error never counts as a status change")
}

func TestStopCancelsPendingTimers(t *testing.T) {
	clock := newFakeClock()
	client := &fakeStatusClient{statuses: []Status{{Status: "processing"}}}
	p := New("ep-1", "pending", client, &recordingNotifier{}, clock, time.Second, zap.NewNop())
	p.Start(context.Background())

	clock.Advance(10 * time.Second)
	require.Equal(t, 2, client.callCount())

	p.Stop()
	clock.Advance(5 * time.Minute)
	require.Equal(t, 2, client.callCount(), "no ticks after Stop")
	require.Equal(t, StateStopped, p.CurrentState())
}

func TestResultArrivingAfterStopIsDiscarded(t *testing.T) {
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	client := &fakeStatusClient{statuses: []Status{{Status: "completed"}}}
	var p *Poller
	// Stop the session while the fetch is "in flight": the hook runs between
	// the request being issued and its result being applied.
	client.onCall = func(n int) { p.Stop() }
	p = New("ep-1", "pending", client, notifier, clock, time.Second, zap.NewNop())
	p.Start(context.Background())

	clock.Advance(5 * time.Second)
	require.Equal(t, StateStopped, p.CurrentState())
	require.Equal(t, "pending", p.LastStatus(), "a late result must never be applied")
	require.Empty(t, notifier.completed)
	require.Empty(t, notifier.failed)
}

// reentrantNotifier calls back into its poller from the notification
// callback, the way a UI layer reading final state on delivery would.
type reentrantNotifier struct {
	p *Poller

	mu         sync.Mutex
	seenStatus string
	messages   []string
}

func (r *reentrantNotifier) EpisodeCompleted(episodeID, message string) {
	status := r.p.LastStatus()
	r.p.Stop()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seenStatus = status
	r.messages = append(r.messages, message)
}

func (r *reentrantNotifier) EpisodeFailed(episodeID, message string) {
	r.EpisodeCompleted(episodeID, message)
}

func TestNotifierMayCallBackIntoPoller(t *testing.T) {
	clock := newFakeClock()
	client := &fakeStatusClient{statuses: []Status{{Status: "completed"}}}
	notifier := &reentrantNotifier{}
	p := New("ep-1", "processing", client, notifier, clock, time.Second, zap.NewNop())
	notifier.p = p
	p.Start(context.Background())

	finished := make(chan struct{})
	go func() {
		clock.Advance(5 * time.Second)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not return; notifier callback blocked on the poller")
	}

	require.Equal(t, []string{"Your episode is ready"}, notifier.messages)
	require.Equal(t, "completed", notifier.seenStatus)
	require.Equal(t, StateStopped, p.CurrentState())

	select {
	case <-p.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestTerminalStatusIsCaseInsensitive(t *testing.T) {
	clock := newFakeClock()
	client := &fakeStatusClient{statuses: []Status{{Status: "Published"}}}
	notifier := &recordingNotifier{}
	p := New("ep-1", "processing", client, notifier, clock, time.Second, zap.NewNop())
	p.Start(context.Background())

	clock.Advance(5 * time.Second)
	require.Equal(t, StateTerminal, p.CurrentState())
	require.Len(t, notifier.completed, 1)
}
