// Package poller watches one episode's status until it reaches a terminal
// state, polling fast at first and backing off to a slow cadence.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"podcast-pipeline/internal/models"
)

// Poll cadence: fast for the first minute, then slow until terminal.
const (
	FastInterval = 5 * time.Second
	SlowInterval = 30 * time.Second
	FastWindow   = 60 * time.Second
)

// State is the poller's position in its lifecycle.
type State int

const (
	StateFast State = iota
	StateSlow
	StateTerminal
	StateStopped
)

// Status is one fetched episode status.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StatusClient fetches an episode's current status.
type StatusClient interface {
	EpisodeStatus(ctx context.Context, episodeID string) (Status, error)
}

// Notifier receives the one-time terminal notification.
type Notifier interface {
	EpisodeCompleted(episodeID, message string)
	EpisodeFailed(episodeID, message string)
}

// Poller is a single-session, timer-driven status watcher. One authoritative
// timer is owned by the current state; every transition goes through tick,
// statusChanged, or Stop under the mutex, so a stale timer can never fire
// into a finished session. Polling is sequential: the next tick is scheduled
// only after the previous fetch returns.
type Poller struct {
	episodeID      string
	client         StatusClient
	notifier       Notifier
	clock          Clock
	requestTimeout time.Duration
	log            *zap.Logger

	mu         sync.Mutex
	state      State
	lastStatus string
	timer      Timer
	switchAt   time.Time
	done       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a poller for one episode. clock may be nil for wall-clock
// timers.
func New(episodeID, initialStatus string, client StatusClient, notifier Notifier, clock Clock, requestTimeout time.Duration, log *zap.Logger) *Poller {
	if clock == nil {
		clock = realClock{}
	}
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	return &Poller{
		episodeID:      episodeID,
		client:         client,
		notifier:       notifier,
		clock:          clock,
		requestTimeout: requestTimeout,
		log:            log,
		lastStatus:     initialStatus,
		done:           make(chan struct{}),
	}
}

// Start begins polling. If the initial status is already terminal the poller
// goes straight to Terminal and never issues a network call.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateStopped || p.state == StateTerminal || p.ctx != nil {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	if models.IsTerminal(p.lastStatus) {
		p.state = StateTerminal
		close(p.done)
		return
	}

	p.state = StateFast
	p.switchAt = p.clock.Now().Add(FastWindow)
	p.timer = p.clock.AfterFunc(FastInterval, p.tick)
}

// Stop cancels the session. Any in-flight fetch result is discarded. Safe to
// call more than once.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateStopped {
		return
	}
	wasTerminal := p.state == StateTerminal
	p.state = StateStopped
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	if !wasTerminal {
		close(p.done)
	}
}

// Done is closed when the poller reaches a terminal state or is stopped.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// LastStatus returns the most recently observed status.
func (p *Poller) LastStatus() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastStatus
}

// CurrentState returns the poller's lifecycle state.
func (p *Poller) CurrentState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// tick runs one poll cycle: fetch, apply, reschedule.
func (p *Poller) tick() {
	p.mu.Lock()
	if p.state != StateFast && p.state != StateSlow {
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	p.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	st, err := p.client.EpisodeStatus(fetchCtx, p.episodeID)
	cancel()

	p.mu.Lock()
	// The session may have been stopped while the fetch was in flight; the
	// result must not be applied.
	if p.state != StateFast && p.state != StateSlow {
		p.mu.Unlock()
		return
	}

	if err != nil {
		// Transient fetch errors are logged and swallowed; polling continues.
		p.log.Debug("status poll failed",
			zap.String("episode_id", p.episodeID),
			zap.Error(err))
		p.scheduleNext()
		p.mu.Unlock()
		return
	}

	terminal := false
	if st.Status != p.lastStatus {
		p.lastStatus = st.Status
		if models.IsTerminal(st.Status) {
			p.state = StateTerminal
			p.timer = nil
			close(p.done)
			terminal = true
		}
	}
	if !terminal {
		p.scheduleNext()
	}
	p.mu.Unlock()

	// Notify outside the mutex so a notifier may call back into the poller.
	if terminal {
		p.notify(st)
	}
}

// scheduleNext arms the single timer, demoting fast polling to slow once the
// fast window has elapsed. Caller must hold the mutex.
func (p *Poller) scheduleNext() {
	if p.state == StateFast && !p.clock.Now().Before(p.switchAt) {
		p.state = StateSlow
		p.log.Debug("switching to slow polling", zap.String("episode_id", p.episodeID))
	}
	interval := FastInterval
	if p.state == StateSlow {
		interval = SlowInterval
	}
	p.timer = p.clock.AfterFunc(interval, p.tick)
}

func (p *Poller) notify(st Status) {
	if p.notifier == nil {
		return
	}
	if models.IsFailure(st.Status) {
		msg := st.Message
		if msg == "" {
			msg = "Episode generation failed"
		}
		p.notifier.EpisodeFailed(p.episodeID, msg)
		return
	}
	msg := st.Message
	if msg == "" {
		msg = "Your episode is ready"
	}
	p.notifier.EpisodeCompleted(p.episodeID, msg)
}
