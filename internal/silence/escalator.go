// Package silence tracks per-room user inactivity and escalates it
// through a timed ladder (short, medium, long) that nudges the agent to
// speak proactively.
//
// Rules:
//   - the clock starts when the user stops speaking
//   - the agent going busy (thinking/speaking) pauses the ladder
//   - the agent going quiet again resumes it; if the agent spoke because
//     of a proactive nudge, the silence clock and already-fired levels
//     carry over, so a level that came due while the agent spoke fires
//     immediately and the escalation continues instead of restarting
//   - the user starting to speak cancels everything; stopping resets the
//     ladder completely
//   - long repeats every cycle for as long as the silence lasts
//   - in game mode the short level is suppressed: thinking pauses are
//     part of playing
package silence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxalabs/voxroom/internal/domain"
)

// Config holds the ladder delays. Zero values fall back to defaults.
type Config struct {
	ShortDelay  time.Duration
	MediumDelay time.Duration
	LongDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ShortDelay <= 0 {
		c.ShortDelay = 5 * time.Second
	}
	if c.MediumDelay <= 0 {
		c.MediumDelay = 15 * time.Second
	}
	if c.LongDelay <= 0 {
		c.LongDelay = 30 * time.Second
	}
	return c
}

// Event describes one fired silence level.
type Event struct {
	RoomID     string
	InstanceID string
	AgentID    string
	Level      domain.SilenceLevel
	Scene      domain.SceneType
	GameType   domain.GameType
}

// Notifier receives fired events. It is called on its own goroutine and
// may block.
type Notifier func(Event)

// roomState is the ladder state of one room. The generation counter
// invalidates in-flight timer callbacks: every state change bumps it,
// and a callback whose generation is stale does nothing.
type roomState struct {
	mu sync.Mutex

	roomID     string
	instanceID string
	agentID    string

	active      bool
	agentStatus domain.AgentStatus
	gameType    domain.GameType
	proactive   bool

	gen          uint64
	timers       []*time.Timer
	triggered    map[domain.SilenceLevel]bool
	silenceStart time.Time
}

// Escalator manages the silence ladder for every active room.
type Escalator struct {
	cfg    Config
	notify Notifier
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*roomState
}

// NewEscalator creates an escalator. notify must be non-nil.
func NewEscalator(cfg Config, notify Notifier, logger *slog.Logger) *Escalator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalator{
		cfg:    cfg.withDefaults(),
		notify: notify,
		logger: logger,
		rooms:  make(map[string]*roomState),
	}
}

// StartRoom begins tracking a room. The ladder starts immediately: a
// user who joins and says nothing gets nudged too. Re-announcing a room
// that is already tracked cancels its pending timers first, so a room
// never carries more than one armed ladder.
func (e *Escalator) StartRoom(roomID, instanceID, agentID string) {
	e.mu.Lock()
	r, ok := e.rooms[roomID]
	if !ok {
		r = &roomState{
			roomID:    roomID,
			triggered: make(map[domain.SilenceLevel]bool),
		}
		e.rooms[roomID] = r
	}
	e.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.instanceID = instanceID
	r.agentID = agentID
	r.active = true
	r.agentStatus = domain.AgentIdle
	r.proactive = false
	e.cancelLocked(r)
	e.resetLocked(r)
	e.scheduleLocked(r)
}

// StopRoom cancels the room's ladder and forgets its state.
func (e *Escalator) StopRoom(roomID string) {
	e.mu.Lock()
	r, ok := e.rooms[roomID]
	if ok {
		delete(e.rooms, roomID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	e.cancelLocked(r)
}

// Close stops every room.
func (e *Escalator) Close() {
	e.mu.Lock()
	rooms := make([]*roomState, 0, len(e.rooms))
	for _, r := range e.rooms {
		rooms = append(rooms, r)
	}
	e.rooms = make(map[string]*roomState)
	e.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		r.active = false
		e.cancelLocked(r)
		r.mu.Unlock()
	}
}

// UserSpeakStart cancels the ladder: the user is talking. It also
// breaks any proactive chain so the next resume starts fresh.
func (e *Escalator) UserSpeakStart(roomID string) {
	r := e.room(roomID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e.cancelLocked(r)
	r.proactive = false
}

// UserSpeakStop fully resets the ladder and starts it from zero.
func (e *Escalator) UserSpeakStop(roomID string) {
	r := e.room(roomID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e.cancelLocked(r)
	e.resetLocked(r)
	e.scheduleLocked(r)
}

// AgentStatus feeds the agent's reported status into the ladder. Busy
// states pause it; quiet states resume it. Repeated reports of the same
// status are ignored so platform event spam cannot keep resetting the
// clock.
func (e *Escalator) AgentStatus(roomID string, status domain.AgentStatus) {
	r := e.room(roomID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if status == r.agentStatus {
		return
	}
	r.agentStatus = status

	if status.Busy() {
		e.cancelLocked(r)
		return
	}

	// A resume after a proactive nudge keeps the clock and fired levels
	// so the ladder escalates, firing any level that came due while the
	// agent spoke; a resume after a normal reply starts over.
	preserve := r.proactive
	r.proactive = false
	e.cancelLocked(r)
	if !preserve {
		e.resetLocked(r)
	}
	e.scheduleLocked(r)
}

// SetGameMode switches the room's scene. A non-empty game type
// suppresses the short level from the next scheduling cycle on.
func (e *Escalator) SetGameMode(roomID string, gameType domain.GameType) {
	r := e.room(roomID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gameType = gameType
}

func (e *Escalator) room(roomID string) *roomState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rooms[roomID]
}

// cancelLocked stops all pending timers and invalidates their callbacks.
func (e *Escalator) cancelLocked(r *roomState) {
	r.gen++
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
}

// resetLocked restarts the silence clock and clears which levels have
// fired.
func (e *Escalator) resetLocked(r *roomState) {
	r.silenceStart = time.Now()
	r.triggered = make(map[domain.SilenceLevel]bool)
}

// scheduleLocked arms one timer per pending level.
func (e *Escalator) scheduleLocked(r *roomState) {
	if !r.active || r.agentStatus.Busy() {
		return
	}

	elapsed := time.Since(r.silenceStart)
	gen := r.gen

	ladder := []struct {
		delay time.Duration
		level domain.SilenceLevel
	}{
		{e.cfg.ShortDelay, domain.SilenceShort},
		{e.cfg.MediumDelay, domain.SilenceMedium},
		{e.cfg.LongDelay, domain.SilenceLong},
	}

	for _, step := range ladder {
		if r.gameType != "" && step.level == domain.SilenceShort {
			continue
		}
		if step.level != domain.SilenceLong && r.triggered[step.level] {
			continue
		}

		remaining := step.delay - elapsed
		if remaining <= 0 && step.level != domain.SilenceLong {
			// already overdue: fire once, inline
			r.triggered[step.level] = true
			e.dispatchLocked(r, step.level)
			continue
		}
		if remaining < 0 {
			remaining = 0
		}

		level := step.level
		timer := time.AfterFunc(remaining, func() {
			e.fire(r, gen, level)
		})
		r.timers = append(r.timers, timer)
	}
}

// fire runs in a timer goroutine. It re-validates the generation and
// the agent status before emitting: a nudge must never race a reply
// that is already underway.
func (e *Escalator) fire(r *roomState, gen uint64, level domain.SilenceLevel) {
	r.mu.Lock()
	if gen != r.gen || !r.active {
		r.mu.Unlock()
		return
	}
	if r.agentStatus.Busy() {
		e.logger.Debug("silence level aborted, agent busy", "room_id", r.roomID, "level", level)
		r.mu.Unlock()
		return
	}

	if level != domain.SilenceLong {
		if r.triggered[level] {
			r.mu.Unlock()
			return
		}
		r.triggered[level] = true
	}
	e.dispatchLocked(r, level)

	if level == domain.SilenceLong {
		// long loops: restart the whole cycle
		e.cancelLocked(r)
		e.resetLocked(r)
		e.scheduleLocked(r)
	}
	r.mu.Unlock()
}

// dispatchLocked emits the event on its own goroutine so a slow
// notifier never blocks the ladder.
func (e *Escalator) dispatchLocked(r *roomState, level domain.SilenceLevel) {
	r.proactive = true

	scene := domain.SceneChat
	if r.gameType != "" {
		scene = domain.SceneGame
	}
	ev := Event{
		RoomID:     r.roomID,
		InstanceID: r.instanceID,
		AgentID:    r.agentID,
		Level:      level,
		Scene:      scene,
		GameType:   r.gameType,
	}

	e.logger.Debug("silence level fired", "room_id", r.roomID, "level", level, "scene", scene)
	go e.notify(ev)
}
