package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nconklindev/sheetsplit/internal/splitter"
	"github.com/nconklindev/sheetsplit/internal/types"
)

type State string

const (
	StateIdle      State = "idle"
	StateReading   State = "reading"
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StatePackaging State = "packaging"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskBusy          = errors.New("task is not in a state that allows this")
)

var transitions = map[State][]State{
	StateIdle:      {StateReading},
	StateReading:   {StatePlanning, StateFailed, StateCancelled},
	StatePlanning:  {StateExecuting, StateFailed, StateCancelled},
	StateExecuting: {StatePackaging, StateFailed, StateCancelled},
	StatePackaging: {StateDone, StateFailed},
}

// Terminal reports whether no further transition can leave s during a run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// Active reports whether a run is in progress.
func (s State) Active() bool {
	return s != StateIdle && !s.Terminal()
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Stage percent bands. Each stage reports within [start, end].
var bands = map[State][2]int{
	StateReading:   {0, 10},
	StatePlanning:  {10, 20},
	StateExecuting: {20, 90},
	StatePackaging: {90, 100},
	StateDone:      {100, 100},
}

// Event is a progress notification for subscribers.
type Event struct {
	TaskID  string    `json:"taskId"`
	Stage   State     `json:"stage"`
	Percent int       `json:"percent"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Snapshot is a point-in-time copy of a task.
type Snapshot struct {
	ID         string            `json:"id"`
	FileName   string            `json:"fileName"`
	State      State             `json:"state"`
	Percent    int               `json:"percent"`
	Message    string            `json:"message,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	ErrorKind  string            `json:"errorKind,omitempty"`
	Sheets     []types.SheetInfo `json:"sheets,omitempty"`
	Result     *types.TaskResult `json:"result,omitempty"`
	ArchiveKey string            `json:"archiveKey,omitempty"`
	Confirmed  bool              `json:"confirmed"`
	CreatedAt  time.Time         `json:"createdAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
}

const subscriberBuffer = 64

// Task is one upload and the split run over it. All artifacts live under
// Dir.
type Task struct {
	ID        string
	FileName  string
	Dir       string
	Source    string
	CreatedAt time.Time
	ExpiresAt time.Time

	mu         sync.Mutex
	state      State
	percent    int
	message    string
	reason     string
	errKind    error
	sheets     []types.SheetInfo
	result     *types.TaskResult
	archiveKey string
	confirmed  bool
	cancel     context.CancelFunc
	subs       []chan Event
	onChange   func(Snapshot)
	clock      func() time.Time
}

func newTask(id, fileName, dir, source string, created time.Time) *Task {
	return &Task{
		ID:        id,
		FileName:  fileName,
		Dir:       dir,
		Source:    source,
		CreatedAt: created,
		state:     StateIdle,
		clock:     time.Now,
	}
}

// NewTask creates a standalone idle task, for runs outside a Manager.
func NewTask(id, fileName, dir, source string) *Task {
	return newTask(id, fileName, dir, source, time.Now().UTC())
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Task) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:         t.ID,
		FileName:   t.FileName,
		State:      t.state,
		Percent:    t.percent,
		Message:    t.message,
		Reason:     t.reason,
		Sheets:     t.sheets,
		Result:     t.result,
		ArchiveKey: t.archiveKey,
		Confirmed:  t.confirmed,
		CreatedAt:  t.CreatedAt,
		ExpiresAt:  t.ExpiresAt,
	}
	if t.errKind != nil {
		s.ErrorKind = t.errKind.Error()
	}
	return s
}

// Subscribe returns a channel of progress events. Sends never block the
// task: when the buffer is full the event is dropped. The channel is closed
// when the task reaches a terminal state, or by the returned func.
func (t *Task) Subscribe() (<-chan Event, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	ch <- t.eventLocked()
	if t.state.Terminal() {
		close(ch)
		return ch, func() {}
	}
	t.subs = append(t.subs, ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if i := slices.Index(t.subs, ch); i >= 0 {
				t.subs = slices.Delete(t.subs, i, i+1)
				close(ch)
			}
		})
	}
}

func (t *Task) eventLocked() Event {
	msg := t.message
	if t.state == StateFailed && t.reason != "" {
		msg = t.reason
	}
	return Event{
		TaskID:  t.ID,
		Stage:   t.state,
		Percent: t.percent,
		Message: msg,
		Time:    t.clock().UTC(),
	}
}

func (t *Task) publishLocked() {
	ev := t.eventLocked()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; it will catch up on the next event.
		}
	}
	if t.state.Terminal() {
		for _, ch := range t.subs {
			close(ch)
		}
		t.subs = nil
	}
}

// transition moves the task to state `to`. The percent jumps to the start
// of the new stage's band but never goes down.
func (t *Task) transition(to State, message string) error {
	return t.transitionCtx(context.Background(), to, message)
}

// transitionCtx is transition that refuses to move once ctx is done. Cancel
// fires the run's cancel func under t.mu, so a cancel it acknowledged is
// always seen here.
func (t *Task) transitionCtx(ctx context.Context, to State, message string) error {
	t.mu.Lock()
	if err := ctx.Err(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %w", splitter.ErrCancelled, err)
	}
	if err := t.moveLocked(to, message); err != nil {
		t.mu.Unlock()
		return err
	}
	snap, hook := t.snapshotLocked(), t.onChange
	t.mu.Unlock()

	if hook != nil {
		hook(snap)
	}
	return nil
}

func (t *Task) moveLocked(to State, message string) error {
	if !CanTransition(t.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.state, to)
	}
	t.state = to
	t.message = message
	if band, ok := bands[to]; ok {
		t.percent = max(t.percent, band[0])
	}
	t.publishLocked()
	return nil
}

func (t *Task) fail(err error, kind error) error {
	t.mu.Lock()
	t.reason = err.Error()
	t.errKind = kind
	t.mu.Unlock()
	return t.transition(StateFailed, "failed")
}

// progress reports fraction done (0..1) within the current stage's band.
func (t *Task) progress(fraction float64, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	band, ok := bands[t.state]
	if !ok {
		return
	}
	fraction = min(max(fraction, 0), 1)
	pct := band[0] + int(fraction*float64(band[1]-band[0]))
	if pct <= t.percent && message == t.message {
		return
	}
	t.percent = max(t.percent, pct)
	t.message = message
	t.publishLocked()
}

// begin claims an idle task for a run: it moves to Reading and keeps
// cancel for Cancel, all under one lock. A second begin gets ErrTaskBusy.
func (t *Task) begin(cancel context.CancelFunc) error {
	t.mu.Lock()
	if t.state != StateIdle {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: task is %s", ErrTaskBusy, state)
	}
	if err := t.moveLocked(StateReading, "opening workbook"); err != nil {
		t.mu.Unlock()
		return err
	}
	t.cancel = cancel
	snap, hook := t.snapshotLocked(), t.onChange
	t.mu.Unlock()

	if hook != nil {
		hook(snap)
	}
	return nil
}

// reset returns a failed or cancelled task to idle for a manual retry.
func (t *Task) reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateFailed && t.state != StateCancelled {
		return fmt.Errorf("%w: task is %s", ErrTaskBusy, t.state)
	}
	t.state = StateIdle
	t.percent = 0
	t.message = ""
	t.reason = ""
	t.errKind = nil
	t.result = nil
	t.archiveKey = ""
	t.cancel = nil
	return nil
}

// Cancel requests cancellation. Only reading, planning and executing can be
// cancelled; packaging always runs to completion.
func (t *Task) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !CanTransition(t.state, StateCancelled) {
		return fmt.Errorf("%w: cannot cancel a task that is %s", ErrTaskBusy, t.state)
	}
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

func (t *Task) setResult(result types.TaskResult, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = &result
	t.archiveKey = key
}

func (t *Task) setSheets(sheets []types.SheetInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sheets = sheets
}

func (t *Task) confirm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.confirmed = true
}

// Result returns the finished result, or nil before Done.
func (t *Task) Result() *types.TaskResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}
