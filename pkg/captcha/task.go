// Package captcha coordinates the resolution of CAPTCHA challenges raised by
// download plugins. A plugin creates a Task through the Manager, hands it to
// HandleCaptcha, and waits until an automated solver or a connected operator
// answers it or its deadline passes.
package captcha

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/guido-cesarano/captchad/pkg/logger"
	"github.com/looplab/fsm"
)

// ResultType governs how the raw answer text of a task is parsed.
type ResultType string

const (
	// Textual answers are transcriptions of the challenge image.
	Textual ResultType = "textual"
	// Positional answers are "x,y" click coordinates on the image.
	Positional ResultType = "positional"
)

// Status is the lifecycle state of a task.
// Resolution is not a status: it is derived from result, error and deadline.
type Status string

const (
	StatusInit       Status = "init"
	StatusWaiting    Status = "waiting"
	StatusUser       Status = "user"
	StatusSharedUser Status = "shared-user"
)

const (
	eventWait   = "wait"
	eventAssign = "assign"
	eventShare  = "share"
)

var allStatuses = []string{
	string(StatusInit),
	string(StatusWaiting),
	string(StatusUser),
	string(StatusSharedUser),
}

// Position is the answer to a positional challenge.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Task is one outstanding challenge and its resolution state.
// All methods are safe for concurrent use.
type Task struct {
	id         string
	image      []byte
	format     string
	file       string
	resultType ResultType
	createdAt  time.Time
	now        func() time.Time

	mu        sync.RWMutex
	machine   *fsm.FSM
	handlers  []Handler
	result    any
	hasResult bool
	err       string
	waitUntil time.Time
	data      map[string]any
}

func newTask(id string, image []byte, format, file string, resultType ResultType, now func() time.Time) *Task {
	if resultType == "" {
		resultType = Textual
	}
	return &Task{
		id:         id,
		image:      image,
		format:     format,
		file:       file,
		resultType: resultType,
		createdAt:  now(),
		now:        now,
		data:       make(map[string]any),
		machine: fsm.NewFSM(
			string(StatusInit),
			fsm.Events{
				{Name: eventWait, Src: allStatuses, Dst: string(StatusWaiting)},
				{Name: eventAssign, Src: allStatuses, Dst: string(StatusUser)},
				{Name: eventShare, Src: allStatuses, Dst: string(StatusSharedUser)},
			},
			fsm.Callbacks{},
		),
	}
}

func (t *Task) ID() string { return t.id }

// Captcha returns the challenge payload, its encoding and the expected answer shape.
func (t *Task) Captcha() ([]byte, string, ResultType) {
	return t.image, t.format, t.resultType
}

// File identifies the download blocked by this challenge.
func (t *Task) File() string { return t.file }

func (t *Task) ResultType() ResultType { return t.resultType }

func (t *Task) IsTextual() bool { return t.resultType == Textual }

func (t *Task) IsPositional() bool { return t.resultType == Positional }

func (t *Task) CreatedAt() time.Time { return t.createdAt }

func (t *Task) Status() Status {
	return Status(t.machine.Current())
}

func (t *Task) fire(event string) {
	err := t.machine.Event(context.Background(), event)
	var noop fsm.NoTransitionError
	if err != nil && !errors.As(err, &noop) {
		logger.Log.Warn().Err(err).Str("task_id", t.id).Str("event", event).Msg("Captcha status transition rejected")
	}
}

// SetWaiting moves the task to waiting and makes sure it waits at least d from now.
// An already later deadline is kept. A resolved task keeps its deadline so
// that it cannot start waiting again.
func (t *Task) SetWaiting(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.resolvedLocked() || t.waitUntil.IsZero() {
		until := t.now().Add(d)
		if until.After(t.waitUntil) {
			t.waitUntil = until
		}
	}
	t.fire(eventWait)
}

// SetWaitingForUser hands the task to operators. An exclusive task is bound
// to one session, a shared one goes to whichever operator answers first.
func (t *Task) SetWaitingForUser(exclusive bool) {
	if exclusive {
		t.fire(eventAssign)
		return
	}
	t.fire(eventShare)
}

// WaitUntil returns the deadline, zero if none was ever set.
func (t *Task) WaitUntil() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.waitUntil
}

// SetResult stores an answer parsed according to the result type.
// A malformed positional answer clears the result instead of failing.
func (t *Task) SetResult(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setResultLocked(text)
}

// Answer is SetResult for operators: it only accepts an answer while the
// task is waiting, so the first answer to a shared task wins.
func (t *Task) Answer(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.resolvedLocked() {
		return ErrNotWaiting
	}
	t.setResultLocked(text)
	if !t.hasResult {
		return ErrMalformedAnswer
	}
	return nil
}

func (t *Task) setResultLocked(text string) {
	switch t.resultType {
	case Positional:
		pos, ok := parsePosition(text)
		if !ok {
			t.result, t.hasResult = nil, false
			return
		}
		t.result, t.hasResult = pos, true
	default:
		t.result, t.hasResult = text, true
	}
}

func parsePosition(text string) (Position, bool) {
	parts := strings.Split(text, ",")
	if len(parts) != 2 {
		return Position{}, false
	}
	x, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Position{}, false
	}
	y, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Position{}, false
	}
	return Position{X: x, Y: y}, true
}

// Result returns the stored answer: a string for textual tasks, a Position
// for positional ones. Textual answers that are not valid UTF-8 are returned
// as raw bytes, unmodified.
func (t *Task) Result() (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.hasResult {
		return nil, false
	}
	return t.result, true
}

// TextResult is Result for textual tasks.
func (t *Task) TextResult() (string, bool) {
	res, ok := t.Result()
	if !ok {
		return "", false
	}
	s, ok := res.(string)
	return s, ok
}

// PositionResult is Result for positional tasks.
func (t *Task) PositionResult() (Position, bool) {
	res, ok := t.Result()
	if !ok {
		return Position{}, false
	}
	p, ok := res.(Position)
	return p, ok
}

// SetError marks the task as unservable.
func (t *Task) SetError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = msg
}

func (t *Task) Error() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// TimedOut reports whether the deadline has passed.
// A task that never received a deadline counts as timed out.
func (t *Task) TimedOut() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.timedOutLocked()
}

func (t *Task) timedOutLocked() bool {
	return t.now().After(t.waitUntil)
}

// IsWaiting reports whether the task still needs an answer.
func (t *Task) IsWaiting() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.resolvedLocked()
}

func (t *Task) resolvedLocked() bool {
	return t.hasResult || t.err != "" || t.timedOutLocked()
}

// AddHandler records h as owner of the task. Solvers call it from NewCaptchaTask.
func (t *Task) AddHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

func (t *Task) Handlers() []Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Handler, len(t.handlers))
	copy(out, t.handlers)
	return out
}

// Data returns a value stored by a handler.
func (t *Task) Data(key string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.data[key]
	return v, ok
}

func (t *Task) SetData(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[key] = value
}

// Invalid tells every handler the submitted answer was rejected.
func (t *Task) Invalid() {
	t.notify(feedbackInvalid, func(h Handler) error { return h.CaptchaInvalid(t) })
}

// Correct tells every handler the submitted answer was accepted.
func (t *Task) Correct() {
	t.notify(feedbackCorrect, func(h Handler) error { return h.CaptchaCorrect(t) })
}

func (t *Task) notify(kind string, call func(Handler) error) {
	feedbackTotal.WithLabelValues(kind).Inc()
	for _, h := range t.Handlers() {
		if err := safeCall(func() error { return call(h) }); err != nil {
			handlerFailures.WithLabelValues(kind).Inc()
			logger.Log.Error().Err(err).
				Str("task_id", t.id).
				Str("plugin", pluginName(h)).
				Str("feedback", kind).
				Msg("Captcha handler failed")
		}
	}
}

func (t *Task) String() string {
	return "<CaptchaTask '" + t.id + "'>"
}

// Snapshot is a point-in-time copy of a task, safe to serialize.
type Snapshot struct {
	ID         string     `json:"id"`
	Format     string     `json:"format"`
	File       string     `json:"file"`
	ResultType ResultType `json:"result_type"`
	Status     Status     `json:"status"`
	Waiting    bool       `json:"waiting"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	WaitUntil  time.Time  `json:"wait_until"`
	Handlers   int        `json:"handlers"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (t *Task) Snapshot() Snapshot {
	res, _ := t.Result()
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		ID:         t.id,
		Format:     t.format,
		File:       t.file,
		ResultType: t.resultType,
		Status:     t.Status(),
		Waiting:    !t.resolvedLocked(),
		Result:     res,
		Error:      t.err,
		WaitUntil:  t.waitUntil,
		Handlers:   len(t.handlers),
		CreatedAt:  t.createdAt,
	}
}
