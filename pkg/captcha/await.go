package captcha

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimedOut means the deadline passed without an answer.
	ErrTimedOut = errors.New("captcha timed out")
	// ErrNotWaiting rejects answers to tasks that are already resolved.
	ErrNotWaiting = errors.New("captcha is no longer waiting")
	// ErrMalformedAnswer rejects positional answers that are not "x,y".
	ErrMalformedAnswer = errors.New("malformed captcha answer")
)

// TaskError carries the error message set on an unservable task.
type TaskError struct {
	TaskID  string
	Message string
}

func (e *TaskError) Error() string {
	return "captcha " + e.TaskID + ": " + e.Message
}

// Await polls task every interval until it stops waiting, then returns its
// result. It does not remove the task from the manager.
func Await(ctx context.Context, task *Task, interval time.Duration) (any, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for task.IsWaiting() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	if res, ok := task.Result(); ok {
		return res, nil
	}
	if msg := task.Error(); msg != "" {
		return nil, &TaskError{TaskID: task.ID(), Message: msg}
	}
	return nil, ErrTimedOut
}
