package store

import (
	"context"
	"errors"
	"time"

	"github.com/guido-cesarano/captchad/pkg/captcha"
	"github.com/guido-cesarano/captchad/pkg/logger"
)

const saveTimeout = 2 * time.Second

// Mirror is a captcha plugin that copies every offered task into Redis. It
// never claims a task, so on its own it does not make a task servable.
type Mirror struct {
	client *Client
}

func NewMirror(client *Client) *Mirror {
	return &Mirror{client: client}
}

func (m *Mirror) Name() string { return "redis-mirror" }

// NewCaptchaTask mirrors the task as soon as it is dispatched.
func (m *Mirror) NewCaptchaTask(task *captcha.Task) error {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	return m.client.Save(ctx, task.Snapshot())
}

// Sync rewrites the snapshot of every live task, stores answers that have
// arrived, and deletes mirrored tasks that are no longer registered.
func (m *Mirror) Sync(ctx context.Context, tasks []*captcha.Task) error {
	live := make(map[string]struct{}, len(tasks))
	var errs []error

	for _, task := range tasks {
		snap := task.Snapshot()
		live[snap.ID] = struct{}{}

		if err := m.client.Save(ctx, snap); err != nil {
			errs = append(errs, err)
			continue
		}
		if snap.Result != nil {
			if err := m.client.RecordAnswer(ctx, snap.ID, snap.Result); err != nil {
				errs = append(errs, err)
			}
		}
	}

	mirrored, err := m.client.Mirrored(ctx)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	removed := 0
	for _, id := range mirrored {
		if _, ok := live[id]; ok {
			continue
		}
		if err := m.client.Remove(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	logger.Log.Debug().Int("live", len(live)).Int("removed", removed).Msg("Captcha mirror synced")
	return errors.Join(errs...)
}
