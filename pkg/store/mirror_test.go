package store

import (
	"context"
	"testing"
	"time"

	"github.com/guido-cesarano/captchad/pkg/captcha"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type connected bool

func (c connected) IsClientConnected() bool { return bool(c) }

type plugins []captcha.Plugin

func (p plugins) ActivePlugins() []captcha.Plugin { return p }

func TestMirrorDoesNotClaim(t *testing.T) {
	s, client := setupTestRedis()
	defer s.Close()

	mirror := NewMirror(client)
	m := captcha.NewManager(connected(false), plugins{mirror})
	task := m.NewTask([]byte("img"), "png", "file", captcha.Textual)

	assert.False(t, m.HandleCaptcha(task, time.Minute))
	assert.Empty(t, task.Handlers())

	// the offer is still mirrored until the next sync
	_, err := client.Get(context.Background(), task.ID())
	require.NoError(t, err)
}

func TestMirrorSync(t *testing.T) {
	s, client := setupTestRedis()
	defer s.Close()
	ctx := context.Background()

	mirror := NewMirror(client)
	m := captcha.NewManager(connected(true), plugins{mirror})

	kept := m.NewTask(nil, "png", "kept", captcha.Textual)
	gone := m.NewTask(nil, "png", "gone", captcha.Textual)
	require.True(t, m.HandleCaptcha(kept, time.Minute))
	require.True(t, m.HandleCaptcha(gone, time.Minute))

	ids, err := client.Mirrored(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{kept.ID(), gone.ID()}, ids)

	kept.SetResult("abc")
	m.RemoveTask(gone)
	require.NoError(t, mirror.Sync(ctx, m.Tasks()))

	ids, err = client.Mirrored(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{kept.ID()}, ids)

	_, err = client.Get(ctx, gone.ID())
	assert.Equal(t, redis.Nil, err)

	snap, err := client.Get(ctx, kept.ID())
	require.NoError(t, err)
	assert.False(t, snap.Waiting)
	assert.Equal(t, "abc", snap.Result)

	answer, err := client.Answer(ctx, kept.ID())
	require.NoError(t, err)
	assert.JSONEq(t, `"abc"`, answer)
}

func TestMirrorSyncReportsRedisErrors(t *testing.T) {
	s, client := setupTestRedis()
	mirror := NewMirror(client)
	m := captcha.NewManager(connected(true), nil)
	task := m.NewTask(nil, "png", "f", captcha.Textual)
	require.True(t, m.HandleCaptcha(task, time.Minute))

	s.Close()
	assert.Error(t, mirror.Sync(context.Background(), m.Tasks()))
}
