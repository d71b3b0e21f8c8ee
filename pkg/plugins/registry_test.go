package plugins

import (
	"sync"
	"testing"
	"time"

	"github.com/guido-cesarano/captchad/pkg/captcha"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type named string

func (n named) Name() string { return string(n) }

type claimer struct{ named }

func (c claimer) NewCaptchaTask(task *captcha.Task) error {
	task.AddHandler(c)
	return nil
}

func (claimer) CaptchaCorrect(*captcha.Task) error { return nil }
func (claimer) CaptchaInvalid(*captcha.Task) error { return nil }

func names(ps []captcha.Plugin) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Name())
	}
	return out
}

func TestRegisterKeepsOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(named("b")))
	require.NoError(t, r.Register(named("a")))
	require.NoError(t, r.Register(named("c")))

	assert.Equal(t, []string{"b", "a", "c"}, names(r.ActivePlugins()))
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(named("a")))
	assert.Error(t, r.Register(named("a")))
}

func TestActivation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(named("a")))
	require.NoError(t, r.Register(named("b")))

	require.NoError(t, r.Deactivate("a"))
	assert.Equal(t, []string{"b"}, names(r.ActivePlugins()))

	require.NoError(t, r.Activate("a"))
	assert.Equal(t, []string{"a", "b"}, names(r.ActivePlugins()))

	assert.Error(t, r.Activate("missing"))
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(named("a")))
	r.Unregister("a")
	r.Unregister("a")

	assert.Empty(t, r.ActivePlugins())
}

func TestRegistryDrivesDispatch(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(claimer{named("solver")}))
	m := captcha.NewManager(nil, r)

	task := m.NewTask(nil, "png", "file", captcha.Textual)
	require.True(t, m.HandleCaptcha(task, time.Minute))

	require.NoError(t, r.Deactivate("solver"))
	other := m.NewTask(nil, "png", "file", captcha.Textual)
	assert.False(t, m.HandleCaptcha(other, time.Minute))
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(named(string(rune('a' + i))))
		}(i)
		go func() {
			defer wg.Done()
			_ = r.ActivePlugins()
		}()
	}
	wg.Wait()
	assert.Len(t, r.ActivePlugins(), 20)
}
