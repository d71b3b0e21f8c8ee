package captcha

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/captchad/pkg/logger"
)

// DefaultTimeout is how long HandleCaptcha lets a task wait for a connected client.
const DefaultTimeout = 50 * time.Second

// NoClientMessage is the error set on tasks nobody can serve.
const NoClientMessage = "No Client connected for captcha decrypting"

// ClientPresence reports whether an interactive operator is connected.
type ClientPresence interface {
	IsClientConnected() bool
}

// Plugin is any active plugin. Its capabilities are discovered by type assertion.
type Plugin interface {
	Name() string
}

// PluginSource enumerates the currently active plugins.
type PluginSource interface {
	ActivePlugins() []Plugin
}

// Solver is a plugin that wants to see new tasks. A solver that takes
// ownership of a task registers itself with Task.AddHandler.
type Solver interface {
	NewCaptchaTask(task *Task) error
}

// Handler receives correctness feedback for tasks it owns.
type Handler interface {
	CaptchaCorrect(task *Task) error
	CaptchaInvalid(task *Task) error
}

// Manager owns the registry of outstanding tasks and runs the dispatch protocol.
//
// The registry lock only guards the task slice; it is never held while a
// plugin callback runs.
type Manager struct {
	clients ClientPresence
	plugins PluginSource
	debug   bool
	now     func() time.Time

	ids atomic.Uint64

	mu    sync.Mutex
	tasks []*Task
}

type Option func(*Manager)

// WithDebug logs plugin failures swallowed during dispatch.
func WithDebug(debug bool) Option {
	return func(m *Manager) { m.debug = debug }
}

// WithClock replaces time.Now for the manager and every task it creates.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager. Either collaborator may be nil, meaning no
// client is ever connected or no plugin is active.
func NewManager(clients ClientPresence, plugins PluginSource, opts ...Option) *Manager {
	m := &Manager{
		clients: clients,
		plugins: plugins,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewTask allocates a task with a fresh id. The task is not registered.
func (m *Manager) NewTask(image []byte, format, file string, resultType ResultType) *Task {
	id := m.ids.Add(1) - 1
	task := newTask(strconv.FormatUint(id, 10), image, format, file, resultType, m.now)
	tasksCreated.WithLabelValues(string(task.ResultType())).Inc()
	return task
}

// RemoveTask drops task from the registry. Unknown tasks are ignored.
func (m *Manager) RemoveTask(task *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, t := range m.tasks {
		if t == task {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			registrySize.Set(float64(len(m.tasks)))
			return
		}
	}
}

// GetTask returns the first task an operator can pick up, or nil.
func (m *Manager) GetTask() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		switch t.Status() {
		case StatusWaiting, StatusSharedUser:
			if t.IsWaiting() {
				return t
			}
		}
	}
	return nil
}

// GetTaskByID looks a registered task up by its id.
func (m *Manager) GetTaskByID(id string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if t.id == id {
			return t
		}
	}
	return nil
}

// Tasks returns a copy of the registry in insertion order.
func (m *Manager) Tasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Task, len(m.tasks))
	copy(out, m.tasks)
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// HandleCaptcha dispatches task to the connected client and every active
// solver. It reports whether anyone can serve the task; only then is the
// task registered. A rejected task carries NoClientMessage as its error.
func (m *Manager) HandleCaptcha(task *Task, timeout time.Duration) bool {
	connected := m.clients != nil && m.clients.IsClientConnected()
	if connected {
		task.SetWaiting(timeout)
	}

	if m.plugins != nil {
		for _, p := range m.plugins.ActivePlugins() {
			solver, ok := p.(Solver)
			if !ok {
				continue
			}
			if err := safeCall(func() error { return solver.NewCaptchaTask(task) }); err != nil {
				pluginFailures.WithLabelValues(p.Name()).Inc()
				if m.debug {
					logger.Log.Error().Err(err).
						Str("task_id", task.id).
						Str("plugin", p.Name()).
						Msg("Captcha plugin failed")
				}
			}
		}
	}

	if len(task.Handlers()) > 0 || connected {
		m.mu.Lock()
		m.tasks = append(m.tasks, task)
		registrySize.Set(float64(len(m.tasks)))
		m.mu.Unlock()

		dispatchTotal.WithLabelValues("accepted").Inc()
		logger.Log.Debug().
			Str("task_id", task.id).
			Bool("client", connected).
			Int("handlers", len(task.Handlers())).
			Msg("Captcha accepted")
		return true
	}

	task.SetError(NoClientMessage)
	dispatchTotal.WithLabelValues("rejected").Inc()
	return false
}

// safeCall runs fn and turns a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func pluginName(v any) string {
	if p, ok := v.(Plugin); ok {
		return p.Name()
	}
	return fmt.Sprintf("%T", v)
}
