package captcha

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	feedbackCorrect = "correct"
	feedbackInvalid = "invalid"
)

var (
	// tasksCreated counts tasks minted by NewTask, by result type.
	tasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "captchad_tasks_created_total",
		Help: "The total number of captcha tasks created",
	}, []string{"result_type"})

	// dispatchTotal counts HandleCaptcha outcomes: "accepted" or "rejected".
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "captchad_dispatch_total",
		Help: "Captcha dispatch outcomes",
	}, []string{"outcome"})

	pluginFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "captchad_plugin_failures_total",
		Help: "Solver plugin failures swallowed during dispatch",
	}, []string{"plugin"})

	feedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "captchad_feedback_total",
		Help: "Correctness feedback fanned out to handlers",
	}, []string{"kind"})

	handlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "captchad_handler_failures_total",
		Help: "Handler failures swallowed during feedback",
	}, []string{"kind"})

	registrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "captchad_registry_size",
		Help: "Number of tasks registered in the manager",
	})
)
