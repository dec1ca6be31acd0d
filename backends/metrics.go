// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for the status of a dispatch.
const (
	statusOK             = "ok"
	statusNotFound       = "not_found"
	statusInvalidInput   = "invalid_input"
	statusExecutionError = "execution_error"
)

var (
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomlx_kernels_dispatch_total",
			Help: "Total number of operations dispatched, by operation, backend and status.",
		},
		[]string{"op", "backend", "status"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gomlx_kernels_dispatch_seconds",
			Help:    "Time spent executing kernels, in seconds.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		},
		[]string{"op", "backend"},
	)

	setupTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomlx_kernels_setup_total",
			Help: "Number of times kernel setup hooks were run, by operation and backend.",
		},
		[]string{"op", "backend"},
	)

	activationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomlx_kernels_backend_activations_total",
			Help: "Number of times a backend was made the active backend of a registry.",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(dispatchTotal)
	prometheus.MustRegister(dispatchDuration)
	prometheus.MustRegister(setupTotal)
	prometheus.MustRegister(activationsTotal)
}
