// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/united-manufacturing-hub/adminsync/pkg/logger"
	"github.com/united-manufacturing-hub/adminsync/pkg/sentry"
)

// Registry labels.
const (
	RegistryState    = "state"
	RegistryObject   = "object"
	RegistryFile     = "file"
	RegistryInstance = "instance"
)

// RPC result labels.
const (
	ResultOK           = "ok"
	ResultRemoteError  = "remote_error"
	ResultPermission   = "permission_denied"
	ResultNotConnected = "not_connected"
	ResultTimeout      = "timeout"
	ResultCancelled    = "cancelled"
	ResultError        = "error"
)

var (
	namespace = "adminsync"

	connectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "Lifecycle status of the connection (0=connecting, 1=connected, 2=objects_loaded, 3=states_loaded, 4=ready)",
		},
	)

	rpcTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_total",
			Help:      "Remote calls issued, by command and result",
		},
		[]string{"command", "result"},
	)

	rpcDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Round trip time of remote calls in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"command"},
	)

	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Listener invocations, by registry",
		},
		[]string{"registry"},
	)

	callbackPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_panics_total",
			Help:      "Listener panics recovered at the dispatch boundary, by registry",
		},
		[]string{"registry"},
	)

	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Sessions restored after a disconnect",
		},
	)

	subscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Registered patterns, by registry",
		},
		[]string{"registry"},
	)

	taskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_depth",
			Help:      "Tasks waiting on the dispatcher",
		},
	)
)

// SetConnectionStatus records the lifecycle status by its ordinal.
func SetConnectionStatus(ordinal int) {
	connectionStatus.Set(float64(ordinal))
}

// ObserveRPC counts one remote call.
func ObserveRPC(command, result string, took time.Duration) {
	rpcTotal.WithLabelValues(command, result).Inc()
	rpcDuration.WithLabelValues(command).Observe(took.Seconds())
}

// RPCCounter exposes one child of the rpc counter, mainly for tests.
func RPCCounter(command, result string) prometheus.Counter {
	return rpcTotal.WithLabelValues(command, result)
}

func AddDispatched(registry string, n int) {
	if n > 0 {
		dispatchTotal.WithLabelValues(registry).Add(float64(n))
	}
}

func IncCallbackPanic(registry string) {
	callbackPanics.WithLabelValues(registry).Inc()
}

// CallbackPanics exposes the panic counter of one registry.
func CallbackPanics(registry string) prometheus.Counter {
	return callbackPanics.WithLabelValues(registry)
}

func IncReconnect() {
	reconnectsTotal.Inc()
}

func SetSubscriptions(registry string, n int) {
	subscriptions.WithLabelValues(registry).Set(float64(n))
}

func SetTaskQueueDepth(n int) {
	taskQueueDepth.Set(float64(n))
}

// SetupMetricsEndpoint starts an HTTP server to expose metrics
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, logger.For("metrics"))
		}
	}()

	return server
}
