package server

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hwbridge/message"
	"hwbridge/middleware"
)

// metrics holds the bridge's Prometheus collectors. A nil *metrics disables recording.
type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	sessions prometheus.Gauge
}

func newMetrics(reg *prometheus.Registry, device *Device) *metrics {
	if reg == nil {
		return nil
	}

	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hwbridge",
			Name:      "requests_total",
			Help:      "Requests handled by the bridge",
		}, []string{"action", "outcome"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hwbridge",
			Name:      "request_duration_seconds",
			Help:      "Time from request to reply",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"action"}),

		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hwbridge",
			Name:      "sessions_active",
			Help:      "Connected WebSocket clients",
		}),
	}

	reopens := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "hwbridge",
		Name:      "device_reopens_total",
		Help:      "Times the serial port was reopened after a failure",
	}, func() float64 { return float64(device.Reopens()) })

	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "hwbridge",
		Name:      "frames_dropped_total",
		Help:      "Corrupt or truncated JSON frames discarded from the serial stream",
	}, func() float64 { return float64(device.Dropped()) })

	reg.MustRegister(m.requests, m.duration, m.sessions, reopens, dropped)
	return m
}

// middleware records outcome and duration of every request.
func (m *metrics) middleware() middleware.Middleware {
	return func(next middleware.HandlerFunc) middleware.HandlerFunc {
		if m == nil {
			return next
		}
		return func(ctx context.Context, cmd *message.Command) message.Response {
			start := time.Now()
			resp := next(ctx, cmd)

			outcome := "ok"
			if resp.IsError() {
				outcome = "error"
			}
			m.requests.WithLabelValues(string(cmd.Action), outcome).Inc()
			m.duration.WithLabelValues(string(cmd.Action)).Observe(time.Since(start).Seconds())
			return resp
		}
	}
}

func (m *metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *metrics) cancelled() {
	if m != nil {
		m.requests.WithLabelValues(string(message.ActionCancel), "ok").Inc()
	}
}
