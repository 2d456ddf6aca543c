package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}

	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}

	if time.Since(timer.start) > time.Second {
		t.Error("NewTimer() start time is not recent")
	}
}

func TestTimerElapsed(t *testing.T) {
	timer := NewTimer()

	sleepDuration := 50 * time.Millisecond
	time.Sleep(sleepDuration)

	elapsed := timer.Elapsed()
	if elapsed < sleepDuration {
		t.Errorf("Timer.Elapsed() = %v, want >= %v", elapsed, sleepDuration)
	}
	if elapsed > 2*sleepDuration {
		t.Errorf("Timer.Elapsed() = %v, want < %v", elapsed, 2*sleepDuration)
	}
}

func TestTimerObserveMS(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_observe_ms",
		Help:    "Test histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	timer.ObserveMS(histogram)

	if timer.Elapsed() == 0 {
		t.Error("Timer.ObserveMS() recorded zero duration")
	}
}

func TestTimerObserveSeconds(t *testing.T) {
	histogramVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_observe_seconds",
			Help:    "Test histogram vec",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	timer.ObserveSeconds(histogramVec.WithLabelValues("test"))

	if timer.Elapsed() == 0 {
		t.Error("Timer.ObserveSeconds() recorded zero duration")
	}
}

func TestHandlerNotNil(t *testing.T) {
	if Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}

func TestMetricsRegistered(t *testing.T) {
	RequestsTotal.WithLabelValues("GET", "local", "/healthz", "200").Inc()
	EventsEmittedTotal.WithLabelValues("test.topic").Inc()
	CronInvocationsTotal.WithLabelValues("job-a", "success").Inc()
	BridgeInvokeTotal.WithLabelValues("handler-a", "Do", "OK").Inc()
	BridgeEndpointHealthy.WithLabelValues("default", "localhost:9000").Set(1)
}
