package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric %v", m.Desc())
	return 0
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsExecuted, "jobsExecuted counter should be initialized")
	assert.NotNil(t, collector.groupFailures, "groupFailures counter should be initialized")
	assert.NotNil(t, collector.jobLatency, "jobLatency histogram should be initialized")
	assert.NotNil(t, collector.httpRetries, "httpRetries counter should be initialized")
	assert.NotNil(t, collector.sessionsActive, "sessionsActive gauge should be initialized")
	assert.NotNil(t, collector.recoveryTime, "recoveryTime gauge should be initialized")
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.JobExecuted("AcquireLicense", OutcomeOK, time.Second)
		c.GroupFailed()
		c.HTTPAttempt(http.MethodPost)
		c.HTTPRetry("503")
		c.HTTPRedirect()
		c.SessionStarted("renew")
		c.SessionFinished()
		c.SessionCancelled()
		c.ReportBuffered()
		c.ReportDropped()
		c.SetRecovery(time.Second, 3)
	})
	assert.NotNil(t, c.Handler())
}

func TestJobExecuted(t *testing.T) {
	c := NewCollector(nil)

	c.JobExecuted("AcquireLicense", OutcomeOK, 10*time.Millisecond)
	c.JobExecuted("AcquireLicense", OutcomeFailed, 20*time.Millisecond)
	c.JobExecuted("AcquireLicense", OutcomeFailed, 30*time.Millisecond)
	c.JobExecuted("DrmFeedback", OutcomeAfterFailure, time.Millisecond)

	assert.Equal(t, 1.0, value(t, c.jobsExecuted.WithLabelValues("AcquireLicense", OutcomeOK)))
	assert.Equal(t, 2.0, value(t, c.jobsExecuted.WithLabelValues("AcquireLicense", OutcomeFailed)))
	assert.Equal(t, 1.0, value(t, c.jobsExecuted.WithLabelValues("DrmFeedback", OutcomeAfterFailure)))
	assert.Contains(t, scrape(t, c), `drmlicense_job_latency_seconds_count{type="AcquireLicense"} 3`)
}

func TestHTTPCounters(t *testing.T) {
	c := NewCollector(nil)

	for i := 0; i < 3; i++ {
		c.HTTPAttempt(http.MethodPost)
	}
	c.HTTPRetry("503")
	c.HTTPRetry("transport")
	c.HTTPRetry("503")
	c.HTTPRedirect()

	assert.Equal(t, 3.0, value(t, c.httpAttempts.WithLabelValues(http.MethodPost)))
	assert.Equal(t, 2.0, value(t, c.httpRetries.WithLabelValues("503")))
	assert.Equal(t, 1.0, value(t, c.httpRetries.WithLabelValues("transport")))
	assert.Equal(t, 1.0, value(t, c.httpRedirects))
}

func TestSessionGauge(t *testing.T) {
	c := NewCollector(nil)

	c.SessionStarted("renew")
	c.SessionStarted("web_initiator")
	c.SessionFinished()
	c.SessionCancelled()

	assert.Equal(t, 1.0, value(t, c.sessionsActive))
	assert.Equal(t, 1.0, value(t, c.sessionsStarted.WithLabelValues("renew")))
	assert.Equal(t, 1.0, value(t, c.sessionsCancelled))
}

func TestSetRecovery(t *testing.T) {
	c := NewCollector(nil)

	// Test different recovery times
	for _, d := range []time.Duration{0, 500 * time.Millisecond, 3 * time.Second} {
		c.SetRecovery(d, 2)
		assert.Equal(t, d.Seconds(), value(t, c.recoveryTime))
	}
	assert.Equal(t, 2.0, value(t, c.recoveredSessions))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector(nil)
	c.GroupFailed()
	c.ReportBuffered()
	c.ReportDropped()

	text := scrape(t, c)
	assert.Contains(t, text, "drmlicense_group_failures_total 1")
	assert.Contains(t, text, "drmlicense_reports_buffered_total 1")
	assert.Contains(t, text, "drmlicense_reports_dropped_total 1")
}

func TestServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := NewCollector(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(b), "drmlicense_sessions_active")
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
