// ============================================================================
// DRM License Service Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: System-level throughput and crash recovery performance tests
//
// Test Objectives:
//   1. verify session throughput (sessions/second) with a persistent store
//   2. verify crash recovery time (< 3 second target)
//   3. verify every session delivers exactly one final report
//
// TestSystemThroughput:
//   - 200 web initiator sessions, one license acquisition each
//   - 8 workers, SQLite store, local license server
//   - target: every session finishes successfully within 30 seconds
//
// TestRecoveryPerformance:
//   - persist 500 unfinished renew sessions into a WAL store
//   - start a new Controller on the same store and measure Start()
//   - target: < 3 seconds recovery time, all sessions recovered
//
// Notes:
//   - skipped with -short
//   - test results affected by system load
//
// ============================================================================

package integration

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/drmlicense-service/internal/controller"
	"github.com/ChuLiYu/drmlicense-service/internal/job"
	"github.com/ChuLiYu/drmlicense-service/internal/jobmanager"
	"github.com/ChuLiYu/drmlicense-service/internal/jobstore"
	"github.com/ChuLiYu/drmlicense-service/internal/metrics"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSystemThroughput tests session throughput
//
// Test Flow:
//  1. Create and start Controller
//  2. Start 200 sessions
//  3. Wait for every final report
//  4. Calculate throughput
func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("performance test")
	}
	const sessions = 200

	var hits atomic.Int32
	srv := licenseServer(t, &hits)
	ctrl := newController(t, controller.Config{
		WorkerCount: 8,
		QueueSize:   sessions,
		Store:       openStore(t, jobstore.DriverSQLite, filepath.Join(t.TempDir(), "jobs.db")),
		DRM:         okEngine(),
	})
	defer ctrl.Stop()

	doc := generateInitiator(srv.URL, 1)
	recorders := make([]*recorder, sessions)
	start := time.Now()
	for i := range recorders {
		recorders[i] = newRecorder()
		_, err := ctrl.ProcessWebInitiator(controller.InitiatorRequest{Document: doc}, recorders[i], nil)
		require.NoError(t, err)
	}

	failed := 0
	for _, rec := range recorders {
		reports := rec.wait(t, 30*time.Second)
		last := reports[len(reports)-1]
		if last.State != types.StateWebInitiatorFinished || !last.Success {
			failed++
		}
	}
	elapsed := time.Since(start)

	t.Logf("=== Throughput ===")
	t.Logf("Sessions: %d in %v (%.1f sessions/s)", sessions, elapsed, float64(sessions)/elapsed.Seconds())
	t.Logf("License requests: %d", hits.Load())
	t.Logf("==================")

	assert.Zero(t, failed)
	assert.Equal(t, int32(sessions), hits.Load())
}

// TestRecoveryPerformance tests recovery performance
func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("performance test")
	}
	const sessions = 500
	dir := t.TempDir()

	// Phase 1: persist unfinished sessions, as left behind by a crashed process
	store := openStore(t, jobstore.DriverWAL, dir)
	for i := 0; i < sessions; i++ {
		m := jobmanager.New(jobmanager.Config{SessionID: int64(1000 + i), Kind: jobmanager.KindRenew, Store: store})
		g := m.NewGroup()
		m.PushInGroup(&job.DrmFeedback{Kind: job.FeedbackRenewRights}, g)
		m.PushInGroup(&job.ForceFailure{}, g)
	}
	require.NoError(t, store.Close())

	// Phase 2: measure recovery time
	collector := metrics.NewCollector(nil)
	startTime := time.Now()
	ctrl := newController(t, controller.Config{
		WorkerCount: 8,
		QueueSize:   sessions,
		Store:       openStore(t, jobstore.DriverWAL, dir),
		Metrics:     collector,
	})
	recoveryTime := time.Since(startTime)
	defer ctrl.Stop()

	t.Logf("=== Recovery Performance ===")
	t.Logf("Recovery time: %v", recoveryTime)
	t.Logf("Sessions recovered: %d", sessions)
	t.Logf("===========================")

	assert.Less(t, recoveryTime, 3*time.Second, "recovery time target")

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "drmlicense_recovered_sessions "+strconv.Itoa(sessions))

	// every recovered session ends with its buffered final report
	require.Eventually(t, func() bool {
		return len(ctrl.GetStatus().Sessions) == 0
	}, 10*time.Second, 20*time.Millisecond)
	for i := 0; i < sessions; i++ {
		assert.Equal(t, 1, ctrl.Pending(int64(1000+i)))
	}
}
