// ============================================================================
// DRM License Service 恢復測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 端到端恢復功能測試
//
// 測試目標:
//   驗證工作階段在程序中斷後能從 job store 繼續執行：
//   1. Web initiator 文件展開成兩個 license acquisition 群組
//   2. 第一個授權請求進行中時停止 Controller（模擬當機）
//   3. 新的 Controller 以相同的 store 啟動，復原工作階段
//   4. 重新連上 callback，收到剩下的回報直到 WebInitiatorFinished
//
// TestEndToEndRecovery:
//   使用 WAL 後端，確認中斷的 job 沒有被移除而是重新執行
//
// TestRecoveredSessionKeepsGroupFailure:
//   第一個群組失敗後中斷，復原後最終回報仍是失敗
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/drmlicense-service/internal/controller"
	"github.com/ChuLiYu/drmlicense-service/internal/drm"
	"github.com/ChuLiYu/drmlicense-service/internal/httpclient"
	"github.com/ChuLiYu/drmlicense-service/internal/jobstore"
	"github.com/ChuLiYu/drmlicense-service/internal/metrics"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 測試輔助
// ============================================================================

// recorder 記錄回報，收到最後一個回報時關閉 done
type recorder struct {
	mu      sync.Mutex
	reports []types.Report
	done    chan struct{}
	once    sync.Once
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{})} }

func (r *recorder) OnProgressReport(id int64, st types.ProgressState, ok bool, params map[string]any) error {
	r.mu.Lock()
	r.reports = append(r.reports, types.Report{SessionID: id, State: st, Success: ok, Params: params})
	r.mu.Unlock()
	if st.Terminal() {
		r.once.Do(func() { close(r.done) })
	}
	return nil
}

func (r *recorder) wait(t testing.TB, timeout time.Duration) []types.Report {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(timeout):
		t.Fatal("session did not deliver a terminal report")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Report(nil), r.reports...)
}

func states(reports []types.Report) []types.ProgressState {
	out := make([]types.ProgressState, len(reports))
	for i, r := range reports {
		out[i] = r.State
	}
	return out
}

// okEngine 對 challenge 與 response 都回覆成功
func okEngine() drm.Engine {
	return drm.EngineFunc(func(_ context.Context, kind drm.Kind, _ string, _ map[string]string) (map[string]string, error) {
		switch kind {
		case drm.KindLicenseChallenge:
			return map[string]string{drm.ReplyStatus: drm.StatusOK, drm.ReplyData: "<challenge/>"}, nil
		case drm.KindLicenseResponse:
			return map[string]string{drm.ReplyStatus: drm.StatusOK}, nil
		}
		return nil, nil
	})
}

// blockingEngine 第一次 challenge 時關閉 entered，並阻塞到 ctx 結束
func blockingEngine(entered chan<- struct{}) drm.Engine {
	var once sync.Once
	return drm.EngineFunc(func(ctx context.Context, _ drm.Kind, _ string, _ map[string]string) (map[string]string, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func licenseServer(t testing.TB, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		fmt.Fprint(w, "<license/>")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func header(laURL string) string {
	return `<WRMHEADER version="4.0.0.0"><DATA><LA_URL>` + laURL + `</LA_URL></DATA></WRMHEADER>`
}

// generateInitiator 產生含 items 個 LicenseAcquisition 的 initiator 文件
func generateInitiator(laURL string, items int) string {
	doc := `<PlayReadyInitiator xmlns="http://schemas.microsoft.com/DRM/2007/03/protocols/">`
	for i := 0; i < items; i++ {
		doc += fmt.Sprintf("<LicenseAcquisition><Header>%s</Header><CustomData>cd-%d</CustomData></LicenseAcquisition>", header(laURL), i+1)
	}
	return doc + `</PlayReadyInitiator>`
}

func openStore(t testing.TB, driver, path string) *jobstore.Store {
	t.Helper()
	s, err := jobstore.Open(jobstore.Config{Driver: driver, Path: path})
	require.NoError(t, err)
	return s
}

func newController(t testing.TB, cfg controller.Config) *controller.Controller {
	t.Helper()
	cfg.HTTP = httpclient.Options{Timeout: time.Second, RetryLimit: 2, RedirectLimit: 3}
	c := controller.NewController(cfg)
	require.NoError(t, c.Start(context.Background()))
	return c
}

// ============================================================================
// 測試
// ============================================================================

func TestEndToEndRecovery(t *testing.T) {
	dir := t.TempDir()
	var hits atomic.Int32
	srv := licenseServer(t, &hits)

	// Phase 1: 第一個授權請求卡在 DRM 引擎時停止
	entered := make(chan struct{})
	ctrl1 := newController(t, controller.Config{
		WorkerCount: 1,
		Store:       openStore(t, jobstore.DriverWAL, dir),
		DRM:         blockingEngine(entered),
	})
	id, err := ctrl1.ProcessWebInitiator(controller.InitiatorRequest{Document: generateInitiator(srv.URL, 2)}, nil, nil)
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first license challenge was never requested")
	}
	ctrl1.Stop()
	assert.Zero(t, hits.Load(), "no license request reached the server before the crash")

	// Phase 2: 以相同的 store 重新啟動
	collector := metrics.NewCollector(nil)
	ctrl2 := newController(t, controller.Config{
		WorkerCount: 2,
		Store:       openStore(t, jobstore.DriverWAL, dir),
		DRM:         okEngine(),
		Metrics:     collector,
	})
	defer ctrl2.Stop()

	rec := newRecorder()
	ctrl2.Attach(id, rec)
	reports := rec.wait(t, 5*time.Second)

	require.Equal(t, []types.ProgressState{
		types.StateAcquireLicense,
		types.StateAcquireLicense,
		types.StateWebInitiatorFinished,
	}, states(reports))
	for _, r := range reports {
		assert.True(t, r.Success, "report %s", r.State)
		assert.Equal(t, id, r.SessionID)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestRecoveredSessionKeepsGroupFailure(t *testing.T) {
	dir := t.TempDir()
	var hits atomic.Int32
	srv := licenseServer(t, &hits)

	// 第一個 LicenseAcquisition 沒有引擎回覆而失敗，第二個卡住時中斷
	var calls atomic.Int32
	entered := make(chan struct{})
	engine := drm.EngineFunc(func(ctx context.Context, _ drm.Kind, _ string, _ map[string]string) (map[string]string, error) {
		if calls.Add(1) <= 2 {
			return nil, nil // 兩種 MIME 都沒有回覆
		}
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctrl1 := newController(t, controller.Config{
		WorkerCount: 1,
		Store:       openStore(t, jobstore.DriverSQLite, dir+"/jobs.db"),
		DRM:         engine,
	})
	id, err := ctrl1.ProcessWebInitiator(controller.InitiatorRequest{Document: generateInitiator(srv.URL, 2)}, nil, nil)
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("second license challenge was never requested")
	}
	ctrl1.Stop()

	ctrl2 := newController(t, controller.Config{
		WorkerCount: 1,
		Store:       openStore(t, jobstore.DriverSQLite, dir+"/jobs.db"),
		DRM:         okEngine(),
	})
	defer ctrl2.Stop()

	rec := newRecorder()
	ctrl2.Attach(id, rec)
	reports := rec.wait(t, 5*time.Second)

	require.Equal(t, []types.ProgressState{
		types.StateAcquireLicense,
		types.StateWebInitiatorFinished,
	}, states(reports))
	assert.True(t, reports[0].Success, "the second group succeeds after recovery")
	assert.False(t, reports[1].Success, "the earlier failure is remembered across the restart")
}
