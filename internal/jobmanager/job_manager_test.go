package jobmanager

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/drmlicense-service/internal/drm"
	"github.com/ChuLiYu/drmlicense-service/internal/httpclient"
	"github.com/ChuLiYu/drmlicense-service/internal/job"
	"github.com/ChuLiYu/drmlicense-service/internal/jobstore"
	"github.com/ChuLiYu/drmlicense-service/internal/session"
	"github.com/ChuLiYu/drmlicense-service/internal/storage"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const testType job.Type = 99

// funcJob is a test job whose normal execution runs fn
type funcJob struct {
	group int
	row   int64
	fn    func(ctx context.Context, rt job.Runtime) bool

	normalCalls int
	afterCalls  int
}

func (f *funcJob) Type() job.Type { return testType }

func (f *funcJob) GroupID() int { return f.group }

func (f *funcJob) SetGroupID(id int) { f.group = id }

func (f *funcJob) RowID() int64 { return f.row }

func (f *funcJob) SetRowID(id int64) { f.row = id }

func (f *funcJob) Row() storage.Row {
	return storage.Row{ID: f.row, Type: int(testType), GroupID: f.group}
}

func (f *funcJob) ExecuteAfterEarlierFailure(context.Context, job.Runtime) { f.afterCalls++ }

func (f *funcJob) ExecuteNormal(ctx context.Context, rt job.Runtime) bool {
	f.normalCalls++
	if f.fn == nil {
		return true
	}
	return f.fn(ctx, rt)
}

// sink collects progress reports delivered to a session callback
type sink struct {
	mu      sync.Mutex
	reports []types.Report
}

func (s *sink) callback() session.Callback {
	return session.CallbackFunc(func(id int64, st types.ProgressState, ok bool, params map[string]any) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.reports = append(s.reports, types.Report{SessionID: id, State: st, Success: ok, Params: params})
		return nil
	})
}

func (s *sink) states() []types.ProgressState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ProgressState, len(s.reports))
	for i, r := range s.reports {
		out[i] = r.State
	}
	return out
}

func (s *sink) count(state types.ProgressState) int {
	n := 0
	for _, st := range s.states() {
		if st == state {
			n++
		}
	}
	return n
}

type harness struct {
	reg      *session.Registry
	sink     *sink
	finished []int64
}

func (h *harness) config(id int64, kind Kind, store *jobstore.Store) Config {
	return Config{
		SessionID: id,
		Kind:      kind,
		Store:     store,
		Registry:  h.reg,
		OnFinish:  func(sessionID int64) { h.finished = append(h.finished, sessionID) },
	}
}

func newHarness(id int64) *harness {
	h := &harness{reg: session.NewRegistry(10, session.Hooks{}, nil), sink: &sink{}}
	h.reg.Open(id, h.sink.callback())
	return h
}

func openStore(t *testing.T) *jobstore.Store {
	t.Helper()
	s, err := jobstore.Open(jobstore.Config{Driver: jobstore.DriverSQLite, Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// ============================================================================
// Stack
// ============================================================================

func TestStack_NextGroup(t *testing.T) {
	s := &Stack{}
	push := func(gid int) *funcJob {
		j := &funcJob{group: gid}
		s.Push(j)
		return j
	}
	push(0)
	push(0)
	a := push(1)
	b := push(1)
	c := push(2)

	gid, next := s.NextGroup()
	assert.Equal(t, 2, gid)
	j, ok := next()
	require.True(t, ok)
	assert.Same(t, c, j)
	_, ok = next()
	assert.False(t, ok, "group 1 must not be popped in group 2's round")

	gid, next = s.NextGroup()
	assert.Equal(t, 1, gid)
	j, _ = next()
	assert.Same(t, b, j)
	// a job pushed during the round joins it
	d := &funcJob{group: 1}
	s.Push(d)
	j, _ = next()
	assert.Same(t, d, j)
	j, _ = next()
	assert.Same(t, a, j)
	_, ok = next()
	assert.False(t, ok)

	// ungrouped jobs are one per round
	for i := 0; i < 2; i++ {
		gid, next = s.NextGroup()
		assert.Equal(t, 0, gid)
		_, ok = next()
		assert.True(t, ok)
		_, ok = next()
		assert.False(t, ok)
	}

	_, next = s.NextGroup()
	_, ok = next()
	assert.False(t, ok)
}

func TestStack_RemoveLastOfType(t *testing.T) {
	s := &Stack{}
	first := &job.DrmFeedback{Kind: job.FeedbackJoinDomain}
	second := &job.DrmFeedback{Kind: job.FeedbackLeaveDomain}
	s.Push(first)
	s.Push(&job.ForceFailure{})
	s.Push(second)

	assert.Same(t, second, s.RemoveLastOfType(job.TypeDrmFeedback))
	assert.Equal(t, 2, s.Len())
	assert.Same(t, first, s.RemoveLastOfType(job.TypeDrmFeedback))
	assert.Nil(t, s.RemoveLastOfType(job.TypeDrmFeedback))
	assert.Equal(t, job.TypeForceFailure, s.Peek().Type())
}

// ============================================================================
// Run
// ============================================================================

func TestRun_GroupFailurePropagation(t *testing.T) {
	const id = 1001
	h := newHarness(id)
	m := New(h.config(id, KindWebInitiator, nil))

	g1, g2 := m.NewGroup(), m.NewGroup()
	// group 2 is pushed first so group 1 runs first
	m.PushInGroup(&job.DrmFeedback{Kind: job.FeedbackAcquireLicense, GroupNumber: 2}, g2)
	m.PushInGroup(&job.DrmFeedback{Kind: job.FeedbackAcquireLicense, GroupNumber: 1}, g1)
	tail := &funcJob{}
	m.PushInGroup(tail, g1)
	m.PushInGroup(&job.ForceFailure{}, g1)

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, 0, tail.normalCalls, "jobs after a failure must not run normally")
	assert.Equal(t, 1, tail.afterCalls)

	require.Len(t, h.sink.reports, 3)
	assert.Equal(t, types.StateAcquireLicense, h.sink.reports[0].State)
	assert.False(t, h.sink.reports[0].Success)
	assert.EqualValues(t, 1, h.sink.reports[0].Params[types.ParamGroupNumber])
	assert.Equal(t, types.StateAcquireLicense, h.sink.reports[1].State)
	assert.True(t, h.sink.reports[1].Success, "a failure must not leak into the next group")
	assert.Equal(t, types.StateWebInitiatorFinished, h.sink.reports[2].State)
	assert.False(t, h.sink.reports[2].Success)

	assert.Equal(t, StateDone, m.State())
	assert.Equal(t, []int64{id}, h.finished)
	assert.False(t, h.reg.AllOK(id))
}

func TestRun_UngroupedFailureDoesNotMarkGroup(t *testing.T) {
	const id = 1002
	h := newHarness(id)
	m := New(h.config(id, KindWebInitiator, nil))

	g := m.NewGroup()
	m.PushInGroup(&job.DrmFeedback{Kind: job.FeedbackMetering, GroupNumber: 1}, g)
	m.PushInGroup(&job.ForceFailure{}, 0)

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, []types.ProgressState{types.StateMetering, types.StateWebInitiatorFinished}, h.sink.states())
	assert.True(t, h.sink.reports[0].Success)
	assert.False(t, h.sink.reports[1].Success, "allJobsOk is sticky")
}

func TestRun_RenewSessionHasNoFinishedReport(t *testing.T) {
	const id = 1003
	h := newHarness(id)
	m := New(h.config(id, KindRenew, nil))

	m.PushInGroup(&job.DrmFeedback{Kind: job.FeedbackRenewRights}, m.NewGroup())
	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, []types.ProgressState{types.StateRenewRights}, h.sink.states())
	assert.True(t, h.reg.Finished(id))
}

func TestRun_RenewSessionReportsOnceWhenJoinDomainFails(t *testing.T) {
	const id = 1007
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `<Envelope><Body><Fault><detail><Exception>`+
			`<StatusCode>0x8004C605</StatusCode>`+
			`</Exception></detail></Fault></Body></Envelope>`)
	}))
	defer srv.Close()

	engine := drm.EngineFunc(func(_ context.Context, kind drm.Kind, _ string, _ map[string]string) (map[string]string, error) {
		if kind != drm.KindLicenseChallenge {
			return nil, nil
		}
		return map[string]string{drm.ReplyStatus: drm.StatusOK, drm.ReplyData: "<challenge/>", drm.ReplyLAURL: srv.URL}, nil
	})

	h := newHarness(id)
	cfg := h.config(id, KindRenew, openStore(t))
	cfg.HTTP = httpclient.New(httpclient.Config{})
	cfg.DRM = engine
	m := New(cfg)

	g := m.NewGroup()
	m.PushInGroup(&job.DrmFeedback{Kind: job.FeedbackRenewRights}, g)
	m.PushInGroup(&job.AcquireLicense{Source: "AAAA", SourceKind: job.SourcePSSH}, g)

	require.NoError(t, m.Run(context.Background()))

	assert.EqualValues(t, 1, hits.Load(), "the retried AcquireLicense runs after the failed join and is skipped")
	require.Equal(t, []types.ProgressState{types.StateRenewRights}, h.sink.states())
	rep := h.sink.reports[0]
	assert.False(t, rep.Success)
	assert.Equal(t, "JoinDomain", rep.Params[types.ParamType])
	assert.EqualValues(t, types.ErrCodeInternal, rep.Params[types.ParamHTTPError])
	assert.True(t, h.reg.Finished(id))
	assert.Equal(t, []int64{id}, h.finished)
}

func TestRun_CancelBeforePop(t *testing.T) {
	const id = 1004
	h := newHarness(id)
	m := New(h.config(id, KindWebInitiator, nil))

	later := &funcJob{}
	m.PushInGroup(later, 0)
	g := m.NewGroup()
	m.PushInGroup(&job.DrmFeedback{Kind: job.FeedbackAcquireLicense, GroupNumber: 1}, g)
	skipped := &funcJob{}
	m.PushInGroup(skipped, g)
	m.PushInGroup(&funcJob{fn: func(_ context.Context, rt job.Runtime) bool {
		h.reg.Cancel(rt.SessionID())
		return true
	}}, g)

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, 0, skipped.normalCalls+skipped.afterCalls, "no job runs after cancel is observed")
	assert.Equal(t, 0, later.normalCalls)
	assert.Equal(t, 1, h.sink.count(types.StateCancelled))
	assert.Equal(t, 0, h.sink.count(types.StateAcquireLicense))
	assert.Equal(t, 0, h.sink.count(types.StateWebInitiatorFinished))

	last := h.sink.reports[len(h.sink.reports)-1]
	assert.Equal(t, types.StateCancelled, last.State)
	assert.False(t, last.Success)
	assert.EqualValues(t, types.ErrCodeCancelled, last.Params[types.ParamHTTPError])

	assert.Equal(t, 0, m.Pending())
	assert.Equal(t, StateDone, m.State())
	assert.Equal(t, []int64{id}, h.finished)
}

func TestRun_CancelAfterLastJobIsNotReported(t *testing.T) {
	const id = 1008
	h := newHarness(id)
	m := New(h.config(id, KindRenew, nil))

	m.PushInGroup(&funcJob{fn: func(_ context.Context, rt job.Runtime) bool {
		h.reg.Cancel(rt.SessionID())
		return true
	}}, 0)
	m.PushInGroup(&job.DrmFeedback{Kind: job.FeedbackRenewRights}, m.NewGroup())

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, []types.ProgressState{types.StateRenewRights}, h.sink.states())
	assert.Equal(t, 0, h.sink.count(types.StateCancelled))
	assert.Equal(t, StateDone, m.State())
}

func TestRun_CancelThroughHTTPEngine(t *testing.T) {
	const id = 1005
	h := newHarness(id)
	engine := httpclient.New(httpclient.Config{Client: &http.Client{}})
	cfg := h.config(id, KindRenew, nil)
	cfg.HTTP = engine
	m := New(cfg)

	first := &funcJob{}
	m.PushInGroup(first, m.NewGroup())
	engine.PrepareCancel(id)

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, 0, first.normalCalls)
	assert.Equal(t, []types.ProgressState{types.StateCancelled}, h.sink.states())
	assert.False(t, engine.Cancelled(id), "cancel state is cleared when the session finishes")
}

func TestRun_AlreadyRun(t *testing.T) {
	h := newHarness(1006)
	m := New(h.config(1006, KindClient, nil))
	require.NoError(t, m.Run(context.Background()))
	assert.ErrorIs(t, m.Run(context.Background()), ErrAlreadyRun)
	assert.Equal(t, []int64{1006}, h.finished)
}

// ============================================================================
// 持久化與復原
// ============================================================================

func TestRun_PersistenceAndRecovery(t *testing.T) {
	const id = 2001
	store := openStore(t)
	h := newHarness(id)
	m := New(h.config(id, KindWebInitiator, store))

	g := m.NewGroup()
	m.PushInGroup(&job.DrmFeedback{Kind: job.FeedbackAcquireLicense, GroupNumber: 1}, g)
	m.PushInGroup(&job.ForceFailure{}, g)

	rows, err := store.QueryBySession(id)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int(job.TypeDrmFeedback), rows[0].Type)
	assert.Equal(t, int(job.TypeForceFailure), rows[1].Type)
	params, err := store.Params(id)
	require.NoError(t, err)

	// simulate a restart: a new registry and a manager rebuilt from the rows
	h2 := newHarness(id)
	cfg := h2.config(id, "", store)
	restored, dropped := Restore(cfg, rows, params)
	assert.Equal(t, 0, dropped)
	assert.Equal(t, KindWebInitiator, restored.Kind())
	assert.Equal(t, 2, restored.Pending())
	assert.Equal(t, g, restored.NewGroup()-1, "group ids continue after the restored ones")

	require.NoError(t, restored.Run(context.Background()))
	assert.Equal(t, []types.ProgressState{types.StateAcquireLicense, types.StateWebInitiatorFinished}, h2.sink.states())

	rows, err = store.QueryBySession(id)
	require.NoError(t, err)
	assert.Empty(t, rows)
	params, err = store.Params(id)
	require.NoError(t, err)
	assert.Empty(t, params)
}

func TestRestore_FailedGroupSurvivesRestart(t *testing.T) {
	const id = 2002
	store := openStore(t)
	h := newHarness(id)
	m := New(h.config(id, KindRenew, store))

	g := m.NewGroup()
	m.PushInGroup(&job.DrmFeedback{Kind: job.FeedbackRenewRights}, g)
	tail := &funcJob{}
	m.PushInGroup(tail, g)
	m.PushInGroup(&job.ForceFailure{}, g)

	// run only the failing job, as if the process died right after its commit
	gid, next := m.stack.NextGroup()
	j, _ := next()
	require.NoError(t, m.execute(context.Background(), gid, j))

	rows, err := store.QueryBySession(id)
	require.NoError(t, err)
	params, err := store.Params(id)
	require.NoError(t, err)
	require.Len(t, rows, 2, "the test job row stays and is dropped on restore")

	h2 := newHarness(id)
	restored, dropped := Restore(h2.config(id, "", store), rows, params)
	assert.Equal(t, 1, dropped)
	require.NoError(t, restored.Run(context.Background()))

	require.Len(t, h2.sink.reports, 1)
	assert.Equal(t, types.StateRenewRights, h2.sink.reports[0].State)
	assert.False(t, h2.sink.reports[0].Success, "the failed group is restored with the session")
}

func TestRun_ContextCancelLeavesJobForRecovery(t *testing.T) {
	const id = 2003
	store := openStore(t)
	h := newHarness(id)
	m := New(h.config(id, KindRenew, store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.PushInGroup(&funcJob{fn: func(_ context.Context, rt job.Runtime) bool {
		rt.Push(&job.ForceFailure{})
		cancel()
		return false
	}}, 0)

	err := m.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, h.finished)

	rows, err := store.QueryBySession(id)
	require.NoError(t, err)
	require.Len(t, rows, 1, "the interrupted job is rolled back, its pushes are discarded")
	assert.Equal(t, int(testType), rows[0].Type)
}

func TestRemoveLastOfType_InsideTransaction(t *testing.T) {
	const id = 2004
	store := openStore(t)
	h := newHarness(id)
	m := New(h.config(id, KindRenew, store))

	g := m.NewGroup()
	m.PushInGroup(&job.DrmFeedback{Kind: job.FeedbackJoinDomain}, g)

	var during []storage.Row
	var removedLUI, removedFeedback job.Job
	m.PushInGroup(&funcJob{fn: func(_ context.Context, rt job.Runtime) bool {
		rt.Push(&job.LaunchLuiURLIfFailure{URL: "http://license.example.com/ui"})
		removedLUI = rt.RemoveLastOfType(job.TypeLaunchLuiURLIfFailure)
		removedFeedback = rt.RemoveLastOfType(job.TypeDrmFeedback)
		during, _ = store.QueryBySession(id)
		return true
	}}, g)

	require.NoError(t, m.Run(context.Background()))

	require.NotNil(t, removedLUI)
	require.NotNil(t, removedFeedback)
	assert.Equal(t, job.TypeDrmFeedback, removedFeedback.Type())
	assert.Len(t, during, 2, "writes stay buffered until the job commits")
	assert.Empty(t, h.sink.reports, "the retracted feedback never runs")

	rows, err := store.QueryBySession(id)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLogger_SessionAttributeOnce(t *testing.T) {
	const id = 2006
	var buf bytes.Buffer
	h := newHarness(id)
	cfg := h.config(id, KindClient, nil)
	cfg.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	m := New(cfg)

	m.PushInGroup(&job.DownloadContent{URL: "http://cdn.example.com/movie.ismv"}, 0)
	require.NoError(t, m.Run(context.Background()))

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "no downloader configured") {
			line = l
		}
	}
	require.NotEmpty(t, line)
	assert.Equal(t, 1, strings.Count(line, "session=2006"))
}

func TestSetParam_PersistsAndDeletes(t *testing.T) {
	const id = 2005
	store := openStore(t)
	h := newHarness(id)
	m := New(h.config(id, KindClient, store))

	m.SetParam(types.ParamHTTPError, int64(503))
	m.SetParam(types.ParamServerError, "0x8004c600")
	m.SetParam(types.ParamServerError, nil)

	v, ok := m.Param(types.ParamHTTPError)
	assert.True(t, ok)
	assert.Equal(t, int64(503), v)
	_, ok = m.Param(types.ParamServerError)
	assert.False(t, ok)

	params, err := store.Params(id)
	require.NoError(t, err)
	keys := map[string]any{}
	for _, p := range params {
		keys[p.Key] = p.Value()
	}
	assert.Equal(t, int64(503), keys[types.ParamHTTPError])
	assert.Equal(t, string(KindClient), keys[ParamSessionKind])
	assert.NotContains(t, keys, types.ParamServerError)
}

func TestRun_ManyGroupsFinishInOrder(t *testing.T) {
	const id = 3001
	h := newHarness(id)
	m := New(h.config(id, KindWebInitiator, nil))

	const n = 5
	groups := make([]int, n)
	for i := range groups {
		groups[i] = m.NewGroup()
	}
	for i := n - 1; i >= 0; i-- {
		m.PushInGroup(&job.DrmFeedback{Kind: job.FeedbackDownloadContent, GroupNumber: i + 1}, groups[i])
	}

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish")
	}

	require.Len(t, h.sink.reports, n+1)
	for i := 0; i < n; i++ {
		assert.EqualValues(t, i+1, h.sink.reports[i].Params[types.ParamGroupNumber])
	}
}
