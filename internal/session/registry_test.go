package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/drmlicense-service/internal/httpclient"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

type recorder struct {
	mu      sync.Mutex
	reports []types.Report
	fail    bool
}

func (r *recorder) OnProgressReport(id int64, state types.ProgressState, success bool, params map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("client gone")
	}
	r.reports = append(r.reports, types.Report{SessionID: id, State: state, Success: success, Params: params})
	return nil
}

func (r *recorder) states() []types.ProgressState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ProgressState, len(r.reports))
	for i, rep := range r.reports {
		out[i] = rep.State
	}
	return out
}

func TestReport_LiveCallback(t *testing.T) {
	reg := NewRegistry(0, Hooks{}, nil)
	rec := &recorder{}
	reg.Open(1, rec)

	assert.True(t, reg.Attached(1))

	reg.Report(types.Report{SessionID: 1, State: types.StateAcquireLicense, Success: true})
	assert.Equal(t, []types.ProgressState{types.StateAcquireLicense}, rec.states())
	assert.Equal(t, 0, reg.Pending(1))

	reg.Detach(1)
	assert.False(t, reg.Attached(1))
}

func TestAttach_ReplaysInOrderAndClears(t *testing.T) {
	reg := NewRegistry(0, Hooks{}, nil)
	reg.Open(2, nil)

	reg.Report(types.Report{SessionID: 2, State: types.StateWebInitiatorCount, Success: true, Params: map[string]any{types.ParamGroupCount: 2}})
	reg.Report(types.Report{SessionID: 2, State: types.StateAcquireLicense, Success: true})
	reg.Report(types.Report{SessionID: 2, State: types.StateJoinDomain, Success: false})
	require.Equal(t, 3, reg.Pending(2))

	rec := &recorder{}
	assert.Equal(t, 3, reg.Attach(2, rec))
	assert.Equal(t, []types.ProgressState{types.StateWebInitiatorCount, types.StateAcquireLicense, types.StateJoinDomain}, rec.states())
	assert.Equal(t, 0, reg.Pending(2))
	assert.Equal(t, 2, rec.reports[0].Params[types.ParamGroupCount])

	// 之後的回報直接送出
	reg.Report(types.Report{SessionID: 2, State: types.StateMetering, Success: true})
	assert.Len(t, rec.states(), 4)
}

func TestReport_FailedDeliveryIsBuffered(t *testing.T) {
	var buffered int
	reg := NewRegistry(0, Hooks{OnBuffered: func(int64) { buffered++ }}, nil)
	rec := &recorder{fail: true}
	reg.Open(3, rec)

	reg.Report(types.Report{SessionID: 3, State: types.StateAcquireLicense})
	reg.Report(types.Report{SessionID: 3, State: types.StateLeaveDomain})
	assert.Equal(t, 2, reg.Pending(3))
	assert.Equal(t, 2, buffered)

	// 補送一半失敗：剩下的保留
	partial := &recorder{fail: true}
	assert.Equal(t, 0, reg.Attach(3, partial))
	assert.Equal(t, 2, reg.Pending(3))

	ok := &recorder{}
	assert.Equal(t, 2, reg.Attach(3, ok))
	assert.Equal(t, []types.ProgressState{types.StateAcquireLicense, types.StateLeaveDomain}, ok.states())
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	var dropped []types.ProgressState
	var terminal []int64
	reg := NewRegistry(3, Hooks{
		OnDropped:  func(_ int64, r types.Report) { dropped = append(dropped, r.State) },
		OnTerminal: func(id int64) { terminal = append(terminal, id) },
	}, nil)
	reg.Cancel(4)
	reg.SetHTTPOptions(4, httpclient.Options{RetryLimit: 1})

	reg.Report(types.Report{SessionID: 4, State: types.StateRenewRights})
	reg.Report(types.Report{SessionID: 4, State: types.StateAcquireLicense})
	reg.Report(types.Report{SessionID: 4, State: types.StateJoinDomain})
	assert.Empty(t, terminal)

	reg.Report(types.Report{SessionID: 4, State: types.StateLeaveDomain})
	reg.Report(types.Report{SessionID: 4, State: types.StateMetering})

	assert.Equal(t, 3, reg.Pending(4))
	assert.Equal(t, []types.ProgressState{types.StateRenewRights, types.StateAcquireLicense}, dropped)

	// 被丟棄的最後回報仍執行清理
	assert.Equal(t, []int64{4}, terminal)
	assert.True(t, reg.Finished(4))
	assert.False(t, reg.Cancelled(4))
	_, ok := reg.HTTPOptions(4)
	assert.False(t, ok)

	rec := &recorder{}
	reg.Attach(4, rec)
	assert.Equal(t, []types.ProgressState{types.StateJoinDomain, types.StateLeaveDomain, types.StateMetering}, rec.states())
}

func TestTerminalReportForgetsSession(t *testing.T) {
	var terminal []int64
	reg := NewRegistry(0, Hooks{OnTerminal: func(id int64) { terminal = append(terminal, id) }}, nil)
	reg.Report(types.Report{SessionID: 5, State: types.StateCancelled})
	assert.Empty(t, terminal, "buffered terminal report waits for a callback")

	rec := &recorder{}
	reg.Attach(5, rec)
	assert.Equal(t, []int64{5}, terminal)

	reg.Detach(5)
	assert.NotContains(t, reg.Sessions(), int64(5))
}

func TestCancelAndOptions(t *testing.T) {
	reg := NewRegistry(0, Hooks{}, nil)
	assert.False(t, reg.Cancelled(6))
	reg.Cancel(6)
	assert.True(t, reg.Cancelled(6))

	_, ok := reg.HTTPOptions(6)
	assert.False(t, ok)
	reg.SetHTTPOptions(6, httpclient.Options{Timeout: time.Second, Headers: map[string]string{"A": "b"}})
	opts, ok := reg.HTTPOptions(6)
	require.True(t, ok)
	assert.Equal(t, time.Second, opts.Timeout)

	var _ httpclient.OptionsSource = reg
}

func TestAllOKAggregate(t *testing.T) {
	reg := NewRegistry(0, Hooks{}, nil)
	reg.Open(7, nil)
	assert.True(t, reg.AllOK(7))
	reg.MarkResult(7, true)
	assert.True(t, reg.AllOK(7))
	reg.MarkResult(7, false)
	reg.MarkResult(7, true)
	assert.False(t, reg.AllOK(7))

	reg.Open(7, nil)
	assert.True(t, reg.AllOK(7))
}

func TestNewSessionIDUniqueAndIncreasing(t *testing.T) {
	reg := NewRegistry(0, Hooks{}, nil)
	reg.Reserve(time.Now().Add(time.Hour).UnixMilli())

	prev := int64(0)
	for i := 0; i < 1000; i++ {
		id := reg.NewSessionID()
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestSessionsSorted(t *testing.T) {
	reg := NewRegistry(0, Hooks{}, nil)
	reg.Open(30, nil)
	reg.Open(10, nil)
	reg.Open(20, nil)
	assert.Equal(t, []int64{10, 20, 30}, reg.Sessions())

	reg.Forget(20)
	assert.Equal(t, []int64{10, 30}, reg.Sessions())
}
