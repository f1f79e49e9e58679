package job

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/drmlicense-service/internal/drm"
	"github.com/ChuLiYu/drmlicense-service/internal/httpclient"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeRuntime 記錄 job 對執行環境的所有操作；stack 的最後一個元素是頂端
type fakeRuntime struct {
	mu sync.Mutex

	session   int64
	stack     []Job
	current   int
	nextGroup int
	groups    int
	cancelled bool
	attached  bool
	params    map[string]any
	reports   []types.Report
	results   []bool

	http       HTTPClient
	drm        drm.Engine
	launcher   Launcher
	downloader Downloader
}

func newFakeRuntime(engine drm.Engine) *fakeRuntime {
	return &fakeRuntime{
		session: 42,
		params:  map[string]any{},
		drm:     engine,
		http: httpclient.New(httpclient.Config{
			Client:   &http.Client{},
			Defaults: httpclient.Options{Timeout: 200 * time.Millisecond, RetryLimit: 1, RedirectLimit: 3},
		}),
	}
}

func (f *fakeRuntime) SessionID() int64 { return f.session }

func (f *fakeRuntime) Push(j Job) { f.PushInGroup(j, f.current) }

func (f *fakeRuntime) PushInGroup(j Job, groupID int) {
	j.SetGroupID(groupID)
	j.SetRowID(-1)
	f.stack = append(f.stack, j)
}

func (f *fakeRuntime) RemoveLastOfType(t Type) Job {
	for i := len(f.stack) - 1; i >= 0; i-- {
		if f.stack[i].Type() == t {
			j := f.stack[i]
			f.stack = append(f.stack[:i], f.stack[i+1:]...)
			return j
		}
	}
	return nil
}

func (f *fakeRuntime) NewGroup() int {
	f.nextGroup++
	return f.nextGroup
}

func (f *fakeRuntime) SetGroupCount(n int) { f.groups = n }

func (f *fakeRuntime) GroupCount() int { return f.groups }

func (f *fakeRuntime) Cancelled() bool { return f.cancelled }

func (f *fakeRuntime) SetParam(key string, value any) {
	if value == nil {
		delete(f.params, key)
		return
	}
	f.params[key] = value
}

func (f *fakeRuntime) Param(key string) (any, bool) {
	v, ok := f.params[key]
	return v, ok
}

func (f *fakeRuntime) Report(state types.ProgressState, success bool, params map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, types.Report{SessionID: f.session, State: state, Success: success, Params: params})
}

func (f *fakeRuntime) MarkResult(ok bool) { f.results = append(f.results, ok) }

func (f *fakeRuntime) CallbackAttached() bool { return f.attached }

func (f *fakeRuntime) HTTP() HTTPClient { return f.http }

func (f *fakeRuntime) DRM() drm.Engine { return f.drm }

func (f *fakeRuntime) Launcher() Launcher { return f.launcher }

func (f *fakeRuntime) Downloader() Downloader { return f.downloader }

func (f *fakeRuntime) Logger() *slog.Logger { return slog.Default() }

// stackTypes 回傳 stack 中由底到頂的 job 類型
func (f *fakeRuntime) stackTypes() []Type {
	out := make([]Type, len(f.stack))
	for i, j := range f.stack {
		out[i] = j.Type()
	}
	return out
}

// top 回傳頂端的 job
func (f *fakeRuntime) top() Job {
	if len(f.stack) == 0 {
		return nil
	}
	return f.stack[len(f.stack)-1]
}

// scriptedEngine 依請求類型回傳固定回覆，並記錄收到的請求
type scriptedEngine struct {
	mu      sync.Mutex
	replies map[drm.Kind][]map[string]string
	calls   []drm.Kind
	fields  map[drm.Kind]map[string]string
}

func newScriptedEngine() *scriptedEngine {
	return &scriptedEngine{
		replies: map[drm.Kind][]map[string]string{},
		fields:  map[drm.Kind]map[string]string{},
	}
}

// on 為 kind 排入一個回覆；最後一個回覆會被重複使用
func (e *scriptedEngine) on(kind drm.Kind, reply map[string]string) *scriptedEngine {
	e.replies[kind] = append(e.replies[kind], reply)
	return e
}

func (e *scriptedEngine) SubmitInfoRequest(_ context.Context, kind drm.Kind, _ string, fields map[string]string) (map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, kind)
	e.fields[kind] = fields
	queue := e.replies[kind]
	if len(queue) == 0 {
		return nil, nil
	}
	reply := queue[0]
	if len(queue) > 1 {
		e.replies[kind] = queue[1:]
	}
	return reply, nil
}

func (e *scriptedEngine) count(kind drm.Kind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, k := range e.calls {
		if k == kind {
			n++
		}
	}
	return n
}

func okReply(kv ...string) map[string]string {
	r := map[string]string{drm.ReplyStatus: drm.StatusOK}
	for i := 0; i+1 < len(kv); i += 2 {
		r[kv[i]] = kv[i+1]
	}
	return r
}
