package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

type fakeSessions map[int64]Options

func (f fakeSessions) HTTPOptions(id int64) (Options, bool) {
	o, ok := f[id]
	return o, ok
}

func fastOptions(retries, redirects int) Options {
	return Options{Timeout: 20 * time.Millisecond, RetryLimit: retries, RedirectLimit: redirects}
}

func TestExecute_SuccessCapturesBodyAndMIME(t *testing.T) {
	var gotAction, gotID, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get("SOAPAction")
		gotID = r.Header.Get("X-Request-Id")
		gotCT = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		fmt.Fprint(w, "<ok/>")
	}))
	defer srv.Close()

	e := New(Config{Defaults: fastOptions(1, 1)})
	resp, err := e.Execute(context.Background(), Request{URL: srv.URL, Body: []byte("<req/>"), SOAPAction: "AcquireLicense"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/xml", resp.MIMEType)
	assert.Equal(t, "<ok/>", string(resp.Body))
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, `"`+SOAPActionPrefix+`AcquireLicense"`, gotAction)
	assert.Equal(t, resp.RequestID, gotID)
	assert.Equal(t, "text/xml; charset=utf-8", gotCT)
}

func TestExecute_500IsCaptured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "<fault/>")
	}))
	defer srv.Close()

	resp, err := New(Config{Defaults: fastOptions(3, 1)}).Execute(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "<fault/>", string(resp.Body))
	assert.Equal(t, 1, resp.Attempts)
}

func TestExecute_TransportFailureRetryBound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var retries []int
	e := New(Config{
		Defaults: fastOptions(3, 1),
		Hooks:    Hooks{OnRetry: func(_ int64, attempt int, cause string) { retries = append(retries, attempt) }},
	})

	resp, err := e.Execute(context.Background(), Request{URL: url})
	require.ErrorIs(t, err, ErrTooManyRetries)
	assert.Equal(t, 4, resp.Attempts, "limit N gives N+1 attempts")
	assert.Equal(t, []int{1, 2, 3}, retries)

	code, _ := ErrorCode(resp, err)
	assert.Equal(t, types.ErrCodeTooManyRetries, code)
}

func TestExecute_503KeepsInnerStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	start := time.Now()
	resp, err := New(Config{Defaults: fastOptions(2, 1)}).Execute(context.Background(), Request{URL: srv.URL})
	require.ErrorIs(t, err, ErrTooManyRetries)
	assert.Equal(t, int32(3), hits.Load())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "each 503 waits the full timeout")

	code, inner := ErrorCode(resp, err)
	assert.Equal(t, types.ErrCodeTooManyRetries, code)
	assert.Equal(t, http.StatusServiceUnavailable, inner)
}

func TestExecute_408RetriesImmediately(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusRequestTimeout)
			return
		}
		fmt.Fprint(w, "done")
	}))
	defer srv.Close()

	e := New(Config{Defaults: Options{Timeout: 2 * time.Second, RetryLimit: 2, RedirectLimit: 1}})
	start := time.Now()
	resp, err := e.Execute(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecute_RedirectBound(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n), http.StatusFound)
	}))
	defer srv.Close()

	resp, err := New(Config{Defaults: fastOptions(1, 3)}).Execute(context.Background(), Request{URL: srv.URL, FollowRedirects: true})
	require.ErrorIs(t, err, ErrTooManyRedirects)
	assert.Equal(t, int32(4), hits.Load(), "limit M gives M+1 requests")
	assert.Equal(t, 3, resp.Redirects)

	code, _ := ErrorCode(resp, err)
	assert.Equal(t, types.ErrCodeTooManyRedirects, code)
}

func TestExecute_RedirectsDoNotConsumeRetries(t *testing.T) {
	var finalHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) { http.Redirect(w, r, "/b", http.StatusMovedPermanently) })
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) { http.Redirect(w, r, "/c", http.StatusTemporaryRedirect) })
	mux.HandleFunc("/c", func(w http.ResponseWriter, r *http.Request) {
		if finalHits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "license")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := New(Config{Defaults: fastOptions(1, 2)}).Execute(context.Background(), Request{URL: srv.URL + "/a", FollowRedirects: true})
	require.NoError(t, err)
	assert.Equal(t, "license", string(resp.Body))
	assert.Equal(t, 2, resp.Redirects)
	assert.Equal(t, srv.URL+"/c", resp.FinalURL)
}

func TestExecute_SurfacedRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new-endpoint", http.StatusSeeOther)
	}))
	defer srv.Close()

	resp, err := New(Config{Defaults: fastOptions(1, 1)}).Execute(context.Background(), Request{URL: srv.URL + "/old", Body: []byte("x")})
	require.NoError(t, err)
	assert.True(t, resp.Redirected())
	assert.Equal(t, srv.URL+"/new-endpoint", resp.RedirectURL)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
}

func TestExecute_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	resp, err := New(Config{Defaults: fastOptions(3, 1)}).Execute(context.Background(), Request{URL: srv.URL})
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Equal(t, 1, resp.Attempts)
	code, _ := ErrorCode(resp, err)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestExecute_InvalidURL(t *testing.T) {
	resp, err := New(Config{}).Execute(context.Background(), Request{URL: "ftp://nope"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	code, _ := ErrorCode(resp, err)
	assert.Equal(t, types.ErrCodeInternal, code)
}

func TestCancel_BeforeSend(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	e := New(Config{})
	e.PrepareCancel(7)
	assert.True(t, e.Cancelled(7))
	assert.False(t, e.Cancelled(8))

	resp, err := e.Execute(context.Background(), Request{SessionID: 7, URL: srv.URL})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int32(0), hits.Load())
	code, _ := ErrorCode(resp, err)
	assert.Equal(t, types.ErrCodeCancelled, code)

	// 其他工作階段不受影響
	_, err = e.Execute(context.Background(), Request{SessionID: 8, URL: srv.URL})
	require.NoError(t, err)

	e.ClearCancel(7)
	assert.False(t, e.Cancelled(7))
}

func TestCancel_WakesBackoffWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := New(Config{Defaults: Options{Timeout: 10 * time.Second, RetryLimit: 5, RedirectLimit: 1}})
	go func() {
		time.Sleep(50 * time.Millisecond)
		e.PrepareCancel(3)
	}()

	start := time.Now()
	_, err := e.Execute(context.Background(), Request{SessionID: 3, URL: srv.URL})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStream_EarlyAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		chunk := strings.Repeat("a", 64<<10)
		for i := 0; i < 64; i++ {
			if _, err := fmt.Fprint(w, chunk); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var seen int
	resp, err := New(Config{Defaults: fastOptions(1, 1)}).Stream(context.Background(), Request{URL: srv.URL}, func(b []byte) bool {
		seen += len(b)
		return seen < 100<<10
	})
	require.NoError(t, err)
	assert.True(t, resp.Aborted)
	assert.Equal(t, "video/mp4", resp.MIMEType)
	assert.Less(t, seen, 64*64<<10)
}

func TestSessionOptionsApplied(t *testing.T) {
	var gotHeader, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Custom")
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	e := New(Config{Sessions: fakeSessions{5: {UserAgent: "drm-agent/1.0", Headers: map[string]string{"X-Custom": "yes"}}}})
	_, err := e.Execute(context.Background(), Request{SessionID: 5, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "yes", gotHeader)
	assert.Equal(t, "drm-agent/1.0", gotUA)

	_, err = e.Execute(context.Background(), Request{SessionID: 6, URL: srv.URL})
	require.NoError(t, err)
	assert.Empty(t, gotHeader)
}

func TestOptionsMerge(t *testing.T) {
	base := DefaultOptions()
	base.Headers = map[string]string{"A": "1"}

	got := Options{RetryLimit: 2, Headers: map[string]string{"B": "2"}}.merge(base)
	assert.Equal(t, DefaultTimeout, got.Timeout)
	assert.Equal(t, 2, got.RetryLimit)
	assert.Equal(t, DefaultRedirectLimit, got.RedirectLimit)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, got.Headers)
	assert.Equal(t, map[string]string{"A": "1"}, base.Headers, "base is not mutated")
}
