// ============================================================================
// DRM License Service gRPC Server
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 把 Controller 的入口（RenewRights / ProcessWebInitiator / SetHttpParameters /
//       Cancel）開放為 gRPC，並以 Subscribe 串流推送進度回報
//
// 回報流程:
//   gRPC 建立的工作階段沒有 callback，所有回報先暫存在 Session Registry；
//   客戶端 Subscribe 時 Attach 一個把回報寫進串流的 callback，暫存的回報依序補送，
//   收到最後一個回報（terminal）後串流結束。
//
//   Client ──Subscribe──> Server ──Attach──> Registry
//                           ↑                   │
//                           └──── reports ──────┘
//
// 錯誤對應:
//   controller.ErrInvalidArgument  → codes.InvalidArgument
//   controller.ErrUnknownSession   → codes.NotFound
//   controller.ErrNotStarted/Stopped → codes.Unavailable
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/drmlicense-service/internal/controller"
	"github.com/ChuLiYu/drmlicense-service/internal/httpclient"
	"github.com/ChuLiYu/drmlicense-service/internal/session"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// 訊息欄位
const (
	fieldSessionID  = "session_id"
	fieldLocation   = "location"
	fieldPSSH       = "pssh"
	fieldCustomData = "custom_data"
	fieldURL        = "url"
	fieldDocument   = "document"
	fieldHTTP       = "http"
	fieldState      = "state"
	fieldStateName  = "state_name"
	fieldSuccess    = "success"
	fieldParams     = "params"

	fieldTimeoutMs     = "timeout_ms"
	fieldRetryLimit    = "retry_limit"
	fieldRedirectLimit = "redirect_limit"
	fieldUserAgent     = "user_agent"
	fieldHeaders       = "headers"
)

// subscribeBuffer 串流寫入前的回報緩衝
const subscribeBuffer = 16

// Backend Server 需要的 Controller 能力
type Backend interface {
	RenewRights(req controller.RenewRequest, cb session.Callback, opts *httpclient.Options) (int64, error)
	ProcessWebInitiator(req controller.InitiatorRequest, cb session.Callback, opts *httpclient.Options) (int64, error)
	SetHTTPParams(id int64, opts httpclient.Options) error
	Cancel(id int64) error
	GetStatus() controller.Status
	Known(id int64) bool
	Attach(id int64, cb session.Callback) int
	Detach(id int64)
}

// Server implements LicenseServiceServer on top of the controller.
type Server struct {
	backend Backend
	logger  *slog.Logger
}

var _ LicenseServiceServer = (*Server)(nil)

// NewServer creates a new gRPC server instance.
func NewServer(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: backend, logger: logger.With("component", "grpc")}
}

// Register 建立 grpc.Server 並註冊服務
func (s *Server) Register(opts ...grpc.ServerOption) *grpc.Server {
	gs := grpc.NewServer(opts...)
	RegisterLicenseServiceServer(gs, s)
	return gs
}

// ============================================================================
// Unary RPC
// ============================================================================

// RenewRights 開始一個 renew 工作階段
func (s *Server) RenewRights(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	opts, err := optionsFromStruct(req)
	if err != nil {
		return nil, err
	}
	id, err := s.backend.RenewRights(controller.RenewRequest{
		Location:   stringField(req, fieldLocation),
		PSSH:       stringField(req, fieldPSSH),
		CustomData: stringField(req, fieldCustomData),
	}, nil, opts)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("renew session created", "session", id)
	return sessionReply(id), nil
}

// ProcessWebInitiator 開始一個 web initiator 工作階段
func (s *Server) ProcessWebInitiator(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	opts, err := optionsFromStruct(req)
	if err != nil {
		return nil, err
	}
	id, err := s.backend.ProcessWebInitiator(controller.InitiatorRequest{
		URL:      stringField(req, fieldURL),
		Document: stringField(req, fieldDocument),
	}, nil, opts)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("web initiator session created", "session", id)
	return sessionReply(id), nil
}

// SetHttpParameters 更新工作階段的 HTTP 參數
func (s *Server) SetHttpParameters(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionIDField(req)
	if err != nil {
		return nil, err
	}
	opts, err := optionsFromStruct(req)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		return nil, status.Error(codes.InvalidArgument, "http parameters are required")
	}
	if err := s.backend.SetHTTPParams(id, *opts); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// Cancel 取消工作階段
func (s *Server) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionIDField(req)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Cancel(id); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// Status 系統狀態
func (s *Server) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st := s.backend.GetStatus()

	sessions := make([]any, 0, len(st.Sessions))
	for _, ss := range st.Sessions {
		sessions = append(sessions, map[string]any{
			"id":      float64(ss.ID),
			"kind":    string(ss.Kind),
			"state":   ss.State.String(),
			"pending": ss.Pending,
		})
	}
	out, err := structpb.NewStruct(map[string]any{
		"uptime_ms": st.Uptime.Milliseconds(),
		"workers":   st.Workers,
		"busy":      st.Busy,
		"sessions":  sessions,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

// ============================================================================
// Subscribe 串流
// ============================================================================

// Subscribe 把工作階段的回報推到串流，直到最後一個回報送出
//
// Attach 在獨立的 goroutine 執行：暫存回報的補送會呼叫 callback，
// 而只有這個 handler 會讀取 reports 並寫入串流。
func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	id, err := sessionIDField(req)
	if err != nil {
		return err
	}
	if !s.backend.Known(id) {
		return status.Errorf(codes.NotFound, "session %d not found", id)
	}

	ctx, cancel := context.WithCancel(stream.Context())
	reports := make(chan types.Report, subscribeBuffer)
	cb := session.CallbackFunc(func(sid int64, state types.ProgressState, success bool, params map[string]any) error {
		select {
		case reports <- types.Report{SessionID: sid, State: state, Success: success, Params: params}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	attached := make(chan struct{})
	go func() {
		defer close(attached)
		if n := s.backend.Attach(id, cb); n > 0 {
			s.logger.Debug("replayed buffered reports", "session", id, "count", n)
		}
	}()
	defer func() {
		cancel()
		<-attached
		s.backend.Detach(id)
	}()

	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case rep := <-reports:
			msg, err := ReportToStruct(rep)
			if err != nil {
				return status.Errorf(codes.Internal, "encode report: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			if rep.State.Terminal() {
				return nil
			}
		}
	}
}

// ============================================================================
// 輔助函式
// ============================================================================

// ReportToStruct 把回報轉成串流訊息
func ReportToStruct(rep types.Report) (*structpb.Struct, error) {
	params := make(map[string]any, len(rep.Params))
	for k, v := range rep.Params {
		params[k] = paramValue(v)
	}
	return structpb.NewStruct(map[string]any{
		fieldSessionID: float64(rep.SessionID),
		fieldState:     int(rep.State),
		fieldStateName: rep.State.String(),
		fieldSuccess:   rep.Success,
		fieldParams:    params,
	})
}

// ReportFromStruct 串流訊息轉回回報；參數中的數字會是 float64
func ReportFromStruct(msg *structpb.Struct) types.Report {
	fields := msg.GetFields()
	rep := types.Report{
		SessionID: int64(fields[fieldSessionID].GetNumberValue()),
		State:     types.ProgressState(fields[fieldState].GetNumberValue()),
		Success:   fields[fieldSuccess].GetBoolValue(),
	}
	if p := fields[fieldParams].GetStructValue(); p != nil {
		rep.Params = p.AsMap()
	}
	return rep
}

// paramValue 轉成 structpb 能接受的型別
func paramValue(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int, int32, int64, uint32, uint64, float32, float64:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func sessionReply(id int64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldSessionID: structpb.NewNumberValue(float64(id)),
	}}
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func sessionIDField(s *structpb.Struct) (int64, error) {
	v, ok := s.GetFields()[fieldSessionID]
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "session_id is required")
	}
	if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum {
		return 0, status.Error(codes.InvalidArgument, "session_id must be a number")
	}
	return int64(v.GetNumberValue()), nil
}

// optionsFromStruct 讀取 http 欄位；沒有設定時回傳 nil
func optionsFromStruct(s *structpb.Struct) (*httpclient.Options, error) {
	v, ok := s.GetFields()[fieldHTTP]
	if !ok {
		return nil, nil
	}
	h := v.GetStructValue()
	if h == nil {
		return nil, status.Error(codes.InvalidArgument, "http must be an object")
	}

	f := h.GetFields()
	opts := &httpclient.Options{
		Timeout:       time.Duration(f[fieldTimeoutMs].GetNumberValue()) * time.Millisecond,
		RetryLimit:    int(f[fieldRetryLimit].GetNumberValue()),
		RedirectLimit: int(f[fieldRedirectLimit].GetNumberValue()),
		UserAgent:     f[fieldUserAgent].GetStringValue(),
	}
	if opts.Timeout < 0 || opts.RetryLimit < 0 || opts.RedirectLimit < 0 {
		return nil, status.Error(codes.InvalidArgument, "http limits must not be negative")
	}
	if hdr := f[fieldHeaders].GetStructValue(); hdr != nil {
		opts.Headers = make(map[string]string, len(hdr.GetFields()))
		for k, hv := range hdr.GetFields() {
			opts.Headers[k] = hv.GetStringValue()
		}
	}
	return opts, nil
}

// OptionsToStruct 把 HTTP 參數編成 http 欄位
func OptionsToStruct(opts httpclient.Options) *structpb.Value {
	f := map[string]*structpb.Value{}
	if opts.Timeout > 0 {
		f[fieldTimeoutMs] = structpb.NewNumberValue(float64(opts.Timeout.Milliseconds()))
	}
	if opts.RetryLimit > 0 {
		f[fieldRetryLimit] = structpb.NewNumberValue(float64(opts.RetryLimit))
	}
	if opts.RedirectLimit > 0 {
		f[fieldRedirectLimit] = structpb.NewNumberValue(float64(opts.RedirectLimit))
	}
	if opts.UserAgent != "" {
		f[fieldUserAgent] = structpb.NewStringValue(opts.UserAgent)
	}
	if len(opts.Headers) > 0 {
		hdr := map[string]*structpb.Value{}
		for k, v := range opts.Headers {
			hdr[k] = structpb.NewStringValue(v)
		}
		f[fieldHeaders] = structpb.NewStructValue(&structpb.Struct{Fields: hdr})
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: f})
}

// toStatus 把 controller 錯誤對應到 gRPC 狀態碼
func toStatus(err error) error {
	switch {
	case errors.Is(err, controller.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, controller.ErrUnknownSession):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, controller.ErrNotStarted), errors.Is(err, controller.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
