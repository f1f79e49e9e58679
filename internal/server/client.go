package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ChuLiYu/drmlicense-service/internal/httpclient"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client LicenseService 的客戶端，CLI 子命令透過它連到執行中的服務
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial 以不加密的連線連到 addr
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient 包裝既有的連線
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close 關閉 Dial 建立的連線
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// SessionInfo Status 回覆中的一個工作階段
type SessionInfo struct {
	ID      int64
	Kind    string
	State   string
	Pending int
}

// StatusInfo Status 回覆
type StatusInfo struct {
	Uptime   time.Duration
	Workers  int
	Busy     int
	Sessions []SessionInfo
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]*structpb.Value) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, &structpb.Struct{Fields: in}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func withOptions(in map[string]*structpb.Value, opts *httpclient.Options) map[string]*structpb.Value {
	if opts != nil {
		in[fieldHTTP] = OptionsToStruct(*opts)
	}
	return in
}

// RenewRights 建立 renew 工作階段
func (c *Client) RenewRights(ctx context.Context, location, pssh, customData string, opts *httpclient.Options) (int64, error) {
	out, err := c.invoke(ctx, methodRenewRights, withOptions(map[string]*structpb.Value{
		fieldLocation:   structpb.NewStringValue(location),
		fieldPSSH:       structpb.NewStringValue(pssh),
		fieldCustomData: structpb.NewStringValue(customData),
	}, opts))
	if err != nil {
		return 0, err
	}
	return int64(out.GetFields()[fieldSessionID].GetNumberValue()), nil
}

// ProcessWebInitiator 建立 web initiator 工作階段
func (c *Client) ProcessWebInitiator(ctx context.Context, url, document string, opts *httpclient.Options) (int64, error) {
	out, err := c.invoke(ctx, methodProcessWebInitiator, withOptions(map[string]*structpb.Value{
		fieldURL:      structpb.NewStringValue(url),
		fieldDocument: structpb.NewStringValue(document),
	}, opts))
	if err != nil {
		return 0, err
	}
	return int64(out.GetFields()[fieldSessionID].GetNumberValue()), nil
}

// SetHTTPParameters 更新工作階段的 HTTP 參數
func (c *Client) SetHTTPParameters(ctx context.Context, id int64, opts httpclient.Options) error {
	_, err := c.invoke(ctx, methodSetHTTPParameters, withOptions(map[string]*structpb.Value{
		fieldSessionID: structpb.NewNumberValue(float64(id)),
	}, &opts))
	return err
}

// Cancel 取消工作階段
func (c *Client) Cancel(ctx context.Context, id int64) error {
	_, err := c.invoke(ctx, methodCancel, map[string]*structpb.Value{
		fieldSessionID: structpb.NewNumberValue(float64(id)),
	})
	return err
}

// Status 取得服務狀態
func (c *Client) Status(ctx context.Context) (StatusInfo, error) {
	out, err := c.invoke(ctx, methodStatus, map[string]*structpb.Value{})
	if err != nil {
		return StatusInfo{}, err
	}

	f := out.GetFields()
	info := StatusInfo{
		Uptime:  time.Duration(f["uptime_ms"].GetNumberValue()) * time.Millisecond,
		Workers: int(f["workers"].GetNumberValue()),
		Busy:    int(f["busy"].GetNumberValue()),
	}
	for _, v := range f["sessions"].GetListValue().GetValues() {
		sf := v.GetStructValue().GetFields()
		info.Sessions = append(info.Sessions, SessionInfo{
			ID:      int64(sf["id"].GetNumberValue()),
			Kind:    sf["kind"].GetStringValue(),
			State:   sf["state"].GetStringValue(),
			Pending: int(sf["pending"].GetNumberValue()),
		})
	}
	return info, nil
}

// Subscribe 讀取工作階段的回報，每筆呼叫一次 fn，直到最後一個回報或 fn 回傳錯誤
func (c *Client) Subscribe(ctx context.Context, id int64, fn func(types.Report) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], methodSubscribe)
	if err != nil {
		return err
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldSessionID: structpb.NewNumberValue(float64(id)),
	}}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(ReportFromStruct(msg)); err != nil {
			return err
		}
	}
}
