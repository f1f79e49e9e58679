package drm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// Command 以外部 helper 程式作為 DRM 引擎。
//
// 每個請求啟動一次 helper，stdin 寫入
//
//	{"kind": "...", "mime_type": "...", "fields": {...}}
//
// stdout 讀回 {"reply": {...}}；reply 為 null 代表沒有答案。
type Command struct {
	Path    string
	Args    []string
	Timeout time.Duration
	Logger  *slog.Logger
}

type commandRequest struct {
	Kind     Kind              `json:"kind"`
	MIMEType string            `json:"mime_type"`
	Fields   map[string]string `json:"fields"`
}

type commandResponse struct {
	Reply map[string]string `json:"reply"`
}

// SubmitInfoRequest implements Engine
func (c *Command) SubmitInfoRequest(ctx context.Context, kind Kind, mimeType string, fields map[string]string) (map[string]string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	in, err := json.Marshal(commandRequest{Kind: kind, MIMEType: mimeType, Fields: fields})
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("drm: helper %s: %w (stderr: %s)", c.Path, err, bytes.TrimSpace(stderr.Bytes()))
	}
	c.logger().Debug("drm helper finished", "kind", kind, "mime", mimeType, "duration", time.Since(start))

	var out commandResponse
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("drm: helper %s: decode reply: %w", c.Path, err)
	}
	return out.Reply, nil
}

func (c *Command) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
