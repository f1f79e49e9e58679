package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"

	"github.com/ChuLiYu/drmlicense-service/internal/httpclient"
)

// ============================================================================
// Launcher / Downloader 預設實作
// ============================================================================

// CommandLauncher 以外部指令（例如 xdg-open）開啟 LUI 網址
type CommandLauncher struct {
	Command string
	Args    []string // 放在網址之前的參數
}

// Launch implements Launcher
func (l *CommandLauncher) Launch(ctx context.Context, target string) error {
	if l.Command == "" {
		return errors.New("job: no launcher command configured")
	}
	args := append(append([]string(nil), l.Args...), target)
	if out, err := exec.CommandContext(ctx, l.Command, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("job: launch %s: %w: %s", l.Command, err, out)
	}
	return nil
}

// HTTPDownloader 透過 HTTP 引擎把內容串流寫進目錄
//
// 檔名取網址路徑的最後一段，前面加上工作階段編號避免不同工作階段互相覆蓋。
// 寫入先到暫存檔，完成後才改名。
type HTTPDownloader struct {
	Client HTTPClient
	Dir    string
	Logger *slog.Logger
}

// Download implements Downloader
func (d *HTTPDownloader) Download(ctx context.Context, sessionID int64, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", httpclient.ErrInvalidRequest, err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = "content"
	}
	dest := filepath.Join(d.Dir, strconv.FormatInt(sessionID, 10)+"-"+name)

	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return fmt.Errorf("job: create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(d.Dir, ".download-*")
	if err != nil {
		return fmt.Errorf("job: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var writeErr error
	resp, err := d.Client.Stream(ctx, httpclient.Request{
		SessionID:       sessionID,
		URL:             rawURL,
		FollowRedirects: true,
	}, func(chunk []byte) bool {
		if _, err := tmp.Write(chunk); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	closeErr := tmp.Close()
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("%w: %d", httpclient.ErrUnexpectedStatus, resp.StatusCode)
	}
	if writeErr != nil {
		return fmt.Errorf("job: write content: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("job: write content: %w", closeErr)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("job: store content: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("content downloaded", "session", sessionID, "path", dest)
	return nil
}
