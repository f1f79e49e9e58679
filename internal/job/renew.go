package job

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/ChuLiYu/drmlicense-service/internal/box"
	"github.com/ChuLiYu/drmlicense-service/internal/httpclient"
	"github.com/ChuLiYu/drmlicense-service/internal/storage"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
)

// maxRemoteScan 遠端內容最多讀取多少位元組來找標頭
const maxRemoteScan = 8 << 20

// errHeaderFetch 遠端內容無法取得（錯誤碼已記錄）
var errHeaderFetch = errors.New("job: header fetch failed")

// RenewRights 找出內容的授權標頭，推入 AcquireLicense（與失敗時開啟 LUI 的 job）
type RenewRights struct {
	base
	Location   string // 本機路徑、file:// 或 http(s) 網址
	PSSH       string // base64 的 pssh box 或 PlayReady object，優先於 Location
	CustomData string
}

// Type implements Job
func (j *RenewRights) Type() Type { return TypeRenewRights }

// Row implements Job
func (j *RenewRights) Row() storage.Row {
	r := j.row(TypeRenewRights)
	r.General[0] = j.Location
	r.General[1] = j.PSSH
	r.General[2] = j.CustomData
	return r
}

// ExecuteNormal implements Job
func (j *RenewRights) ExecuteNormal(ctx context.Context, rt Runtime) bool {
	header, err := j.resolveHeader(ctx, rt)
	if errors.Is(err, errHeaderFetch) {
		return false
	}
	if err != nil {
		rt.Logger().Info("no license header", "location", j.Location, "error", err)
		setHTTPError(rt, types.ErrCodeNoLicenseHeader, 0)
		return false
	}

	h, err := box.ParseLicenseHeader(header)
	if err != nil {
		rt.Logger().Info("unparseable license header", "error", err)
		setHTTPError(rt, types.ErrCodeXMLParsing, 0)
		return false
	}
	rt.Logger().Debug("license header found", "version", h.Version, "la_url", h.LAURL, "lui_url", h.LUIURL)

	if h.LUIURL != "" {
		rt.Push(&LaunchLuiURLIfFailure{URL: h.LUIURL})
	}
	acquire := &AcquireLicense{
		Source:     header,
		SourceKind: SourceHeader,
		CustomData: j.CustomData,
	}
	if isRemote(j.Location) {
		acquire.ContentURL = j.Location
	}
	rt.Push(acquire)
	return true
}

func (j *RenewRights) resolveHeader(ctx context.Context, rt Runtime) (string, error) {
	if j.PSSH != "" {
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(j.PSSH))
		if err != nil {
			return "", err
		}
		return box.HeaderFromPSSH(data)
	}

	if isRemote(j.Location) {
		return j.scanRemote(ctx, rt)
	}

	path := j.Location
	if strings.HasPrefix(path, "file://") {
		u, err := url.Parse(path)
		if err != nil {
			return "", err
		}
		path = u.Path
	}
	if path == "" {
		return "", box.ErrNoHeader
	}
	return box.FindHeaderInFile(path)
}

// scanRemote 串流下載，每收到一段就重新解析目前的前綴；找到標頭就中止下載
func (j *RenewRights) scanRemote(ctx context.Context, rt Runtime) (string, error) {
	var (
		buf    []byte
		header string
	)
	resp, err := rt.HTTP().Stream(ctx, httpclient.Request{
		SessionID:       rt.SessionID(),
		URL:             j.Location,
		FollowRedirects: true,
	}, func(chunk []byte) bool {
		buf = append(buf, chunk...)
		if h, err := box.FindHeaderInBytes(buf); err == nil {
			header = h
			return false
		}
		return len(buf) < maxRemoteScan
	})
	if err != nil {
		failRequest(rt, resp, err)
		return "", errHeaderFetch
	}
	if resp.StatusCode != http.StatusOK {
		setHTTPError(rt, resp.StatusCode, 0)
		return "", errHeaderFetch
	}
	if header != "" {
		return header, nil
	}
	return box.FindHeaderInXML(buf)
}

func isRemote(location string) bool {
	lower := strings.ToLower(location)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
