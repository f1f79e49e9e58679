package box

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const maxManifestSize = 8 << 20

// ErrMalformedHeader 標頭 XML 無法解析
var ErrMalformedHeader = errors.New("box: malformed license header")

// FindHeaderInXML 在 manifest（或裸的標頭 XML）中找 PlayReady 標頭。
//
// 依序接受：
//   - SystemID 為 PlayReady 的 ProtectionHeader 元素，內容為 base64 的 PlayReady object
//   - 任何命名空間下的 WRMHEADER 元素，原樣回傳
//
// UTF-16 文件依 BOM 轉成 UTF-8 後再解析。
func FindHeaderInXML(data []byte) (string, error) {
	utf8Data, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoHeader, err)
	}

	dec := newXMLDecoder(bytes.NewReader(utf8Data))
	for {
		start := dec.InputOffset()
		tok, err := dec.Token()
		if err == io.EOF {
			return "", ErrNoHeader
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoHeader, err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "ProtectionHeader":
			if !isPlayReadySystem(attr(se, "SystemID")) {
				if err := dec.Skip(); err != nil {
					return "", fmt.Errorf("%w: %v", ErrNoHeader, err)
				}
				continue
			}
			var text string
			if err := dec.DecodeElement(&text, &se); err != nil {
				return "", fmt.Errorf("%w: %v", ErrNoHeader, err)
			}
			obj, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(text), ""))
			if err != nil {
				return "", fmt.Errorf("%w: protection header base64: %v", ErrNoHeader, err)
			}
			header, err := HeaderFromObject(obj)
			if err != nil && !errors.Is(err, ErrNoHeader) {
				return "", fmt.Errorf("%w: %w", ErrNoHeader, err)
			}
			return header, err

		case "WRMHEADER":
			if err := dec.Skip(); err != nil {
				return "", fmt.Errorf("%w: %v", ErrNoHeader, err)
			}
			return string(utf8Data[start:dec.InputOffset()]), nil
		}
	}
}

func newXMLDecoder(r io.Reader) *xml.Decoder {
	dec := xml.NewDecoder(r)
	// 內容已經轉成 UTF-8，宣告的 encoding 只是標籤
	dec.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	return dec
}

func isPlayReadySystem(s string) bool {
	id, err := uuid.Parse(strings.Trim(strings.TrimSpace(s), "{}"))
	return err == nil && id == PlayReadySystemID
}

func attr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if strings.EqualFold(a.Name.Local, local) {
			return a.Value
		}
	}
	return ""
}

// ============================================================================
// 授權標頭欄位
// ============================================================================

// LicenseHeader WRMHEADER 中與授權取得有關的欄位
type LicenseHeader struct {
	Raw     string
	Version string
	LAURL   string
	LUIURL  string
	DSID    string
	KIDs    []string
}

// ParseLicenseHeader 解析 WRMHEADER XML（4.0 的 <KID> 文字與 4.1+ 的 VALUE 屬性都接受）
func ParseLicenseHeader(header string) (*LicenseHeader, error) {
	h := &LicenseHeader{Raw: header}
	dec := newXMLDecoder(strings.NewReader(header))
	found := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "WRMHEADER":
			found = true
			h.Version = attr(se, "version")
		case "LA_URL", "LUI_URL", "DS_ID":
			var text string
			if err := dec.DecodeElement(&text, &se); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
			}
			text = strings.TrimSpace(text)
			switch se.Name.Local {
			case "LA_URL":
				h.LAURL = text
			case "LUI_URL":
				h.LUIURL = text
			default:
				h.DSID = text
			}
		case "KID":
			var kid struct {
				Value string `xml:"VALUE,attr"`
				Text  string `xml:",chardata"`
			}
			if err := dec.DecodeElement(&kid, &se); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
			}
			if v := strings.TrimSpace(kid.Value); v != "" {
				h.KIDs = append(h.KIDs, v)
			} else if v := strings.TrimSpace(kid.Text); v != "" {
				h.KIDs = append(h.KIDs, v)
			}
		}
	}

	if !found {
		return nil, fmt.Errorf("%w: no WRMHEADER element", ErrMalformedHeader)
	}
	return h, nil
}
