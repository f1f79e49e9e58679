package box

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/text/encoding/unicode"
)

// PlayReady object 的 record 類型
const (
	RecordRightsManagementHeader uint16 = 1
	RecordEmbeddedLicenseStore   uint16 = 3
)

// Record PlayReady object 中的一筆 record
type Record struct {
	Type  uint16
	Value []byte
}

// DecodeObject 解碼 PlayReady object：
// 4 bytes 總長度 (LE)、2 bytes record 數 (LE)，之後每筆 record 為 type (LE16)、length (LE16)、value。
func DecodeObject(data []byte) ([]Record, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("%w: PlayReady object too short", ErrMalformed)
	}
	length := binary.LittleEndian.Uint32(data[0:4])
	if length < 6 || int64(length) > int64(len(data)) {
		return nil, fmt.Errorf("%w: PlayReady object declares %d bytes, have %d", ErrMalformed, length, len(data))
	}
	data = data[:length]

	count := int(binary.LittleEndian.Uint16(data[4:6]))
	records := make([]Record, 0, count)
	off := 6
	for i := 0; i < count; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("%w: record %d header truncated", ErrMalformed, i)
		}
		typ := binary.LittleEndian.Uint16(data[off:])
		n := int(binary.LittleEndian.Uint16(data[off+2:]))
		off += 4
		if off+n > len(data) {
			return nil, fmt.Errorf("%w: record %d declares %d bytes, %d left", ErrMalformed, i, n, len(data)-off)
		}
		records = append(records, Record{Type: typ, Value: data[off : off+n]})
		off += n
	}
	return records, nil
}

// HeaderFromObject 從 PlayReady object 取出 Rights Management Header（UTF-16LE XML）
func HeaderFromObject(data []byte) (string, error) {
	records, err := DecodeObject(data)
	if err != nil {
		return "", err
	}
	for _, rec := range records {
		if rec.Type == RecordRightsManagementHeader {
			return decodeUTF16LE(rec.Value)
		}
	}
	return "", ErrNoHeader
}

// EncodeObject 把標頭 XML 包成只有一筆 record 的 PlayReady object
func EncodeObject(header string) ([]byte, error) {
	value, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(header))
	if err != nil {
		return nil, err
	}
	if len(value) > 0xffff {
		return nil, fmt.Errorf("box: header of %d bytes does not fit a record", len(value))
	}
	buf := make([]byte, 10, 10+len(value))
	binary.LittleEndian.PutUint32(buf[0:], uint32(10+len(value)))
	binary.LittleEndian.PutUint16(buf[4:], 1)
	binary.LittleEndian.PutUint16(buf[6:], RecordRightsManagementHeader)
	binary.LittleEndian.PutUint16(buf[8:], uint16(len(value)))
	return append(buf, value...), nil
}

func decodeUTF16LE(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("%w: odd UTF-16 length %d", ErrMalformed, len(b))
	}
	out, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return string(bytes.TrimRight(out, "\x00")), nil
}

// ============================================================================
// 取得標頭的進入點
// ============================================================================

// FindHeader 解析容器並回傳 PlayReady 標頭 XML。
// 容器損壞時回傳的錯誤同時符合 ErrNoHeader 與 ErrMalformed。
func FindHeader(r io.ReadSeeker, size int64) (string, error) {
	return findHeader(NewParser(), r, size)
}

func findHeader(p *Parser, r io.ReadSeeker, size int64) (string, error) {
	res, err := p.Parse(r, size)
	if err != nil {
		if err == ErrNoHeader {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrNoHeader, err)
	}
	header, err := HeaderFromObject(res.Protection.Data)
	if err != nil {
		if err == ErrNoHeader {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrNoHeader, err)
	}
	return header, nil
}

// FindHeaderInBytes 在記憶體中的容器資料內找標頭（下載中的部分內容也適用）
func FindHeaderInBytes(data []byte) (string, error) {
	return FindHeader(bytes.NewReader(data), int64(len(data)))
}

// HeaderFromPSSH 從單獨的 pssh / PIFF uuid box 取標頭；
// 不是 box 時改當作 PlayReady object 解碼。
func HeaderFromPSSH(data []byte) (string, error) {
	p := NewParser()
	p.RequireFileType = false
	header, err := findHeader(p, bytes.NewReader(data), int64(len(data)))
	if err == nil {
		return header, nil
	}
	if h, objErr := HeaderFromObject(data); objErr == nil {
		return h, nil
	}
	return "", err
}

// FindHeaderInFile 從本機檔案取標頭；容器解析失敗時以 manifest XML 解析
func FindHeaderInFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	header, boxErr := FindHeader(f, info.Size())
	if boxErr == nil {
		return header, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(io.LimitReader(f, maxManifestSize+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxManifestSize {
		return "", boxErr
	}
	header, err = FindHeaderInXML(data)
	if err != nil {
		return "", boxErr
	}
	return header, nil
}
