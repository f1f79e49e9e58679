// Package box 讀取 ISO-BMFF / PIFF 容器並取出 PlayReady 授權標頭
//
// 解析器以明確的 open-box stack 走訪 box 樹，不使用遞迴；
// 除了 ftyp 與保護系統標頭之外的 box 一律以 seek 跳過。
// 找到 PlayReady 系統的保護標頭後立即停止。
package box

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
)

var (
	// PlayReadySystemID PlayReady 的保護系統 ID
	PlayReadySystemID = uuid.MustParse("9a04f079-9840-4286-ab92-e65be0885f95")
	// PIFFProtectionHeaderType PIFF 保護系統標頭 uuid box 的 user type
	PIFFProtectionHeaderType = uuid.MustParse("d08a4f18-10f3-4a82-b6c8-32d8aba183d3")
)

var (
	// ErrNoHeader 找不到 PlayReady 標頭
	ErrNoHeader = errors.New("box: no PlayReady header found")
	// ErrMalformed 容器資料損壞或被截斷
	ErrMalformed = errors.New("box: malformed container")
	// ErrUnsupportedBrand ftyp 不含可接受的 brand
	ErrUnsupportedBrand = errors.New("box: unsupported file type brand")
)

const (
	// DefaultMaxBoxSize 單一 box 宣告大小的上限
	DefaultMaxBoxSize int64 = 1 << 34
	// maxPayloadSize 需要讀進記憶體的 box（ftyp、pssh）內容上限
	maxPayloadSize = 4 << 20
)

// 會往下走訪的容器 box
var containerTypes = map[string]bool{
	"moov": true, "trak": true, "mdia": true, "minf": true, "stbl": true,
	"moof": true, "traf": true, "mvex": true, "edts": true, "dinf": true,
	"sinf": true, "schi": true, "mfra": true,
}

// DefaultBrands 預設可接受的 major / compatible brand
var DefaultBrands = []string{"piff", "iso6", "dash", "cmfc"}

// Box box 樹中的一個節點
type Box struct {
	Offset     int64
	Size       int64
	HeaderSize int64
	Type       string
	UserType   uuid.UUID
	Children   map[string][]*Box
}

// End 回傳 box 結束的位移（不含）
func (b *Box) End() int64 {
	return b.Offset + b.Size
}

func (b *Box) add(child *Box) {
	if b.Children == nil {
		b.Children = make(map[string][]*Box)
	}
	b.Children[child.Type] = append(b.Children[child.Type], child)
}

// FileType ftyp box 內容
type FileType struct {
	MajorBrand       string
	MinorVersion     uint32
	CompatibleBrands []string
}

// ProtectionHeader pssh box 或 PIFF uuid box 的內容
type ProtectionHeader struct {
	Version  uint8
	SystemID uuid.UUID
	KeyIDs   []uuid.UUID
	Data     []byte
}

// Result 一次解析的結果；找不到標頭時仍會回傳已走訪的部分
type Result struct {
	Root       *Box
	FileType   *FileType
	Protection *ProtectionHeader
}

// Parser 容器解析器
type Parser struct {
	MaxBoxSize      int64
	Brands          []string
	RequireFileType bool // 第一個 box 必須是可接受的 ftyp
}

// NewParser 建立使用預設限制的解析器
func NewParser() *Parser {
	return &Parser{
		MaxBoxSize:      DefaultMaxBoxSize,
		Brands:          DefaultBrands,
		RequireFileType: true,
	}
}

// Parse 走訪 r 的前 size 個位元組，直到找到 PlayReady 保護標頭。
// 找不到時回傳 ErrNoHeader；資料損壞時回傳包住 ErrMalformed 的錯誤。
func (p *Parser) Parse(r io.ReadSeeker, size int64) (*Result, error) {
	root := &Box{Type: "root", Size: size}
	res := &Result{Root: root}
	stack := []*Box{root}
	pos := int64(0)
	first := true

	for {
		for len(stack) > 1 && pos >= stack[len(stack)-1].End() {
			stack = stack[:len(stack)-1]
		}
		parent := stack[len(stack)-1]
		remaining := parent.End() - pos
		if remaining <= 0 {
			break
		}

		b, err := p.readHeader(r, pos, remaining)
		if err != nil {
			return res, err
		}
		parent.add(b)

		if first && p.RequireFileType && b.Type != "ftyp" {
			return res, fmt.Errorf("%w: first box is %q", ErrUnsupportedBrand, b.Type)
		}
		first = false

		switch {
		case b.Type == "ftyp":
			ft, err := p.readFileType(r, b)
			if err != nil {
				return res, err
			}
			res.FileType = ft
			pos = b.End()

		case b.Type == "pssh" || (b.Type == "uuid" && b.UserType == PIFFProtectionHeaderType):
			ph, err := readProtectionHeader(r, b)
			if err != nil {
				return res, err
			}
			if ph.SystemID == PlayReadySystemID {
				res.Protection = ph
				return res, nil
			}
			pos = b.End()

		case containerTypes[b.Type]:
			stack = append(stack, b)
			pos = b.Offset + b.HeaderSize

		default:
			pos = b.End()
		}
	}

	return res, ErrNoHeader
}

// readHeader 讀取位於 pos 的 box 標頭並檢查大小
func (p *Parser) readHeader(r io.ReadSeeker, pos, remaining int64) (*Box, error) {
	var hdr [8]byte
	if err := readAt(r, pos, hdr[:]); err != nil {
		return nil, err
	}

	b := &Box{
		Offset:     pos,
		Size:       int64(binary.BigEndian.Uint32(hdr[0:4])),
		HeaderSize: 8,
		Type:       string(hdr[4:8]),
	}
	if !validType(hdr[4:8]) {
		return nil, fmt.Errorf("%w: invalid box type %q at %d", ErrMalformed, b.Type, pos)
	}

	switch b.Size {
	case 1:
		var ext [8]byte
		if err := readAt(r, pos+8, ext[:]); err != nil {
			return nil, err
		}
		large := binary.BigEndian.Uint64(ext[:])
		if large > math.MaxInt64 {
			return nil, fmt.Errorf("%w: box %q size overflows", ErrMalformed, b.Type)
		}
		b.Size = int64(large)
		b.HeaderSize = 16
	case 0:
		b.Size = remaining
	}

	if b.Type == "uuid" {
		var ut [16]byte
		if err := readAt(r, pos+b.HeaderSize, ut[:]); err != nil {
			return nil, err
		}
		b.UserType = uuid.UUID(ut)
		b.HeaderSize += 16
	}

	if b.Size < b.HeaderSize {
		return nil, fmt.Errorf("%w: box %q size %d smaller than header", ErrMalformed, b.Type, b.Size)
	}
	limit := remaining
	if p.MaxBoxSize > 0 && p.MaxBoxSize < limit {
		limit = p.MaxBoxSize
	}
	if b.Size > limit {
		return nil, fmt.Errorf("%w: box %q at %d declares %d bytes, only %d allowed", ErrMalformed, b.Type, pos, b.Size, limit)
	}
	return b, nil
}

func (p *Parser) readFileType(r io.ReadSeeker, b *Box) (*FileType, error) {
	payload, err := readPayload(r, b)
	if err != nil {
		return nil, err
	}
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: ftyp too short", ErrMalformed)
	}
	ft := &FileType{
		MajorBrand:   string(payload[0:4]),
		MinorVersion: binary.BigEndian.Uint32(payload[4:8]),
	}
	for off := 8; off+4 <= len(payload); off += 4 {
		ft.CompatibleBrands = append(ft.CompatibleBrands, string(payload[off:off+4]))
	}

	if len(p.Brands) > 0 && !p.accepts(ft) {
		return nil, fmt.Errorf("%w: major %q compatible %v", ErrUnsupportedBrand, ft.MajorBrand, ft.CompatibleBrands)
	}
	return ft, nil
}

func (p *Parser) accepts(ft *FileType) bool {
	for _, want := range p.Brands {
		if ft.MajorBrand == want {
			return true
		}
		for _, got := range ft.CompatibleBrands {
			if got == want {
				return true
			}
		}
	}
	return false
}

// readProtectionHeader 解析 FullBox：version/flags、system id、（pssh v1）KID 清單、資料長度與資料
func readProtectionHeader(r io.ReadSeeker, b *Box) (*ProtectionHeader, error) {
	payload, err := readPayload(r, b)
	if err != nil {
		return nil, err
	}
	if len(payload) < 4+16+4 {
		return nil, fmt.Errorf("%w: protection header too short", ErrMalformed)
	}

	ph := &ProtectionHeader{Version: payload[0]}
	copy(ph.SystemID[:], payload[4:20])
	off := 20

	if b.Type == "pssh" && ph.Version > 0 {
		count := int(binary.BigEndian.Uint32(payload[off:]))
		off += 4
		if count < 0 || count > (len(payload)-off)/16 {
			return nil, fmt.Errorf("%w: key id count %d exceeds box", ErrMalformed, count)
		}
		for i := 0; i < count; i++ {
			var kid uuid.UUID
			copy(kid[:], payload[off:off+16])
			ph.KeyIDs = append(ph.KeyIDs, kid)
			off += 16
		}
	}

	if off+4 > len(payload) {
		return nil, fmt.Errorf("%w: protection header data size missing", ErrMalformed)
	}
	dataSize := int64(binary.BigEndian.Uint32(payload[off:]))
	off += 4
	if dataSize > int64(len(payload)-off) {
		return nil, fmt.Errorf("%w: protection data declares %d bytes, %d left", ErrMalformed, dataSize, len(payload)-off)
	}
	ph.Data = payload[off : off+int(dataSize)]
	return ph, nil
}

func readPayload(r io.ReadSeeker, b *Box) ([]byte, error) {
	n := b.Size - b.HeaderSize
	if n > maxPayloadSize {
		return nil, fmt.Errorf("%w: %q payload of %d bytes too large", ErrMalformed, b.Type, n)
	}
	buf := make([]byte, n)
	if err := readAt(r, b.Offset+b.HeaderSize, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readAt(r io.ReadSeeker, off int64, buf []byte) error {
	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek %d: %v", ErrMalformed, off, err)
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: read %d bytes at %d: %v", ErrMalformed, len(buf), off, err)
	}
	return nil
}

func validType(t []byte) bool {
	for _, c := range t {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
