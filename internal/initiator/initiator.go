// Package initiator 把 PlayReady web initiator 文件解析成有序的項目清單
//
// 這是純函式：不做網路存取，也不建立 job。
package initiator

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// RootElement initiator 文件的根元素
const RootElement = "PlayReadyInitiator"

var (
	// ErrNotInitiator 根元素不是 PlayReadyInitiator
	ErrNotInitiator = errors.New("initiator: not a PlayReady initiator document")
	// ErrMalformed XML 無法解析
	ErrMalformed = errors.New("initiator: malformed document")
)

// ItemKind 項目類型
type ItemKind int

const (
	KindUnknown ItemKind = iota
	KindLicenseAcquisition
	KindJoinDomain
	KindLeaveDomain
	KindMetering
)

var kindByElement = map[string]ItemKind{
	"LicenseAcquisition": KindLicenseAcquisition,
	"JoinDomain":         KindJoinDomain,
	"LeaveDomain":        KindLeaveDomain,
	"Metering":           KindMetering,
}

func (k ItemKind) String() string {
	for name, kind := range kindByElement {
		if kind == k {
			return name
		}
	}
	return "Unknown"
}

// Item initiator 中的一個操作
type Item struct {
	Kind ItemKind
	Name string // 元素名稱（未知項目時用於回報）

	// LicenseAcquisition
	Header     string // WRMHEADER 原始 XML
	Content    string
	CustomData string

	// JoinDomain / LeaveDomain
	DomainController string
	ServiceID        string
	AccountID        string
	Revision         string

	// Metering
	CertificateServer string
	MeteringID        string
	MaxPackets        int
}

type rawItem struct {
	Header struct {
		Inner string `xml:",innerxml"`
	} `xml:"Header"`
	Content           string `xml:"Content"`
	CustomData        string `xml:"CustomData"`
	DomainController  string `xml:"DomainController"`
	ServiceID         string `xml:"ServiceID"`
	AccountID         string `xml:"AccountID"`
	Revision          string `xml:"Revision"`
	CertificateServer string `xml:"CertificateServer"`
	MeteringID        string `xml:"MeteringID"`
	MaxPackets        string `xml:"MaxPackets"`
}

// Parse 依文件順序回傳所有項目
func Parse(data []byte) ([]Item, error) {
	utf8Data, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	dec := xml.NewDecoder(bytes.NewReader(utf8Data))
	dec.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	root, err := firstElement(dec)
	if err != nil {
		return nil, err
	}
	if root.Name.Local != RootElement {
		return nil, fmt.Errorf("%w: root is <%s>", ErrNotInitiator, root.Name.Local)
	}

	var items []Item
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			item, err := decodeItem(dec, t)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		case xml.EndElement:
			return items, nil
		}
	}
}

func firstElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return xml.StartElement{}, ErrNotInitiator
		}
		if err != nil {
			return xml.StartElement{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

func decodeItem(dec *xml.Decoder, se xml.StartElement) (Item, error) {
	var raw rawItem
	if err := dec.DecodeElement(&raw, &se); err != nil {
		return Item{}, fmt.Errorf("%w: <%s>: %v", ErrMalformed, se.Name.Local, err)
	}

	item := Item{
		Kind:              kindByElement[se.Name.Local],
		Name:              se.Name.Local,
		Header:            strings.TrimSpace(raw.Header.Inner),
		Content:           strings.TrimSpace(raw.Content),
		CustomData:        strings.TrimSpace(raw.CustomData),
		DomainController:  strings.TrimSpace(raw.DomainController),
		ServiceID:         strings.TrimSpace(raw.ServiceID),
		AccountID:         strings.TrimSpace(raw.AccountID),
		Revision:          strings.TrimSpace(raw.Revision),
		CertificateServer: strings.TrimSpace(raw.CertificateServer),
		MeteringID:        strings.TrimSpace(raw.MeteringID),
	}
	if n, err := strconv.Atoi(strings.TrimSpace(raw.MaxPackets)); err == nil && n > 0 {
		item.MaxPackets = n
	}
	return item, nil
}
