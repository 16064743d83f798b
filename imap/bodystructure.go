/*
 * MailWire - Copyright (C) 2022 Zane van Iperen.
 *    Contact: zane@zanevaniperen.com
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 2, and only
 * version 2 as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 59 Temple Place, Suite 330, Boston, MA  02111-1307  USA
 */

package imap

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vs49688/mailwire/imap/wire"
	"github.com/vs49688/mailwire/mailerr"
	mimeutil "github.com/vs49688/mailwire/mime"
)

// BodyStructure is one node of a message's MIME tree. Only
// *MultipartPart has children.
type BodyStructure interface {
	MIMEType() string
	isBodyStructure()
}

// Leaf is implemented by every non-multipart variant.
type Leaf interface {
	BodyStructure
	Info() *LeafInfo
}

// LeafInfo is the single-part data shared by all leaf variants.
type LeafInfo struct {
	Subtype     string
	Params      map[string]string
	ID          string
	Description string
	Encoding    string
	Size        uint32
	Lines       uint32
	Disposition string
	Filename    string
}

func (l *LeafInfo) Info() *LeafInfo { return l }

func (l *LeafInfo) isBodyStructure() {}

type TextPart struct {
	LeafInfo
	Charset string
}

type MultipartPart struct {
	Subtype  string
	Params   map[string]string
	Children []BodyStructure
}

type ImagePart struct{ LeafInfo }

type AudioPart struct{ LeafInfo }

type VideoPart struct{ LeafInfo }

type ApplicationPart struct{ LeafInfo }

type MessagePart struct{ LeafInfo }

type OtherPart struct {
	LeafInfo
	Type string
}

func (*MultipartPart) isBodyStructure() {}

func (p *TextPart) MIMEType() string        { return "text/" + p.Subtype }
func (p *MultipartPart) MIMEType() string   { return "multipart/" + p.Subtype }
func (p *ImagePart) MIMEType() string       { return "image/" + p.Subtype }
func (p *AudioPart) MIMEType() string       { return "audio/" + p.Subtype }
func (p *VideoPart) MIMEType() string       { return "video/" + p.Subtype }
func (p *ApplicationPart) MIMEType() string { return "application/" + p.Subtype }
func (p *MessagePart) MIMEType() string     { return "message/" + p.Subtype }
func (p *OtherPart) MIMEType() string       { return p.Type + "/" + p.Subtype }

// ParseBodyStructure parses a BODYSTRUCTURE list.
func ParseBodyStructure(tok wire.Token) (BodyStructure, error) {
	bs, err := parseBody(tok, 0)
	if err != nil {
		return nil, mailerr.New(mailerr.KindParse, "BODYSTRUCTURE", err)
	}
	return bs, nil
}

const maxBodyDepth = 64

var (
	errBodyTooDeep  = errors.New("body structure nested too deeply")
	errBodyNotList  = errors.New("body structure is not a list")
	errBodyTooShort = errors.New("single-part body structure has too few fields")
	errBodyNumber   = errors.New("body structure number out of range")
)

func parseBody(tok wire.Token, depth int) (BodyStructure, error) {
	if depth > maxBodyDepth {
		return nil, errBodyTooDeep
	}

	if tok.Kind != wire.TokenList || len(tok.List) == 0 {
		return nil, errBodyNotList
	}

	if tok.List[0].Kind == wire.TokenList {
		return parseMultipart(tok.List, depth)
	}
	return parseLeaf(tok.List, depth)
}

func parseMultipart(items []wire.Token, depth int) (BodyStructure, error) {
	mp := &MultipartPart{}

	i := 0
	for ; i < len(items) && items[i].Kind == wire.TokenList; i++ {
		child, err := parseBody(items[i], depth+1)
		if err != nil {
			return nil, err
		}
		mp.Children = append(mp.Children, child)
	}

	if i < len(items) {
		subtype, _ := items[i].Text()
		mp.Subtype = strings.ToLower(subtype)
		i++
	}

	if mp.Subtype == "" {
		mp.Subtype = "mixed"
	}

	if i < len(items) {
		mp.Params = parseParams(items[i])
	}

	return mp, nil
}

func parseLeaf(items []wire.Token, depth int) (BodyStructure, error) {
	if len(items) < 7 {
		return nil, errBodyTooShort
	}

	typ, _ := items[0].Text()
	subtype, _ := items[1].Text()
	typ = strings.ToLower(typ)

	info := LeafInfo{
		Subtype: strings.ToLower(subtype),
		Params:  parseParams(items[2]),
	}
	info.ID, _ = items[3].Text()
	info.Description, _ = items[4].Text()
	info.Encoding, _ = items[5].Text()
	info.Encoding = strings.ToLower(info.Encoding)

	var err error
	if info.Size, err = number32(items[6]); err != nil {
		return nil, err
	}

	// Extension data starts after the type-specific fields.
	ext := 7
	switch {
	case typ == "text":
		if len(items) > 7 {
			if info.Lines, err = number32(items[7]); err != nil {
				return nil, err
			}
		}
		ext = 8
	case typ == "message" && (info.Subtype == "rfc822" || info.Subtype == "global"):
		if len(items) > 9 {
			if info.Lines, err = number32(items[9]); err != nil {
				return nil, err
			}
		}
		ext = 10
	}

	// md5, then disposition
	if len(items) > ext+1 {
		parseDisposition(items[ext+1], &info)
	}

	if info.Filename == "" {
		info.Filename = paramFilename(info.Params, "name")
	}

	switch typ {
	case "text":
		return &TextPart{LeafInfo: info, Charset: info.Params["charset"]}, nil
	case "image":
		return &ImagePart{LeafInfo: info}, nil
	case "audio":
		return &AudioPart{LeafInfo: info}, nil
	case "video":
		return &VideoPart{LeafInfo: info}, nil
	case "application":
		return &ApplicationPart{LeafInfo: info}, nil
	case "message":
		return &MessagePart{LeafInfo: info}, nil
	default:
		if typ == "" {
			typ = "application"
		}
		return &OtherPart{LeafInfo: info, Type: typ}, nil
	}
}

// number32 reads a size or line count. Anything that is not a number
// counts as zero; numbers beyond uint32 are an error.
func number32(tok wire.Token) (uint32, error) {
	n, ok := tok.Number()
	if !ok {
		if tok.Kind == wire.TokenAtom && tok.Value != "" && strings.Trim(tok.Value, "0123456789") == "" {
			return 0, fmt.Errorf("%w: %v", errBodyNumber, tok.Value)
		}
		return 0, nil
	}

	if n > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d", errBodyNumber, n)
	}
	return uint32(n), nil
}

// parseParams turns ("k" "v" "k" "v") into a map with lowercased keys.
func parseParams(tok wire.Token) map[string]string {
	params := map[string]string{}
	if tok.Kind != wire.TokenList {
		return params
	}

	for i := 0; i+1 < len(tok.List); i += 2 {
		k, _ := tok.List[i].Text()
		v, _ := tok.List[i+1].Text()
		params[strings.ToLower(k)] = v
	}
	return params
}

func parseDisposition(tok wire.Token, info *LeafInfo) {
	if tok.Kind != wire.TokenList || len(tok.List) == 0 {
		return
	}

	disp, _ := tok.List[0].Text()
	info.Disposition = strings.ToLower(disp)

	if len(tok.List) > 1 {
		info.Filename = paramFilename(parseParams(tok.List[1]), "filename")
	}
}

// paramFilename prefers the RFC 2231 extended form of a parameter.
func paramFilename(params map[string]string, key string) string {
	if v, ok := params[key+"*"]; ok {
		if dec, err := mimeutil.DecodeRFC2231(v); err == nil {
			return dec
		}
	}

	if v, ok := params[key]; ok {
		return mimeutil.DecodeHeader(v)
	}
	return ""
}

// Walk calls fn for every node in pre-order, passing the IMAP part
// number. Multipart nodes other than the root get their own number too.
func Walk(bs BodyStructure, fn func(partID string, node BodyStructure)) {
	if mp, ok := bs.(*MultipartPart); ok {
		fn("", mp)
		walkChildren("", mp, fn)
		return
	}
	fn("1", bs)
}

func walkChildren(prefix string, mp *MultipartPart, fn func(string, BodyStructure)) {
	for i, child := range mp.Children {
		id := strconv.Itoa(i + 1)
		if prefix != "" {
			id = prefix + "." + id
		}

		fn(id, child)
		if sub, ok := child.(*MultipartPart); ok {
			walkChildren(id, sub, fn)
		}
	}
}
