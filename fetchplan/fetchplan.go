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

// Package fetchplan decides which parts of a message to download now,
// which to leave for later, and how to group and chunk the later ones.
package fetchplan

import (
	"iter"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/vs49688/mailwire/imap"
)

const (
	DefaultBatchThreshold = 1 << 20
	DefaultChunkSize      = 512 << 10
)

type Priority int

const (
	Immediate Priority = iota
	Deferred
	Skip
)

func (p Priority) String() string {
	switch p {
	case Immediate:
		return "immediate"
	case Deferred:
		return "deferred"
	default:
		return "skip"
	}
}

type Section struct {
	PartID          string
	SectionSpec     string
	ExpectedSize    uint32
	MIMEType        string
	Priority        Priority
	IsBodyCandidate bool
	Filename        string
	Encoding        string
	Params          map[string]string
}

// Plan lists immediate sections in Sections and everything else,
// including skipped sections, in DeferredSections. Both keep the
// pre-order of the body structure.
type Plan struct {
	Sections         []Section
	DeferredSections []Section
}

// Build plans a message from its body structure.
func Build(bs imap.BodyStructure) *Plan {
	p := &Plan{}
	if bs == nil {
		return p
	}

	if _, ok := bs.(*imap.MultipartPart); ok {
		p.node("", bs)
	} else {
		p.node("1", bs)
	}
	return p
}

func childID(parent string, i int) string {
	id := strconv.Itoa(i + 1)
	if parent == "" {
		return id
	}
	return parent + "." + id
}

func (p *Plan) node(partID string, bs imap.BodyStructure) {
	switch n := bs.(type) {
	case *imap.MultipartPart:
		if n.Subtype == "alternative" {
			p.alternative(partID, n)
			return
		}

		for i, child := range n.Children {
			p.node(childID(partID, i), child)
		}
	case *imap.TextPart:
		p.add(section(partID, n, Immediate, true))
	case *imap.AudioPart, *imap.VideoPart, *imap.OtherPart:
		leaf := bs.(imap.Leaf)
		prio := Deferred
		if leaf.Info().Size == 0 {
			prio = Skip
		}
		p.add(section(partID, leaf, prio, false))
	case imap.Leaf:
		p.add(section(partID, n, Deferred, false))
	}
}

// alternative picks the first html child, else the first plain child,
// as the only immediate body. Other leaf children are deferred and
// nested multiparts are planned normally.
func (p *Plan) alternative(partID string, mp *imap.MultipartPart) {
	pick := -1
	for _, subtype := range []string{"html", "plain"} {
		for i, child := range mp.Children {
			if tp, ok := child.(*imap.TextPart); ok && tp.Subtype == subtype {
				pick = i
				break
			}
		}

		if pick >= 0 {
			break
		}
	}

	for i, child := range mp.Children {
		id := childID(partID, i)

		switch {
		case i == pick:
			p.add(section(id, child.(imap.Leaf), Immediate, true))
		case pick >= 0:
			if leaf, ok := child.(imap.Leaf); ok {
				p.add(section(id, leaf, Deferred, false))
				continue
			}
			p.node(id, child)
		default:
			p.node(id, child)
		}
	}
}

func section(partID string, leaf imap.Leaf, prio Priority, body bool) Section {
	info := leaf.Info()
	return Section{
		PartID:          partID,
		SectionSpec:     partID,
		ExpectedSize:    info.Size,
		MIMEType:        leaf.MIMEType(),
		Priority:        prio,
		IsBodyCandidate: body,
		Filename:        info.Filename,
		Encoding:        info.Encoding,
		Params:          info.Params,
	}
}

func (p *Plan) add(s Section) {
	if s.Priority == Immediate {
		p.Sections = append(p.Sections, s)
	} else {
		p.DeferredSections = append(p.DeferredSections, s)
	}
}

// BodyCandidates returns the immediate sections that can serve as the
// displayed body.
func (p *Plan) BodyCandidates() []Section {
	var out []Section
	for _, s := range p.Sections {
		if s.IsBodyCandidate {
			out = append(out, s)
		}
	}
	return out
}

// Batches groups non-skipped sections, smallest first, so that each
// group's total expected size stays under threshold. A section of at
// least threshold gets a group of its own.
func Batches(sections []Section, threshold uint64) [][]Section {
	if threshold == 0 {
		threshold = DefaultBatchThreshold
	}

	sorted := make([]Section, 0, len(sections))
	for _, s := range sections {
		if s.Priority != Skip {
			sorted = append(sorted, s)
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ExpectedSize < sorted[j].ExpectedSize
	})

	var (
		batches [][]Section
		current []Section
		size    uint64
	)

	for _, s := range sorted {
		if len(current) > 0 && size+uint64(s.ExpectedSize) >= threshold {
			batches = append(batches, current)
			current, size = nil, 0
		}

		current = append(current, s)
		size += uint64(s.ExpectedSize)
	}

	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

type Window struct {
	Offset uint32
	Length uint32
}

// Windows splits [0, total) into consecutive chunk-sized windows. The
// last window is shorter when total is not a multiple of chunk.
func Windows(total uint32, chunk uint32) []Window {
	return slices.Collect(EachWindow(total, chunk))
}

// EachWindow yields the windows of Windows one at a time.
func EachWindow(total uint32, chunk uint32) iter.Seq[Window] {
	if chunk == 0 {
		chunk = DefaultChunkSize
	}

	return func(yield func(Window) bool) {
		for off := uint64(0); off < uint64(total); off += uint64(chunk) {
			length := min(uint64(chunk), uint64(total)-off)
			if !yield(Window{Offset: uint32(off), Length: uint32(length)}) {
				return
			}
		}
	}
}

// NeedsChunking reports whether s should be downloaded in windows.
func NeedsChunking(s Section, chunk uint32) bool {
	if chunk == 0 {
		chunk = DefaultChunkSize
	}
	return s.ExpectedSize > chunk
}

// FetchItems renders the item list of one UID FETCH covering batch.
func FetchItems(batch []Section) string {
	items := make([]string, len(batch))
	for i, s := range batch {
		items[i] = "BODY.PEEK[" + s.SectionSpec + "]"
	}
	return "(" + strings.Join(items, " ") + ")"
}

// Specs returns the section specs of batch in order.
func Specs(batch []Section) []string {
	specs := make([]string, len(batch))
	for i, s := range batch {
		specs[i] = s.SectionSpec
	}
	return specs
}
