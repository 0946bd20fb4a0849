// Package fwimage parses Ti-TXT, Intel-HEX, and raw binary firmware images
// into an ordered set of (address, bytes) segments (spec component C1),
// modeled on the segment/gap-fill shape of the TI-firmware parser in
// yunpub-munifying/unifying/firmware_parser.go.
package fwimage

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/beagleboard/bbflash/internal/bbferr"
)

const component = "fwimage"

// DefaultFillByte is used by Flatten and the raw-blob gap heuristic when no
// fill byte is specified.
const DefaultFillByte = 0xFF

// gapThreshold is the minimum run of DefaultFillByte octets in a raw blob
// that triggers a segment split (spec §4.1).
const gapThreshold = 20

// Segment is a contiguous run of bytes at a given starting address.
type Segment struct {
	Start uint64
	Data  []byte
}

func (s Segment) end() uint64 { return s.Start + uint64(len(s.Data)) }

// Image is an ordered, non-overlapping set of Segments, sorted ascending by
// Start.
type Image struct {
	Segments []Segment
}

// ParseOptions controls the raw-blob gap heuristic.
type ParseOptions struct {
	// SplitGaps enables splitting raw binaries on long 0xFF runs, used by
	// drivers (MSP430, CC1352P7) that benefit from sparse writes.
	SplitGaps bool
}

// Parse classifies blob as Ti-TXT, Intel-HEX, or raw, and parses it
// accordingly.
func Parse(blob []byte, opts ParseOptions) (*Image, error) {
	if utf8.Valid(blob) {
		if looksLikeTiTxt(blob) {
			return parseTiTxt(blob)
		}
		if looksLikeIntelHex(blob) {
			return parseIntelHex(blob)
		}
	}
	return parseRaw(blob, opts)
}

// Flatten returns hi-lo bytes covering [lo, hi), filling addresses not
// covered by any segment with fill. Segment bytes that fall (even
// partially) outside [lo, hi) are truncated to the overlapping portion.
func (img *Image) Flatten(lo, hi uint64, fill byte) ([]byte, error) {
	if hi < lo {
		return nil, bbferr.New(component, bbferr.InvalidImage, "flatten: hi < lo")
	}
	out := make([]byte, hi-lo)
	for i := range out {
		out[i] = fill
	}
	for _, seg := range img.Segments {
		segEnd := seg.end()
		if segEnd <= lo || seg.Start >= hi {
			continue
		}
		start := seg.Start
		data := seg.Data
		if start < lo {
			data = data[lo-start:]
			start = lo
		}
		end := start + uint64(len(data))
		if end > hi {
			data = data[:hi-end+uint64(len(data))]
			end = hi
		}
		copy(out[start-lo:end-lo], data)
	}
	return out, nil
}

// AddSegment inserts seg in address order, merging it with an immediately
// abutting neighbor and rejecting genuine overlaps.
func (img *Image) AddSegment(seg Segment) error {
	if len(seg.Data) == 0 {
		return nil
	}
	idx := sort.Search(len(img.Segments), func(i int) bool {
		return img.Segments[i].Start >= seg.Start
	})

	if idx > 0 {
		prev := img.Segments[idx-1]
		if prev.end() > seg.Start {
			return bbferr.New(component, bbferr.InvalidImage, "overlapping segments")
		}
		if prev.end() == seg.Start {
			merged := Segment{Start: prev.Start, Data: append(append([]byte{}, prev.Data...), seg.Data...)}
			img.Segments[idx-1] = merged
			return img.mergeForward(idx - 1)
		}
	}
	if idx < len(img.Segments) {
		next := img.Segments[idx]
		if seg.end() > next.Start {
			return bbferr.New(component, bbferr.InvalidImage, "overlapping segments")
		}
		if seg.end() == next.Start {
			merged := Segment{Start: seg.Start, Data: append(append([]byte{}, seg.Data...), next.Data...)}
			img.Segments[idx] = merged
			return img.mergeForward(idx)
		}
	}

	img.Segments = append(img.Segments, Segment{})
	copy(img.Segments[idx+1:], img.Segments[idx:])
	img.Segments[idx] = seg
	return nil
}

// mergeForward folds Segments[at+1] into Segments[at] while they abut,
// after a merge may have newly made them adjacent to their other neighbor.
func (img *Image) mergeForward(at int) error {
	for at+1 < len(img.Segments) {
		cur := img.Segments[at]
		next := img.Segments[at+1]
		if cur.end() > next.Start {
			return bbferr.New(component, bbferr.InvalidImage, "overlapping segments")
		}
		if cur.end() != next.Start {
			break
		}
		img.Segments[at] = Segment{Start: cur.Start, Data: append(append([]byte{}, cur.Data...), next.Data...)}
		img.Segments = append(img.Segments[:at+1], img.Segments[at+2:]...)
	}
	return nil
}

// ---- raw binary: 0xFF-run gap heuristic ----

func parseRaw(blob []byte, opts ParseOptions) (*Image, error) {
	img := &Image{}
	if len(blob) == 0 {
		return img, nil
	}
	if !opts.SplitGaps {
		return &Image{Segments: []Segment{{Start: 0, Data: append([]byte{}, blob...)}}}, nil
	}

	start := 0
	i := 0
	for i < len(blob) {
		if blob[i] != DefaultFillByte {
			i++
			continue
		}
		runStart := i
		for i < len(blob) && blob[i] == DefaultFillByte {
			i++
		}
		runLen := i - runStart
		if runLen < gapThreshold {
			continue
		}
		// Align the split to an even address, keeping any odd leading
		// 0xFF byte attached to the preceding segment.
		splitAt := runStart
		if splitAt%2 != 0 {
			splitAt++
		}
		if splitAt > start {
			if err := img.AddSegment(Segment{Start: uint64(start), Data: blob[start:splitAt]}); err != nil {
				return nil, err
			}
		}
		start = i
		if start%2 != 0 && start < len(blob) {
			start--
		}
	}
	if start < len(blob) {
		if err := img.AddSegment(Segment{Start: uint64(start), Data: blob[start:]}); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// ---- Ti-TXT ----
//
// Grammar: lines are either "@AAAA" (hex load address, sets the cursor for
// subsequent data lines) or whitespace-separated two-digit hex byte pairs
// appended at the cursor, terminated by a lone "q".

func looksLikeTiTxt(blob []byte) bool {
	trimmed := strings.TrimSpace(string(blob))
	if trimmed == "q" || strings.HasSuffix(trimmed, "\nq") {
		return true
	}
	for _, line := range strings.Split(string(blob), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return strings.HasPrefix(line, "@") || line == "q"
	}
	return false
}

func parseTiTxt(blob []byte) (*Image, error) {
	img := &Image{}
	scanner := bufio.NewScanner(bytes.NewReader(blob))
	var cursor uint64
	haveAddr := false
	var pending []byte

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if !haveAddr {
			return bbferr.New(component, bbferr.InvalidImage, "ti-txt: data before any @address")
		}
		if err := img.AddSegment(Segment{Start: cursor, Data: pending}); err != nil {
			return err
		}
		cursor += uint64(len(pending))
		pending = nil
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "q" {
			break
		}
		if strings.HasPrefix(line, "@") {
			if err := flush(); err != nil {
				return nil, err
			}
			addr, err := strconv.ParseUint(line[1:], 16, 64)
			if err != nil {
				return nil, bbferr.Wrap(component, bbferr.InvalidImage, "ti-txt: bad address line "+line, err)
			}
			cursor = addr
			haveAddr = true
			continue
		}
		for _, tok := range strings.Fields(line) {
			b, err := strconv.ParseUint(tok, 16, 8)
			if err != nil {
				return nil, bbferr.Wrap(component, bbferr.InvalidImage, "ti-txt: bad byte token "+tok, err)
			}
			pending = append(pending, byte(b))
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(img.Segments) == 0 {
		return nil, bbferr.New(component, bbferr.InvalidImage, "ti-txt: no segments parsed")
	}
	return img, nil
}

// ---- Intel-HEX ----

func looksLikeIntelHex(blob []byte) bool {
	for _, line := range strings.Split(string(blob), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return strings.HasPrefix(line, ":")
	}
	return false
}

func parseIntelHex(blob []byte) (*Image, error) {
	img := &Image{}
	scanner := bufio.NewScanner(bytes.NewReader(blob))
	var upperAddr uint64
	sawEOF := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, ":") {
			return nil, bbferr.New(component, bbferr.InvalidImage, "intel-hex: line missing ':' prefix")
		}
		raw, err := hex.DecodeString(line[1:])
		if err != nil || len(raw) < 5 {
			return nil, bbferr.Wrap(component, bbferr.InvalidImage, "intel-hex: malformed record "+line, err)
		}
		count := int(raw[0])
		if len(raw) != 5+count {
			return nil, bbferr.New(component, bbferr.InvalidImage, "intel-hex: length mismatch in "+line)
		}
		addr := uint64(raw[1])<<8 | uint64(raw[2])
		recType := raw[3]
		data := raw[4 : 4+count]
		checksum := raw[4+count]
		if sum8(raw[:4+count])+checksum != 0 {
			return nil, bbferr.New(component, bbferr.InvalidImage, "intel-hex: checksum mismatch in "+line)
		}

		switch recType {
		case 0x00: // data
			if err := img.AddSegment(Segment{Start: upperAddr + addr, Data: append([]byte{}, data...)}); err != nil {
				return nil, err
			}
		case 0x01: // EOF
			sawEOF = true
		case 0x02: // extended segment address
			if count != 2 {
				return nil, bbferr.New(component, bbferr.InvalidImage, "intel-hex: bad type 02 record")
			}
			upperAddr = (uint64(data[0])<<8 | uint64(data[1])) << 4
		case 0x04: // extended linear address
			if count != 2 {
				return nil, bbferr.New(component, bbferr.InvalidImage, "intel-hex: bad type 04 record")
			}
			upperAddr = (uint64(data[0])<<8 | uint64(data[1])) << 16
		case 0x03, 0x05:
			// start segment/linear address: entry point, not image data.
		default:
			return nil, bbferr.New(component, bbferr.InvalidImage, fmt.Sprintf("intel-hex: unsupported record type %#x", recType))
		}
		if sawEOF {
			break
		}
	}
	if !sawEOF {
		return nil, bbferr.New(component, bbferr.InvalidImage, "intel-hex: missing EOF record")
	}
	return img, nil
}

func sum8(b []byte) byte {
	var s byte
	for _, v := range b {
		s += v
	}
	return s
}
