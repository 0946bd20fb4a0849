package sdwriter

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/beagleboard/bbflash/internal/bbferr"
)

const component = "sdwriter"

// BlockRange is an inclusive [First, Last] run of block indices.
type BlockRange struct {
	First uint64
	Last  uint64
}

// Bmap is the parsed sparse-write plan (spec §3).
type Bmap struct {
	BlockSize uint64
	ImageSize uint64
	Blocks    []BlockRange
}

// bmapXML mirrors the vendor block-map-format XML:
//
//	<bmap>
//	  <BlockSize>1048576</BlockSize>
//	  <ImageSize>33554432</ImageSize>
//	  <BlockMap>
//	    <Range>0-0</Range>
//	    <Range>2-2</Range>
//	  </BlockMap>
//	</bmap>
type bmapXML struct {
	XMLName   xml.Name `xml:"bmap"`
	BlockSize uint64   `xml:"BlockSize"`
	ImageSize uint64   `xml:"ImageSize"`
	BlockMap  struct {
		Ranges []string `xml:"Range"`
	} `xml:"BlockMap"`
}

// ParseBmap parses the vendor bmap XML format and validates the invariants
// from spec §3: disjoint, ascending ranges within [0, ceil(image_size/block_size)).
func ParseBmap(data []byte) (*Bmap, error) {
	var raw bmapXML
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, bbferr.Wrap(component, bbferr.InvalidBmap, "malformed bmap xml", err)
	}
	if raw.BlockSize == 0 || raw.ImageSize == 0 {
		return nil, bbferr.New(component, bbferr.InvalidBmap, "bmap missing BlockSize/ImageSize")
	}

	b := &Bmap{BlockSize: raw.BlockSize, ImageSize: raw.ImageSize}
	maxBlock := (raw.ImageSize + raw.BlockSize - 1) / raw.BlockSize

	var prevLast int64 = -1
	for _, r := range raw.BlockMap.Ranges {
		first, last, err := parseRange(r)
		if err != nil {
			return nil, err
		}
		if first > last {
			return nil, bbferr.New(component, bbferr.InvalidBmap, "range first > last: "+r)
		}
		if last >= maxBlock {
			return nil, bbferr.New(component, bbferr.InvalidBmap, "range exceeds image size: "+r)
		}
		if int64(first) <= prevLast {
			return nil, bbferr.New(component, bbferr.InvalidBmap, "ranges not disjoint/ascending: "+r)
		}
		b.Blocks = append(b.Blocks, BlockRange{First: first, Last: last})
		prevLast = int64(last)
	}
	return b, nil
}

func parseRange(s string) (uint64, uint64, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "-", 2)
	first, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, bbferr.Wrap(component, bbferr.InvalidBmap, "bad range "+s, err)
	}
	if len(parts) == 1 {
		return first, first, nil
	}
	last, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, bbferr.Wrap(component, bbferr.InvalidBmap, "bad range "+s, err)
	}
	return first, last, nil
}

// ByteRange converts a BlockRange to a [start, end) byte range.
func (b *Bmap) ByteRange(r BlockRange) (uint64, uint64) {
	return r.First * b.BlockSize, (r.Last + 1) * b.BlockSize
}

// TotalMappedSize sums the byte length of every range, the denominator for
// bmap-mode progress (spec §4.4).
func (b *Bmap) TotalMappedSize() uint64 {
	var total uint64
	for _, r := range b.Blocks {
		start, end := b.ByteRange(r)
		total += end - start
	}
	return total
}
