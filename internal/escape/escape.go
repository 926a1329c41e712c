// Copyright 2019 The Go Cloud Development Kit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package escape encodes resource paths into single strings whose byte order
// matches the segment-wise order of the paths.
//
// Each segment is followed by the two-byte separator "\x01\x01". Inside a
// segment, the byte 0x00 is written as "\x01\x10" and the byte 0x01 as
// "\x01\x11". Because the separator sorts before every other byte sequence that
// can appear at the same position, a path sorts before all of its descendants,
// and the encoding of a parent is a prefix of the encoding of each child.
package escape

import (
	"fmt"
	"strings"
)

const (
	escapeChar   = '\x01'
	encodedSep   = '\x01'
	encodedNul   = '\x10'
	encodedEsc   = '\x11'
	nulChar      = '\x00'
	segmentBreak = "\x01\x01"
)

// EncodePath encodes segs. The empty path encodes to "".
func EncodePath(segs []string) string {
	var b strings.Builder
	for _, s := range segs {
		encodeSegment(&b, s)
		b.WriteString(segmentBreak)
	}
	return b.String()
}

func encodeSegment(b *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case nulChar:
			b.WriteByte(escapeChar)
			b.WriteByte(encodedNul)
		case escapeChar:
			b.WriteByte(escapeChar)
			b.WriteByte(encodedEsc)
		default:
			b.WriteByte(c)
		}
	}
}

// DecodePath reverses EncodePath.
func DecodePath(p string) ([]string, error) {
	if p == "" {
		return nil, nil
	}
	if len(p) < 2 {
		return nil, fmt.Errorf("escape: invalid encoded path %q", p)
	}
	var (
		segs []string
		seg  []byte
	)
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c != escapeChar {
			seg = append(seg, c)
			continue
		}
		if i+1 >= len(p) {
			return nil, fmt.Errorf("escape: truncated escape in %q", p)
		}
		i++
		switch p[i] {
		case encodedSep:
			segs = append(segs, string(seg))
			seg = seg[:0]
		case encodedNul:
			seg = append(seg, nulChar)
		case encodedEsc:
			seg = append(seg, escapeChar)
		default:
			return nil, fmt.Errorf("escape: invalid escape sequence at %d in %q", i-1, p)
		}
	}
	if len(seg) != 0 {
		return nil, fmt.Errorf("escape: encoded path %q does not end with a separator", p)
	}
	return segs, nil
}

// PrefixSuccessor returns the smallest string that is greater than every
// string having prefix p. It is used as the exclusive upper bound of a prefix
// scan. The empty prefix has no successor, and "" is returned.
func PrefixSuccessor(p string) string {
	b := []byte(p)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
