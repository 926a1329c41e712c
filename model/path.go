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

package model

import (
	"regexp"
	"strings"

	"docsync.dev/internal/gcerr"
)

// A ResourcePath is a slash-separated path to a collection or document.
// ResourcePaths are treated as immutable: methods never modify the receiver.
type ResourcePath []string

// ParseResourcePath splits s on "/", ignoring empty segments.
func ParseResourcePath(s string) ResourcePath {
	var p ResourcePath
	for _, seg := range strings.Split(s, "/") {
		if seg != "" {
			p = append(p, seg)
		}
	}
	return p
}

// Child returns a new path with segs appended.
func (p ResourcePath) Child(segs ...string) ResourcePath {
	c := make(ResourcePath, 0, len(p)+len(segs))
	c = append(c, p...)
	return append(c, segs...)
}

// Parent returns p without its last segment. The parent of the empty path is
// the empty path.
func (p ResourcePath) Parent() ResourcePath {
	if len(p) == 0 {
		return nil
	}
	return p[: len(p)-1 : len(p)-1]
}

// LastSegment returns the final segment of p, or "" if p is empty.
func (p ResourcePath) LastSegment() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// IsPrefixOf reports whether every segment of p is a leading segment of other.
func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p) > len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// IsImmediateParentOf reports whether other is p plus exactly one segment.
func (p ResourcePath) IsImmediateParentOf(other ResourcePath) bool {
	return len(p)+1 == len(other) && p.IsPrefixOf(other)
}

// Equal reports whether p and other have the same segments.
func (p ResourcePath) Equal(other ResourcePath) bool {
	return len(p) == len(other) && p.IsPrefixOf(other)
}

// Compare orders paths segment by segment; a path sorts before its descendants.
func (p ResourcePath) Compare(other ResourcePath) int {
	for i := 0; i < len(p) && i < len(other); i++ {
		if c := strings.Compare(p[i], other[i]); c != 0 {
			return c
		}
	}
	return compareInts(len(p), len(other))
}

// String returns the canonical slash-separated form of p.
func (p ResourcePath) String() string { return strings.Join(p, "/") }

// IsDocumentPath reports whether p names a document: a non-empty path with an
// even number of segments.
func IsDocumentPath(p ResourcePath) bool { return len(p) > 0 && len(p)%2 == 0 }

// A FieldPath names a field inside a document; nested fields use one segment
// per level.
type FieldPath []string

// KeyFieldName is the reserved field name that refers to a document's key.
const KeyFieldName = "__name__"

// KeyFieldPath refers to the document key in filters and orderings.
var KeyFieldPath = FieldPath{KeyFieldName}

// ParseFieldPath splits s on ".". It panics if any segment is empty.
func ParseFieldPath(s string) FieldPath {
	segs := strings.Split(s, ".")
	for _, seg := range segs {
		if seg == "" {
			gcerr.Fail("invalid field path %q", s)
		}
	}
	return FieldPath(segs)
}

// IsKeyField reports whether f refers to the document key.
func (f FieldPath) IsKeyField() bool { return len(f) == 1 && f[0] == KeyFieldName }

// Child returns a new path with seg appended.
func (f FieldPath) Child(seg string) FieldPath {
	c := make(FieldPath, 0, len(f)+1)
	c = append(c, f...)
	return append(c, seg)
}

// Equal reports whether f and other have the same segments.
func (f FieldPath) Equal(other FieldPath) bool {
	return ResourcePath(f).Equal(ResourcePath(other))
}

// IsPrefixOf reports whether f is a leading part of other.
func (f FieldPath) IsPrefixOf(other FieldPath) bool {
	return ResourcePath(f).IsPrefixOf(ResourcePath(other))
}

// Compare orders field paths segment by segment.
func (f FieldPath) Compare(other FieldPath) int {
	return ResourcePath(f).Compare(ResourcePath(other))
}

var simpleSegment = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

// String returns the canonical dotted form of f. Segments that are not simple
// identifiers are quoted with backticks.
func (f FieldPath) String() string {
	parts := make([]string, len(f))
	for i, seg := range f {
		if simpleSegment.MatchString(seg) {
			parts[i] = seg
			continue
		}
		seg = strings.ReplaceAll(seg, `\`, `\\`)
		seg = strings.ReplaceAll(seg, "`", "\\`")
		parts[i] = "`" + seg + "`"
	}
	return strings.Join(parts, ".")
}

// A DocumentKey identifies a document by its full path. DocumentKeys are
// comparable and can be used as map keys. The zero value is not a valid key.
type DocumentKey struct {
	path string
}

// NewDocumentKey returns the key for path. It panics if path does not name a
// document.
func NewDocumentKey(path ResourcePath) DocumentKey {
	if !IsDocumentPath(path) {
		gcerr.Fail("invalid document path %q: must have an even, non-zero number of segments", path.String())
	}
	for _, seg := range path {
		if strings.Contains(seg, "/") {
			gcerr.Fail("invalid document path segment %q", seg)
		}
	}
	return DocumentKey{path: path.String()}
}

// KeyFromString parses a slash-separated document path.
func KeyFromString(s string) DocumentKey {
	return NewDocumentKey(ParseResourcePath(s))
}

// IsValid reports whether k is not the zero key.
func (k DocumentKey) IsValid() bool { return k.path != "" }

// Path returns the segments of k.
func (k DocumentKey) Path() ResourcePath { return ParseResourcePath(k.path) }

// CollectionPath returns the path of the collection containing k.
func (k DocumentKey) CollectionPath() ResourcePath { return k.Path().Parent() }

// ID returns the last segment of k.
func (k DocumentKey) ID() string { return k.Path().LastSegment() }

// String returns the slash-separated path of k.
func (k DocumentKey) String() string { return k.path }

// Compare orders keys segment by segment.
func (k DocumentKey) Compare(other DocumentKey) int {
	return compareSegmented(k.path, other.path)
}

// compareSegmented compares two slash-joined paths as if they were split into
// segments. Treating '/' as smaller than every other byte gives the same result
// as comparing segment by segment.
func compareSegmented(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ca, cb := a[i], b[i]
		if ca == cb {
			continue
		}
		if ca == '/' {
			return -1
		}
		if cb == '/' {
			return 1
		}
		if ca < cb {
			return -1
		}
		return 1
	}
	return compareInts(len(a), len(b))
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
