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
	"fmt"
	"time"
)

// A Timestamp is a point in time with nanosecond precision.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

// TimestampFromTime converts t.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// TimestampFromMillis converts milliseconds since the Unix epoch.
func TimestampFromMillis(ms int64) Timestamp {
	return TimestampFromTime(time.UnixMilli(ms))
}

// Time converts ts to a time.Time in UTC.
func (ts Timestamp) Time() time.Time { return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC() }

// Millis returns ts as milliseconds since the Unix epoch.
func (ts Timestamp) Millis() int64 { return ts.Seconds*1000 + int64(ts.Nanos)/1e6 }

// Compare returns -1, 0 or 1.
func (ts Timestamp) Compare(other Timestamp) int {
	if c := compareInt64s(ts.Seconds, other.Seconds); c != 0 {
		return c
	}
	return compareInt64s(int64(ts.Nanos), int64(other.Nanos))
}

func (ts Timestamp) String() string {
	return fmt.Sprintf("Timestamp(seconds=%d, nanos=%d)", ts.Seconds, ts.Nanos)
}

// A SnapshotVersion is the logical time at which the backend observed a
// document or a query result.
type SnapshotVersion struct {
	Timestamp Timestamp
}

// MinVersion means "never observed". It sorts before every other version.
var MinVersion = SnapshotVersion{}

// DeletedVersion is the version of a tombstone produced locally, for example
// by a delete mutation. A later write over a deleted document uses it as its
// base version.
var DeletedVersion = MinVersion

// NewSnapshotVersion returns the version for seconds and nanos.
func NewSnapshotVersion(seconds int64, nanos int32) SnapshotVersion {
	return SnapshotVersion{Timestamp{Seconds: seconds, Nanos: nanos}}
}

// VersionFromMicros builds a version from microseconds. It is handy in tests.
func VersionFromMicros(us int64) SnapshotVersion {
	return NewSnapshotVersion(us/1e6, int32(us%1e6)*1000)
}

// Compare returns -1, 0 or 1.
func (v SnapshotVersion) Compare(other SnapshotVersion) int {
	return v.Timestamp.Compare(other.Timestamp)
}

// IsMin reports whether v is MinVersion.
func (v SnapshotVersion) IsMin() bool { return v == MinVersion }

func (v SnapshotVersion) String() string {
	return fmt.Sprintf("SnapshotVersion(%d.%09d)", v.Timestamp.Seconds, v.Timestamp.Nanos)
}

func compareInt64s(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
