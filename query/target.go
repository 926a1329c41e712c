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

package query

import (
	"fmt"

	"docsync.dev/internal/gcerr"
	"docsync.dev/model"
)

// Purpose is the reason a target is listened to.
type Purpose int

const (
	// PurposeListen is a query the application listens to.
	PurposeListen Purpose = iota
	// PurposeExistenceFilterMismatch re-listens to a query after its
	// existence filter disagreed with the local result count.
	PurposeExistenceFilterMismatch
	// PurposeLimboResolution resolves a single limbo document.
	PurposeLimboResolution
)

func (p Purpose) String() string {
	switch p {
	case PurposeListen:
		return "listen"
	case PurposeExistenceFilterMismatch:
		return "existence-filter-mismatch"
	case PurposeLimboResolution:
		return "limbo-resolution"
	}
	return fmt.Sprintf("purpose(%d)", int(p))
}

// TargetData is the bookkeeping kept for one query the backend is asked to
// watch.
type TargetData struct {
	Query    Query
	TargetID int
	Purpose  Purpose
	// SnapshotVersion is the version of the last consistent snapshot
	// received for the target.
	SnapshotVersion model.SnapshotVersion
	// ResumeToken is an opaque cursor for resuming the listen. Empty means
	// the listen starts from scratch.
	ResumeToken []byte
}

// WithResumeToken returns a copy of td updated to a new snapshot.
func (td TargetData) WithResumeToken(token []byte, v model.SnapshotVersion) TargetData {
	td.ResumeToken = token
	td.SnapshotVersion = v
	return td
}

// WithPurpose returns a copy of td with a different purpose.
func (td TargetData) WithPurpose(p Purpose) TargetData {
	td.Purpose = p
	return td
}

func (td TargetData) String() string {
	return fmt.Sprintf("TargetData(target=%d, %s, purpose=%s, version=%s, resumeToken=%d bytes)",
		td.TargetID, td.Query.CanonicalID(), td.Purpose, td.SnapshotVersion, len(td.ResumeToken))
}

// A GeneratorID splits the target id space between id allocators.
type GeneratorID int

const (
	// LocalStoreGenerator hands out even ids for queries.
	LocalStoreGenerator GeneratorID = 0
	// SyncEngineGenerator hands out odd ids for limbo resolutions.
	SyncEngineGenerator GeneratorID = 1
)

const reservedBits = 1

// A TargetIDGenerator returns increasing target ids whose low bit is the
// generator id. It is not safe for concurrent use.
type TargetIDGenerator struct {
	generatorID int
	previousID  int
}

// NewTargetIDGenerator returns a generator whose first id is the smallest id of
// its kind greater than after.
func NewTargetIDGenerator(gen GeneratorID, after int) *TargetIDGenerator {
	g := &TargetIDGenerator{generatorID: int(gen)}
	withoutGen := (after >> reservedBits) << reservedBits
	if after-withoutGen >= g.generatorID {
		g.seek(withoutGen | g.generatorID)
	} else {
		g.seek((withoutGen | g.generatorID) - (1 << reservedBits))
	}
	return g
}

func (g *TargetIDGenerator) seek(id int) {
	mask := (1 << reservedBits) - 1
	if id&mask != g.generatorID {
		gcerr.Fail("cannot supply target id %d from generator %d", id, g.generatorID)
	}
	g.previousID = id
}

// Next returns the next id.
func (g *TargetIDGenerator) Next() int {
	g.previousID += 1 << reservedBits
	return g.previousID
}
