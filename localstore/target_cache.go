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

package localstore

import (
	"docsync.dev/internal/gcerr"
	"docsync.dev/model"
	"docsync.dev/persistence"
	"docsync.dev/query"
)

// A TargetCache persists the TargetData of listened queries and the keys of
// the documents the backend says match each target.
type TargetCache struct {
	meta targetGlobalRecord
	gc   GarbageCollector
}

// Start loads the target globals.
func (c *TargetCache) Start(txn persistence.Txn) error {
	ok, err := getRecord(txn.Collection(targetGlobalCollection), targetGlobalKey, &c.meta)
	if err != nil {
		return err
	}
	if !ok {
		c.meta = targetGlobalRecord{}
	}
	return nil
}

// HighestTargetID returns the highest target id ever persisted.
func (c *TargetCache) HighestTargetID() int { return c.meta.HighestTargetID }

// TargetCount returns the number of persisted targets.
func (c *TargetCache) TargetCount() int { return c.meta.TargetCount }

// LastRemoteSnapshotVersion returns the version of the last remote event.
func (c *TargetCache) LastRemoteSnapshotVersion() model.SnapshotVersion {
	return model.SnapshotVersion{Timestamp: c.meta.LastRemoteSnapshotVersion}
}

// SetLastRemoteSnapshotVersion stores v.
func (c *TargetCache) SetLastRemoteSnapshotVersion(txn persistence.Txn, v model.SnapshotVersion) error {
	c.meta.LastRemoteSnapshotVersion = v.Timestamp
	return c.putMeta(txn)
}

func (c *TargetCache) putMeta(txn persistence.Txn) error {
	return putRecord(txn.Collection(targetGlobalCollection), targetGlobalKey, &c.meta)
}

// AddTargetData persists a new target.
func (c *TargetCache) AddTargetData(txn persistence.Txn, td query.TargetData) error {
	if err := c.saveTargetData(txn, td); err != nil {
		return err
	}
	c.meta.TargetCount++
	if td.TargetID > c.meta.HighestTargetID {
		c.meta.HighestTargetID = td.TargetID
	}
	return c.putMeta(txn)
}

// UpdateTargetData replaces a persisted target.
func (c *TargetCache) UpdateTargetData(txn persistence.Txn, td query.TargetData) error {
	return c.saveTargetData(txn, td)
}

func (c *TargetCache) saveTargetData(txn persistence.Txn, td query.TargetData) error {
	r := toTargetRecord(td)
	if err := putRecord(txn.Collection(targetsCollection), persistence.NewKey(td.TargetID), r); err != nil {
		return err
	}
	return txn.Collection(targetsByCanonicalIDCollection).Put(persistence.NewKey(r.CanonicalID, td.TargetID), placeholder)
}

// RemoveTargetData deletes a target and its document mapping.
func (c *TargetCache) RemoveTargetData(txn persistence.Txn, td query.TargetData) error {
	gcerr.Assert(c.meta.TargetCount > 0, "removing target %d from an empty target cache", td.TargetID)
	if err := c.RemoveMatchingKeysForTargetID(txn, td.TargetID); err != nil {
		return err
	}
	if err := txn.Collection(targetsCollection).Delete(persistence.NewKey(td.TargetID)); err != nil {
		return err
	}
	if err := txn.Collection(targetsByCanonicalIDCollection).Delete(persistence.NewKey(td.Query.CanonicalID(), td.TargetID)); err != nil {
		return err
	}
	c.meta.TargetCount--
	return c.putMeta(txn)
}

// TargetData returns the persisted target for a query equal to q, or nil.
// Canonical ids may collide, so every candidate is compared with q.
func (c *TargetCache) TargetData(txn persistence.Txn, q query.Query) (*query.TargetData, error) {
	var found *query.TargetData
	targets := txn.Collection(targetsCollection)
	r := persistence.PrefixRange(persistence.NewKey(q.CanonicalID()))
	err := txn.Collection(targetsByCanonicalIDCollection).Iterate(persistence.IterateOptions{Range: r},
		func(k persistence.Key, _ []byte, ctl *persistence.Control) error {
			var rec targetRecord
			ok, err := getRecord(targets, persistence.NewKey(k.Int(1)), &rec)
			if err != nil {
				return err
			}
			gcerr.Assert(ok, "dangling canonical id index entry for target %d", k.Int(1))
			td, err := fromTargetRecord(&rec)
			if err != nil {
				return err
			}
			if td.Query.Equal(q) {
				found = &td
				ctl.Done()
			}
			return nil
		})
	return found, err
}

// TargetDataForTarget returns the persisted target with id, or nil.
func (c *TargetCache) TargetDataForTarget(txn persistence.Txn, id int) (*query.TargetData, error) {
	var rec targetRecord
	ok, err := getRecord(txn.Collection(targetsCollection), persistence.NewKey(id), &rec)
	if err != nil || !ok {
		return nil, err
	}
	td, err := fromTargetRecord(&rec)
	return &td, err
}

// AddMatchingKeys records that keys match target id.
func (c *TargetCache) AddMatchingKeys(txn persistence.Txn, keys *model.DocumentKeySet, id int) error {
	targetDocs := txn.Collection(targetDocumentsCollection)
	docTargets := txn.Collection(documentTargetsCollection)
	var err error
	keys.Each(func(k model.DocumentKey) bool {
		path := encodeKey(k)
		if err = targetDocs.Put(persistence.NewKey(id, path), placeholder); err != nil {
			return false
		}
		err = docTargets.Put(persistence.NewKey(path, id), placeholder)
		return err == nil
	})
	return err
}

// RemoveMatchingKeys records that keys no longer match target id, and
// reports them as potential garbage.
func (c *TargetCache) RemoveMatchingKeys(txn persistence.Txn, keys *model.DocumentKeySet, id int) error {
	var err error
	keys.Each(func(k model.DocumentKey) bool {
		err = c.removeMatchingKey(txn, k, id)
		return err == nil
	})
	return err
}

func (c *TargetCache) removeMatchingKey(txn persistence.Txn, k model.DocumentKey, id int) error {
	path := encodeKey(k)
	if err := txn.Collection(targetDocumentsCollection).Delete(persistence.NewKey(id, path)); err != nil {
		return err
	}
	if err := txn.Collection(documentTargetsCollection).Delete(persistence.NewKey(path, id)); err != nil {
		return err
	}
	if c.gc != nil {
		c.gc.AddPotentialGarbageKey(k)
	}
	return nil
}

// RemoveMatchingKeysForTargetID removes every key of target id.
func (c *TargetCache) RemoveMatchingKeysForTargetID(txn persistence.Txn, id int) error {
	keys, err := c.MatchingKeysForTargetID(txn, id)
	if err != nil {
		return err
	}
	return c.RemoveMatchingKeys(txn, keys, id)
}

// MatchingKeysForTargetID returns the keys that match target id.
func (c *TargetCache) MatchingKeysForTargetID(txn persistence.Txn, id int) (*model.DocumentKeySet, error) {
	keys := model.NewDocumentKeySet()
	err := txn.Collection(targetDocumentsCollection).Iterate(persistence.IterateOptions{Range: persistence.PrefixRange(persistence.NewKey(id))},
		func(k persistence.Key, _ []byte, _ *persistence.Control) error {
			key, err := decodeKey(k.Str(1))
			if err != nil {
				return err
			}
			keys.Add(key)
			return nil
		})
	return keys, err
}

// ContainsKey implements GarbageSource.ContainsKey: a key is referenced
// while it matches any target.
func (c *TargetCache) ContainsKey(txn persistence.Txn, key model.DocumentKey) (bool, error) {
	n, err := txn.Collection(documentTargetsCollection).Count(persistence.PrefixRange(persistence.NewKey(encodeKey(key))))
	return n > 0, err
}

func (c *TargetCache) SetGarbageCollector(gc GarbageCollector) { c.gc = gc }
