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

package filesignal

import (
	"context"
	"testing"
	"time"
)

func TestGetSetDelete(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.Get("zombie/owner"); err != nil || ok {
		t.Fatalf("Get on missing key: got ok=%t, err=%v", ok, err)
	}
	if err := s.Set("zombie/owner", "abc"); err != nil {
		t.Fatal(err)
	}
	// A second Store on the same directory sees the value.
	s2, err := Open(s.dir)
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := s2.Get("zombie/owner")
	if err != nil || !ok || got != "abc" {
		t.Errorf("got (%q, %t, %v), want (%q, true, nil)", got, ok, err, "abc")
	}
	if err := s.Delete("zombie/owner"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("zombie/owner"); err != nil {
		t.Errorf("deleting a missing key: %v", err)
	}
	if _, ok, _ := s2.Get("zombie/owner"); ok {
		t.Error("key still set after Delete")
	}
}

func TestWatch(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Watch(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("other", "x"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("k", "v"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no notification after Set")
	}
	cancel()
	// The channel is closed once the context is done.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}
