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

package otel

import (
	"context"
	"testing"

	"docsync.dev/internal/gcerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type testStore struct{}

func TestStoreAttr(t *testing.T) {
	for _, tc := range []struct {
		name  string
		store any
		want  string
	}{
		{"nil", nil, ""},
		{"struct", testStore{}, "otel"},
		{"pointer", &testStore{}, "otel"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := StoreAttr(tc.store).Value.AsString(); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func attrs(kvs []attribute.KeyValue) map[attribute.Key]string {
	m := map[attribute.Key]string{}
	for _, kv := range kvs {
		m[kv.Key] = kv.Value.AsString()
	}
	return m
}

func TestTracer(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := trace.NewTracerProvider(
		trace.WithSampler(trace.AlwaysSample()),
		trace.WithSpanProcessor(recorder),
	)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(orig)

	tracer := NewTracer("persistence", StoreAttr(&testStore{}))
	_, span := tracer.Start(context.Background(), "Locally write mutations")
	tracer.End(span, nil)
	_, span = tracer.Start(context.Background(), "Acknowledge batch")
	tracer.End(span, gcerr.Newf(gcerr.FailedPrecondition, nil, "lease lost"))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	for i, want := range []struct {
		name   string
		status codes.Code
		code   string
	}{
		{"persistence: Locally write mutations", codes.Ok, "OK"},
		{"persistence: Acknowledge batch", codes.Error, "FailedPrecondition"},
	} {
		s := spans[i]
		if got := s.Name(); got != want.name {
			t.Errorf("span %d: got name %q, want %q", i, got, want.name)
		}
		if got := s.Status().Code; got != want.status {
			t.Errorf("span %d: got status %v, want %v", i, got, want.status)
		}
		a := attrs(s.Attributes())
		if a[CodeKey] != want.code || a[ComponentKey] != "persistence" || a[StoreKey] != "otel" {
			t.Errorf("span %d: got attributes %v", i, a)
		}
	}
}
