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

// Package otel records docsync operations as OpenTelemetry spans. Spans are
// started on the global tracer provider at the time of each operation, so a
// provider installed after a component is built still sees its spans.
package otel

import (
	"context"
	"path"
	"reflect"

	"docsync.dev/gcerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys set on docsync spans.
var (
	ComponentKey = attribute.Key("docsync.component")
	ActionKey    = attribute.Key("docsync.action")
	StoreKey     = attribute.Key("docsync.store")
	CodeKey      = attribute.Key("docsync.code")
)

const instrumentationPrefix = "docsync.dev/"

// StoreAttr names the engine of a store value: the last element of the
// package path of its type, such as "memkv".
func StoreAttr(store any) attribute.KeyValue {
	name := ""
	if store != nil {
		t := reflect.TypeOf(store)
		for t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		name = path.Base(t.PkgPath())
	}
	return StoreKey.String(name)
}

// A Tracer traces the actions of one component.
type Tracer struct {
	component string
	attrs     []attribute.KeyValue
}

// NewTracer returns a Tracer for component. attrs are added to every span.
func NewTracer(component string, attrs ...attribute.KeyValue) *Tracer {
	all := []attribute.KeyValue{ComponentKey.String(component)}
	return &Tracer{component: component, attrs: append(all, attrs...)}
}

// Start starts a span for action, a short description such as
// "Allocate query".
func (t *Tracer) Start(ctx context.Context, action string) (context.Context, trace.Span) {
	attrs := append([]attribute.KeyValue{ActionKey.String(action)}, t.attrs...)
	return otel.Tracer(instrumentationPrefix+t.component).Start(ctx, t.component+": "+action, trace.WithAttributes(attrs...))
}

// End ends span, recording the error code of err.
func (t *Tracer) End(span trace.Span, err error) {
	span.SetAttributes(CodeKey.String(gcerrors.Code(err).String()))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
