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
	"bytes"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"docsync.dev/internal/gcerr"
)

// TypeOrder is the position of a value's type in the cross-type sort order.
type TypeOrder int

// Values of different types sort in this order.
const (
	TypeOrderNull TypeOrder = iota
	TypeOrderBoolean
	TypeOrderNumber
	TypeOrderTimestamp
	TypeOrderString
	TypeOrderBlob
	TypeOrderReference
	TypeOrderGeoPoint
	TypeOrderArray
	TypeOrderObject
)

// A Value is a typed field value. The concrete types are NullValue,
// BooleanValue, IntegerValue, DoubleValue, TimestampValue,
// ServerTimestampValue, StringValue, BlobValue, RefValue, GeoPointValue,
// ArrayValue and ObjectValue.
type Value interface {
	TypeOrder() TypeOrder
	// String returns a canonical representation used in query canonical ids.
	String() string
	isValue()
}

type (
	// NullValue is the null value.
	NullValue struct{}
	// BooleanValue is true or false.
	BooleanValue bool
	// IntegerValue is a 64-bit signed integer.
	IntegerValue int64
	// DoubleValue is a 64-bit float.
	DoubleValue float64
	// TimestampValue is a point in time.
	TimestampValue Timestamp
	// StringValue is a UTF-8 string.
	StringValue string
	// BlobValue is a byte string.
	BlobValue []byte
	// RefValue refers to another document.
	RefValue struct{ Key DocumentKey }
	// GeoPointValue is a latitude/longitude pair.
	GeoPointValue struct{ Latitude, Longitude float64 }
	// ArrayValue is an ordered list of values.
	ArrayValue []Value
)

// ServerTimestampValue stands in for a timestamp the backend will assign when it
// commits a write. It sorts after all real timestamps.
type ServerTimestampValue struct {
	LocalWriteTime Timestamp
	// Previous is the value the field held before the write, or nil.
	Previous Value
}

func (NullValue) TypeOrder() TypeOrder            { return TypeOrderNull }
func (BooleanValue) TypeOrder() TypeOrder         { return TypeOrderBoolean }
func (IntegerValue) TypeOrder() TypeOrder         { return TypeOrderNumber }
func (DoubleValue) TypeOrder() TypeOrder          { return TypeOrderNumber }
func (TimestampValue) TypeOrder() TypeOrder       { return TypeOrderTimestamp }
func (ServerTimestampValue) TypeOrder() TypeOrder { return TypeOrderTimestamp }
func (StringValue) TypeOrder() TypeOrder          { return TypeOrderString }
func (BlobValue) TypeOrder() TypeOrder            { return TypeOrderBlob }
func (RefValue) TypeOrder() TypeOrder             { return TypeOrderReference }
func (GeoPointValue) TypeOrder() TypeOrder        { return TypeOrderGeoPoint }
func (ArrayValue) TypeOrder() TypeOrder           { return TypeOrderArray }
func (ObjectValue) TypeOrder() TypeOrder          { return TypeOrderObject }

func (NullValue) isValue()            {}
func (BooleanValue) isValue()         {}
func (IntegerValue) isValue()         {}
func (DoubleValue) isValue()          {}
func (TimestampValue) isValue()       {}
func (ServerTimestampValue) isValue() {}
func (StringValue) isValue()          {}
func (BlobValue) isValue()            {}
func (RefValue) isValue()             {}
func (GeoPointValue) isValue()        {}
func (ArrayValue) isValue()           {}
func (ObjectValue) isValue()          {}

func (NullValue) String() string      { return "null" }
func (v BooleanValue) String() string { return strconv.FormatBool(bool(v)) }
func (v IntegerValue) String() string { return strconv.FormatInt(int64(v), 10) }
func (v DoubleValue) String() string  { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v TimestampValue) String() string {
	return fmt.Sprintf("time(%d,%d)", v.Seconds, v.Nanos)
}
func (v ServerTimestampValue) String() string {
	return fmt.Sprintf("ServerTimestamp(localWriteTime=%d,%d)", v.LocalWriteTime.Seconds, v.LocalWriteTime.Nanos)
}
func (v StringValue) String() string { return strconv.Quote(string(v)) }
func (v BlobValue) String() string   { return fmt.Sprintf("blob(%x)", []byte(v)) }
func (v RefValue) String() string    { return "ref(" + v.Key.String() + ")" }
func (v GeoPointValue) String() string {
	return fmt.Sprintf("geo(%s,%s)", DoubleValue(v.Latitude), DoubleValue(v.Longitude))
}
func (v ArrayValue) String() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Compare orders two values: first by TypeOrder, then within the type.
// Integers and doubles compare by mathematical value. NaN sorts before every
// other number and equals itself.
func Compare(a, b Value) int {
	if c := compareInts(int(a.TypeOrder()), int(b.TypeOrder())); c != 0 {
		return c
	}
	switch a := a.(type) {
	case NullValue:
		return 0
	case BooleanValue:
		b := b.(BooleanValue)
		switch {
		case a == b:
			return 0
		case !bool(a):
			return -1
		default:
			return 1
		}
	case IntegerValue, DoubleValue:
		return compareNumbers(a, b)
	case TimestampValue:
		switch b := b.(type) {
		case TimestampValue:
			return Timestamp(a).Compare(Timestamp(b))
		default:
			return -1
		}
	case ServerTimestampValue:
		switch b := b.(type) {
		case ServerTimestampValue:
			return a.LocalWriteTime.Compare(b.LocalWriteTime)
		default:
			return 1
		}
	case StringValue:
		return strings.Compare(string(a), string(b.(StringValue)))
	case BlobValue:
		return bytes.Compare(a, b.(BlobValue))
	case RefValue:
		return a.Key.Compare(b.(RefValue).Key)
	case GeoPointValue:
		b := b.(GeoPointValue)
		if c := compareFloats(a.Latitude, b.Latitude); c != 0 {
			return c
		}
		return compareFloats(a.Longitude, b.Longitude)
	case ArrayValue:
		b := b.(ArrayValue)
		for i := 0; i < len(a) && i < len(b); i++ {
			if c := Compare(a[i], b[i]); c != 0 {
				return c
			}
		}
		return compareInts(len(a), len(b))
	case ObjectValue:
		return a.compare(b.(ObjectValue))
	default:
		gcerr.Fail("unknown value type %T", a)
		return 0
	}
}

// Equal reports whether a and b have the same type and value. Unlike
// Compare, IntegerValue(1) and DoubleValue(1) are not equal.
func Equal(a, b Value) bool {
	switch a := a.(type) {
	case IntegerValue:
		_, ok := b.(IntegerValue)
		return ok && a == b.(IntegerValue)
	case DoubleValue:
		bd, ok := b.(DoubleValue)
		return ok && compareFloats(float64(a), float64(bd)) == 0
	case ServerTimestampValue:
		bs, ok := b.(ServerTimestampValue)
		return ok && a.LocalWriteTime == bs.LocalWriteTime
	case ArrayValue:
		ba, ok := b.(ArrayValue)
		if !ok || len(a) != len(ba) {
			return false
		}
		for i := range a {
			if !Equal(a[i], ba[i]) {
				return false
			}
		}
		return true
	case ObjectValue:
		bo, ok := b.(ObjectValue)
		return ok && a.Equal(bo)
	}
	return a.TypeOrder() == b.TypeOrder() && Compare(a, b) == 0
}

func compareNumbers(a, b Value) int {
	ai, aInt := a.(IntegerValue)
	bi, bInt := b.(IntegerValue)
	if aInt && bInt {
		return compareInt64s(int64(ai), int64(bi))
	}
	af, bf := toFloat(a), toFloat(b)
	if !aInt && !bInt {
		return compareFloats(af, bf)
	}
	if math.IsNaN(af) || math.IsNaN(bf) {
		return compareFloats(af, bf)
	}
	return toBigFloat(a).Cmp(toBigFloat(b))
}

func toFloat(v Value) float64 {
	switch v := v.(type) {
	case IntegerValue:
		return float64(v)
	case DoubleValue:
		return float64(v)
	}
	return math.NaN()
}

func toBigFloat(v Value) *big.Float {
	var f big.Float
	switch v := v.(type) {
	case IntegerValue:
		f.SetInt64(int64(v))
	case DoubleValue:
		f.SetFloat64(float64(v))
	}
	return &f
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case a == b:
		return 0
	}
	// At least one side is NaN.
	switch {
	case math.IsNaN(a) && math.IsNaN(b):
		return 0
	case math.IsNaN(a):
		return -1
	default:
		return 1
	}
}

// IsNaN reports whether v is a DoubleValue holding NaN.
func IsNaN(v Value) bool {
	d, ok := v.(DoubleValue)
	return ok && math.IsNaN(float64(d))
}

// Wrap converts a Go value into a Value. It accepts nil, bool, the integer
// types, float32, float64, string, []byte, time.Time, Timestamp, DocumentKey,
// []interface{}, map[string]interface{} and Values. It panics on anything else.
func Wrap(x interface{}) Value {
	switch x := x.(type) {
	case nil:
		return NullValue{}
	case Value:
		return x
	case bool:
		return BooleanValue(x)
	case int:
		return IntegerValue(x)
	case int32:
		return IntegerValue(x)
	case int64:
		return IntegerValue(x)
	case float32:
		return DoubleValue(x)
	case float64:
		return DoubleValue(x)
	case string:
		return StringValue(x)
	case []byte:
		return BlobValue(x)
	case time.Time:
		return TimestampValue(TimestampFromTime(x))
	case Timestamp:
		return TimestampValue(x)
	case DocumentKey:
		return RefValue{Key: x}
	case []interface{}:
		a := make(ArrayValue, len(x))
		for i, e := range x {
			a[i] = Wrap(e)
		}
		return a
	case map[string]interface{}:
		return WrapObject(x)
	default:
		gcerr.Fail("cannot wrap value of type %T", x)
		return nil
	}
}

// WrapObject converts a map into an ObjectValue using Wrap for every field.
func WrapObject(m map[string]interface{}) ObjectValue {
	fields := make(map[string]Value, len(m))
	for k, v := range m {
		fields[k] = Wrap(v)
	}
	return ObjectValue{fields: fields}
}

// ObjectValue is an immutable map from field names to values. The zero value
// is the empty object.
type ObjectValue struct {
	fields map[string]Value
}

// EmptyObject has no fields.
var EmptyObject = ObjectValue{}

// NewObjectValue returns an object holding a copy of fields.
func NewObjectValue(fields map[string]Value) ObjectValue {
	c := make(map[string]Value, len(fields))
	for k, v := range fields {
		c[k] = v
	}
	return ObjectValue{fields: c}
}

// Len returns the number of top-level fields.
func (o ObjectValue) Len() int { return len(o.fields) }

// Keys returns the top-level field names in sorted order.
func (o ObjectValue) Keys() []string {
	keys := make([]string, 0, len(o.fields))
	for k := range o.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the top-level field name.
func (o ObjectValue) Get(name string) (Value, bool) {
	v, ok := o.fields[name]
	return v, ok
}

// Field returns the value at path, descending into nested objects.
func (o ObjectValue) Field(path FieldPath) (Value, bool) {
	if len(path) == 0 {
		return o, true
	}
	v, ok := o.fields[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return v, true
	}
	child, ok := v.(ObjectValue)
	if !ok {
		return nil, false
	}
	return child.Field(path[1:])
}

// Set returns a copy of o with v stored at path. Intermediate objects are
// created as needed; non-object intermediate values are replaced.
func (o ObjectValue) Set(path FieldPath, v Value) ObjectValue {
	if len(path) == 0 {
		gcerr.Fail("cannot set a value at the empty field path")
	}
	if len(path) > 1 {
		child, _ := o.fields[path[0]].(ObjectValue)
		v = child.Set(path[1:], v)
	}
	return o.with(path[0], v)
}

// Delete returns a copy of o without the field at path.
func (o ObjectValue) Delete(path FieldPath) ObjectValue {
	if len(path) == 0 {
		gcerr.Fail("cannot delete the empty field path")
	}
	if len(path) == 1 {
		if _, ok := o.fields[path[0]]; !ok {
			return o
		}
		c := make(map[string]Value, len(o.fields))
		for k, v := range o.fields {
			if k != path[0] {
				c[k] = v
			}
		}
		return ObjectValue{fields: c}
	}
	child, ok := o.fields[path[0]].(ObjectValue)
	if !ok {
		return o
	}
	return o.with(path[0], child.Delete(path[1:]))
}

func (o ObjectValue) with(name string, v Value) ObjectValue {
	c := make(map[string]Value, len(o.fields)+1)
	for k, e := range o.fields {
		c[k] = e
	}
	c[name] = v
	return ObjectValue{fields: c}
}

// Equal reports whether o and other hold equal fields.
func (o ObjectValue) Equal(other ObjectValue) bool {
	if len(o.fields) != len(other.fields) {
		return false
	}
	for k, v := range o.fields {
		w, ok := other.fields[k]
		if !ok || !Equal(v, w) {
			return false
		}
	}
	return true
}

func (o ObjectValue) compare(other ObjectValue) int {
	ak, bk := o.Keys(), other.Keys()
	for i := 0; i < len(ak) && i < len(bk); i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := Compare(o.fields[ak[i]], other.fields[bk[i]]); c != 0 {
			return c
		}
	}
	return compareInts(len(ak), len(bk))
}

func (o ObjectValue) String() string {
	keys := o.Keys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + o.fields[k].String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// LeafPaths returns the paths of all non-object values in o, sorted. An empty
// nested object is itself reported as a leaf.
func (o ObjectValue) LeafPaths() []FieldPath {
	var paths []FieldPath
	var walk func(prefix FieldPath, obj ObjectValue)
	walk = func(prefix FieldPath, obj ObjectValue) {
		for _, k := range obj.Keys() {
			p := prefix.Child(k)
			if child, ok := obj.fields[k].(ObjectValue); ok && child.Len() > 0 {
				walk(p, child)
				continue
			}
			paths = append(paths, p)
		}
	}
	walk(nil, o)
	return paths
}
