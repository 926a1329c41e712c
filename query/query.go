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

// Package query describes the queries a client listens to and the targets the
// backend tracks for them.
package query

import (
	"strconv"
	"strings"

	"docsync.dev/internal/gcerr"
	"docsync.dev/model"
)

// An Operator is a filter comparison.
type Operator int

// Filter operators.
const (
	LessThan Operator = iota
	LessThanOrEqual
	Equal
	GreaterThanOrEqual
	GreaterThan
	ArrayContains
)

func (op Operator) String() string {
	switch op {
	case LessThan:
		return "<"
	case LessThanOrEqual:
		return "<="
	case Equal:
		return "=="
	case GreaterThanOrEqual:
		return ">="
	case GreaterThan:
		return ">"
	case ArrayContains:
		return "array_contains"
	}
	return "op(" + strconv.Itoa(int(op)) + ")"
}

// IsInequality reports whether op is a range comparison.
func (op Operator) IsInequality() bool {
	return op == LessThan || op == LessThanOrEqual || op == GreaterThan || op == GreaterThanOrEqual
}

// A Filter restricts a query to documents whose Field compares to Value with Op.
// Values of a different type than Value never match.
type Filter struct {
	Field model.FieldPath
	Op    Operator
	Value model.Value
}

// NewFilter returns a filter. It panics on an unknown operator, and on an
// ArrayContains filter on the document key.
func NewFilter(field model.FieldPath, op Operator, value model.Value) Filter {
	if op < LessThan || op > ArrayContains {
		gcerr.Fail("invalid filter operator %d", op)
	}
	if field.IsKeyField() {
		if op == ArrayContains {
			gcerr.Fail("array_contains cannot be used on the document key")
		}
		if _, ok := value.(model.RefValue); !ok {
			gcerr.Fail("filters on the document key need a reference value, got %v", value)
		}
	}
	return Filter{Field: field, Op: op, Value: value}
}

// Matches reports whether doc satisfies f.
func (f Filter) Matches(doc *model.Document) bool {
	v, ok := doc.Field(f.Field)
	if !ok {
		return false
	}
	if f.Op == ArrayContains {
		arr, ok := v.(model.ArrayValue)
		if !ok {
			return false
		}
		for _, e := range arr {
			if model.Equal(e, f.Value) {
				return true
			}
		}
		return false
	}
	if v.TypeOrder() != f.Value.TypeOrder() {
		return false
	}
	// NaN only equals NaN; it is never ordered against other numbers.
	if model.IsNaN(f.Value) || model.IsNaN(v) {
		return f.Op == Equal && model.IsNaN(f.Value) && model.IsNaN(v)
	}
	return applyComparison(f.Op, model.Compare(v, f.Value))
}

// c is the result of comparing the document's value with the filter's.
func applyComparison(op Operator, c int) bool {
	switch op {
	case Equal:
		return c == 0
	case GreaterThan:
		return c > 0
	case LessThan:
		return c < 0
	case GreaterThanOrEqual:
		return c >= 0
	case LessThanOrEqual:
		return c <= 0
	default:
		panic("bad op")
	}
}

// CanonicalID is the filter's part of the query canonical id.
func (f Filter) CanonicalID() string {
	return f.Field.String() + f.Op.String() + f.Value.String()
}

// EqualTo reports whether f and other are the same filter.
func (f Filter) EqualTo(other Filter) bool {
	return f.Op == other.Op && f.Field.Equal(other.Field) && model.Equal(f.Value, other.Value)
}

// OrderBy sorts results by one field.
type OrderBy struct {
	Field      model.FieldPath
	Descending bool
}

var (
	keyOrderingAsc  = OrderBy{Field: model.KeyFieldPath}
	keyOrderingDesc = OrderBy{Field: model.KeyFieldPath, Descending: true}
)

func (o OrderBy) compare(d1, d2 *model.Document) int {
	var c int
	if o.Field.IsKeyField() {
		c = d1.Key().Compare(d2.Key())
	} else {
		v1, ok1 := d1.Field(o.Field)
		v2, ok2 := d2.Field(o.Field)
		if !ok1 || !ok2 {
			gcerr.Fail("trying to compare documents on field %s that they do not both have", o.Field)
		}
		c = model.Compare(v1, v2)
	}
	if o.Descending {
		return -c
	}
	return c
}

// CanonicalID is the ordering's part of the query canonical id.
func (o OrderBy) CanonicalID() string {
	if o.Descending {
		return o.Field.String() + "desc"
	}
	return o.Field.String() + "asc"
}

// A Bound is a position in a query's ordering: one value per order-by field,
// a prefix being allowed. Before means the bound sits just before documents
// equal to Position rather than just after them.
type Bound struct {
	Position []model.Value
	Before   bool
}

// CanonicalID is the bound's part of the query canonical id.
func (b *Bound) CanonicalID() string {
	var sb strings.Builder
	if b.Before {
		sb.WriteString("b:")
	} else {
		sb.WriteString("a:")
	}
	for i, v := range b.Position {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(v.String())
	}
	return sb.String()
}

// SortsBeforeDocument reports whether the bound sorts before doc under orderBy.
func (b *Bound) SortsBeforeDocument(orderBy []OrderBy, doc *model.Document) bool {
	if len(b.Position) > len(orderBy) {
		gcerr.Fail("bound has more components than the query's ordering")
	}
	c := 0
	for i, component := range b.Position {
		o := orderBy[i]
		if o.Field.IsKeyField() {
			ref, ok := component.(model.RefValue)
			if !ok {
				gcerr.Fail("bound has a non-key value %v where the key is used", component)
			}
			c = ref.Key.Compare(doc.Key())
		} else {
			v, ok := doc.Field(o.Field)
			if !ok {
				gcerr.Fail("field %s should exist since the document matched the ordering", o.Field)
			}
			c = model.Compare(component, v)
		}
		if o.Descending {
			c = -c
		}
		if c != 0 {
			break
		}
	}
	if b.Before {
		return c <= 0
	}
	return c < 0
}

func (b *Bound) equal(other *Bound) bool {
	if b == nil || other == nil {
		return b == other
	}
	if b.Before != other.Before || len(b.Position) != len(other.Position) {
		return false
	}
	for i := range b.Position {
		if !model.Equal(b.Position[i], other.Position[i]) {
			return false
		}
	}
	return true
}

// A Query selects the documents of one collection, or one document, that pass
// its filters, in its order, cut by its bounds and limit. Queries are values:
// the With methods return modified copies.
type Query struct {
	Path            model.ResourcePath
	Filters         []Filter
	ExplicitOrderBy []OrderBy
	// Limit is the maximum number of results; 0 means no limit.
	Limit   int
	StartAt *Bound
	EndAt   *Bound
}

// AtPath returns a query for the documents directly under path, or for the
// single document at path.
func AtPath(path model.ResourcePath) Query {
	return Query{Path: path}
}

// ForDocument returns a query for a single document.
func ForDocument(key model.DocumentKey) Query {
	return Query{Path: key.Path()}
}

// WithFilter returns q with f added. Every inequality filter of a query must
// be on the same field, and that field must be the first explicit order-by.
func (q Query) WithFilter(f Filter) Query {
	if IsDocumentQueryPath(q.Path) {
		gcerr.Fail("no filtering allowed for document query %s", q.Path)
	}
	if f.Op.IsInequality() {
		if ineq := q.InequalityField(); ineq != nil && !ineq.Equal(f.Field) {
			gcerr.Fail("query must have a single inequality field, got %s and %s", ineq, f.Field)
		}
		if first := q.firstOrderByField(); first != nil && !first.Equal(f.Field) {
			gcerr.Fail("first order-by %s must match the inequality field %s", first, f.Field)
		}
	}
	c := q.clone()
	c.Filters = append(c.Filters, f)
	return c
}

// WithOrderBy returns q with o appended to its explicit ordering.
func (q Query) WithOrderBy(o OrderBy) Query {
	if IsDocumentQueryPath(q.Path) {
		gcerr.Fail("no ordering allowed for document query %s", q.Path)
	}
	if len(q.ExplicitOrderBy) == 0 {
		if ineq := q.InequalityField(); ineq != nil && !ineq.Equal(o.Field) {
			gcerr.Fail("first order-by %s must match the inequality field %s", o.Field, ineq)
		}
	}
	c := q.clone()
	c.ExplicitOrderBy = append(c.ExplicitOrderBy, o)
	return c
}

// WithLimit returns q limited to n results. n must be positive.
func (q Query) WithLimit(n int) Query {
	if n <= 0 {
		gcerr.Fail("limit %d must be positive", n)
	}
	c := q.clone()
	c.Limit = n
	return c
}

// WithStartAt returns q starting at b.
func (q Query) WithStartAt(b Bound) Query {
	c := q.clone()
	c.StartAt = &b
	return c
}

// WithEndAt returns q ending at b.
func (q Query) WithEndAt(b Bound) Query {
	c := q.clone()
	c.EndAt = &b
	return c
}

func (q Query) clone() Query {
	c := q
	c.Filters = append([]Filter(nil), q.Filters...)
	c.ExplicitOrderBy = append([]OrderBy(nil), q.ExplicitOrderBy...)
	return c
}

// IsDocumentQueryPath reports whether a query at p selects a single document.
func IsDocumentQueryPath(p model.ResourcePath) bool { return model.IsDocumentPath(p) }

// IsDocumentQuery reports whether q selects exactly the document at its path.
func (q Query) IsDocumentQuery() bool {
	return model.IsDocumentPath(q.Path) && len(q.Filters) == 0
}

// InequalityField returns the field of q's inequality filters, or nil.
func (q Query) InequalityField() model.FieldPath {
	for _, f := range q.Filters {
		if f.Op.IsInequality() {
			return f.Field
		}
	}
	return nil
}

func (q Query) firstOrderByField() model.FieldPath {
	if len(q.ExplicitOrderBy) == 0 {
		return nil
	}
	return q.ExplicitOrderBy[0].Field
}

// OrderBy returns the effective ordering of q: the explicit ordering
// (or the inequality field when there is none) followed by the document key
// in the direction of the last explicit field. It always ends on the key.
func (q Query) OrderBy() []OrderBy {
	ineq := q.InequalityField()
	if ineq != nil && len(q.ExplicitOrderBy) == 0 {
		if ineq.IsKeyField() {
			return []OrderBy{keyOrderingAsc}
		}
		return []OrderBy{{Field: ineq}, keyOrderingAsc}
	}
	obs := make([]OrderBy, 0, len(q.ExplicitOrderBy)+1)
	foundKey := false
	for _, o := range q.ExplicitOrderBy {
		obs = append(obs, o)
		if o.Field.IsKeyField() {
			foundKey = true
		}
	}
	if !foundKey {
		if n := len(q.ExplicitOrderBy); n > 0 && q.ExplicitOrderBy[n-1].Descending {
			obs = append(obs, keyOrderingDesc)
		} else {
			obs = append(obs, keyOrderingAsc)
		}
	}
	return obs
}

// CanonicalID returns a string that identifies q. Equal queries have the
// same canonical id; different queries may collide, so users of the id as a
// cache key must confirm a hit with Equal.
func (q Query) CanonicalID() string {
	var sb strings.Builder
	sb.WriteString(q.Path.String())
	sb.WriteString("|f:")
	for _, f := range q.Filters {
		sb.WriteString(f.CanonicalID())
	}
	sb.WriteString("|ob:")
	for _, o := range q.OrderBy() {
		sb.WriteString(o.CanonicalID())
	}
	if q.Limit > 0 {
		sb.WriteString("|l:")
		sb.WriteString(strconv.Itoa(q.Limit))
	}
	if q.StartAt != nil {
		sb.WriteString("|lb:")
		sb.WriteString(q.StartAt.CanonicalID())
	}
	if q.EndAt != nil {
		sb.WriteString("|ub:")
		sb.WriteString(q.EndAt.CanonicalID())
	}
	return sb.String()
}

func (q Query) String() string {
	return "Query(" + q.CanonicalID() + ")"
}

// Equal reports whether q and other select the same documents in the same order.
func (q Query) Equal(other Query) bool {
	if q.Limit != other.Limit || !q.Path.Equal(other.Path) {
		return false
	}
	if len(q.Filters) != len(other.Filters) {
		return false
	}
	for i := range q.Filters {
		if !q.Filters[i].EqualTo(other.Filters[i]) {
			return false
		}
	}
	a, b := q.OrderBy(), other.OrderBy()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Descending != b[i].Descending || !a[i].Field.Equal(b[i].Field) {
			return false
		}
	}
	return q.StartAt.equal(other.StartAt) && q.EndAt.equal(other.EndAt)
}

// Matches reports whether doc belongs to q's results, ignoring the limit.
func (q Query) Matches(doc *model.Document) bool {
	return q.matchesAncestor(doc) && q.matchesOrderBy(doc) && q.matchesFilters(doc) && q.matchesBounds(doc)
}

func (q Query) matchesAncestor(doc *model.Document) bool {
	docPath := doc.Key().Path()
	if model.IsDocumentPath(q.Path) {
		return q.Path.Equal(docPath)
	}
	return q.Path.IsImmediateParentOf(docPath)
}

// A document without a field named by an explicit order-by is not a result.
func (q Query) matchesOrderBy(doc *model.Document) bool {
	for _, o := range q.ExplicitOrderBy {
		if o.Field.IsKeyField() {
			continue
		}
		if _, ok := doc.Field(o.Field); !ok {
			return false
		}
	}
	return true
}

func (q Query) matchesFilters(doc *model.Document) bool {
	for _, f := range q.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	return true
}

func (q Query) matchesBounds(doc *model.Document) bool {
	obs := q.OrderBy()
	if q.StartAt != nil && !q.StartAt.SortsBeforeDocument(obs, doc) {
		return false
	}
	if q.EndAt != nil && q.EndAt.SortsBeforeDocument(obs, doc) {
		return false
	}
	return true
}

// Comparator returns the total order of q's results. It only compares
// documents that match q.
func (q Query) Comparator() func(d1, d2 *model.Document) int {
	obs := q.OrderBy()
	return func(d1, d2 *model.Document) int {
		for _, o := range obs {
			if c := o.compare(d1, d2); c != 0 {
				return c
			}
		}
		return 0
	}
}
