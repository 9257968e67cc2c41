package match

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"github.com/arloliu/veritas/types"
)

// EntityResolver supplies live entity state to placeholder directives.
//
// The registry in package entity implements this interface; tests may
// substitute a stub.
type EntityResolver interface {
	// EntityValue returns the current value of the named entity rendered
	// as a BSON value ($$matchesEntity).
	EntityValue(id string) (bson.RawValue, error)

	// SessionID returns the logical session id document of the named
	// session entity ($$sessionLsid).
	SessionID(id string) (bson.Raw, error)
}

// ValueMatcher performs recursive structural comparison between expected
// and actual BSON values, honoring $$-prefixed special directives embedded
// in the expected document.
type ValueMatcher struct {
	resolver EntityResolver
	ctx      *AssertionContext
}

// NewValueMatcher creates a matcher bound to an assertion context. resolver
// may be nil when entity placeholder directives are not in play.
func NewValueMatcher(resolver EntityResolver, ctx *AssertionContext) *ValueMatcher {
	return &ValueMatcher{resolver: resolver, ctx: ctx}
}

// Match compares expected against actual, returning a descriptive
// AssertionError on mismatch. Only fields present in expected are checked;
// extra actual fields are permitted at every level.
func (m *ValueMatcher) Match(expected, actual bson.RawValue) error {
	return m.matchValue("", expected, actual, false)
}

// MatchExact compares expected against actual requiring that documents
// carry no fields beyond the expected ones, at every level. Used for
// outcome comparisons where the database state must be reproduced exactly.
func (m *ValueMatcher) MatchExact(expected, actual bson.RawValue) error {
	return m.matchValue("", expected, actual, true)
}

// Matches is the boolean variant of Match.
func (m *ValueMatcher) Matches(expected, actual bson.RawValue) bool {
	return m.Match(expected, actual) == nil
}

func (m *ValueMatcher) matchValue(path string, expected, actual bson.RawValue, exact bool) error {
	if expected.Type == bsontype.EmbeddedDocument {
		doc := expected.Document()
		if key, val, ok := directive(doc); ok {
			return m.evalDirective(path, key, val, actual, exact)
		}

		return m.matchDocument(path, doc, actual, exact)
	}

	if expected.Type == bsontype.Array {
		return m.matchArray(path, expected.Array(), actual, exact)
	}

	return m.matchScalar(path, expected, actual)
}

func (m *ValueMatcher) matchDocument(path string, expected bson.Raw, actual bson.RawValue, exact bool) error {
	actualDoc, ok := actual.DocumentOK()
	if !ok {
		return m.ctx.Errorf("expected a document at %s but actual is %s", displayPath(path), actual.Type)
	}

	elems, err := expected.Elements()
	if err != nil {
		return types.NewConfigError("match", "invalid expected document at %s: %v", displayPath(path), err)
	}

	for _, elem := range elems {
		key := elem.Key()
		childPath := joinPath(path, key)
		expectedVal := elem.Value()
		actualVal, found := lookup(actualDoc, key)

		if dirKey, dirVal, isDir := fieldDirective(expectedVal); isDir {
			if err := m.evalFieldDirective(childPath, dirKey, dirVal, actualVal, found, exact); err != nil {
				return err
			}

			continue
		}

		if !found {
			return m.ctx.Errorf("expected field %s is absent", displayPath(childPath))
		}
		if err := m.matchValue(childPath, expectedVal, actualVal, exact); err != nil {
			return err
		}
	}

	if exact {
		actualElems, err := actualDoc.Elements()
		if err != nil {
			return m.ctx.Errorf("invalid actual document at %s: %v", displayPath(path), err)
		}
		for _, elem := range actualElems {
			if _, found := lookup(expected, elem.Key()); !found {
				return m.ctx.Errorf("unexpected field %s in actual document", displayPath(joinPath(path, elem.Key())))
			}
		}
	}

	return nil
}

func (m *ValueMatcher) matchArray(path string, expected bson.Raw, actual bson.RawValue, exact bool) error {
	actualArr, ok := actual.ArrayOK()
	if !ok {
		return m.ctx.Errorf("expected an array at %s but actual is %s", displayPath(path), actual.Type)
	}

	expectedVals, err := expected.Values()
	if err != nil {
		return types.NewConfigError("match", "invalid expected array at %s: %v", displayPath(path), err)
	}
	actualVals, err := actualArr.Values()
	if err != nil {
		return m.ctx.Errorf("invalid actual array at %s: %v", displayPath(path), err)
	}

	if len(expectedVals) != len(actualVals) {
		return m.ctx.Errorf("array length mismatch at %s: expected %d, actual %d",
			displayPath(path), len(expectedVals), len(actualVals))
	}

	for i, expectedVal := range expectedVals {
		childPath := fmt.Sprintf("%s[%d]", path, i)
		if err := m.matchValue(childPath, expectedVal, actualVals[i], exact); err != nil {
			return err
		}
	}

	return nil
}

func (m *ValueMatcher) matchScalar(path string, expected, actual bson.RawValue) error {
	// Null matches only an explicit null, never absence; absence is handled
	// by the field directives in matchDocument.
	if expected.Type == bsontype.Null {
		if actual.Type != bsontype.Null {
			return m.ctx.Errorf("expected null at %s but actual is %s", displayPath(path), actual.Type)
		}

		return nil
	}

	// Numbers compare numerically across int32/int64/double.
	if expectedNum, ok := asFloat(expected); ok {
		actualNum, ok := asFloat(actual)
		if !ok {
			return m.ctx.Errorf("expected a number at %s but actual is %s", displayPath(path), actual.Type)
		}
		if expectedNum != actualNum {
			return m.ctx.Errorf("number mismatch at %s: expected %v, actual %v",
				displayPath(path), expected, actual)
		}

		return nil
	}

	if !expected.Equal(actual) {
		return m.ctx.Errorf("value mismatch at %s: expected %v, actual %v", displayPath(path), expected, actual)
	}

	return nil
}

// evalFieldDirective evaluates a directive attached to a document field,
// where field absence is observable.
func (m *ValueMatcher) evalFieldDirective(path, key string, val bson.RawValue, actual bson.RawValue, found bool, exact bool) error {
	switch key {
	case "$$exists":
		want, ok := val.BooleanOK()
		if !ok {
			return types.NewConfigError("match", "$$exists at %s requires a boolean", displayPath(path))
		}
		if want && !found {
			return m.ctx.Errorf("expected field %s to exist", displayPath(path))
		}
		if !want && found {
			return m.ctx.Errorf("expected field %s to be absent", displayPath(path))
		}

		return nil
	case "$$unsetOrMatches":
		if !found {
			return nil
		}

		return m.matchValue(path, val, actual, exact)
	default:
		if !found {
			return m.ctx.Errorf("expected field %s is absent", displayPath(path))
		}

		return m.evalDirective(path, key, val, actual, exact)
	}
}

// evalDirective evaluates a directive in value position, where the actual
// value is known to be present.
func (m *ValueMatcher) evalDirective(path, key string, val, actual bson.RawValue, exact bool) error {
	switch key {
	case "$$exists":
		want, ok := val.BooleanOK()
		if !ok {
			return types.NewConfigError("match", "$$exists at %s requires a boolean", displayPath(path))
		}
		if !want {
			return m.ctx.Errorf("expected field %s to be absent", displayPath(path))
		}

		return nil

	case "$$unsetOrMatches":
		return m.matchValue(path, val, actual, exact)

	case "$$type":
		return m.matchType(path, val, actual)

	case "$$gt", "$$gte", "$$lt", "$$lte":
		return m.matchComparison(path, key, val, actual)

	case "$$matchesEntity":
		id, ok := val.StringValueOK()
		if !ok {
			return types.NewConfigError("match", "$$matchesEntity at %s requires an entity id string", displayPath(path))
		}
		if m.resolver == nil {
			return types.NewConfigError("match", "$$matchesEntity at %s: no entity resolver configured", displayPath(path))
		}
		resolved, err := m.resolver.EntityValue(id)
		if err != nil {
			return types.NewConfigError("match", "$$matchesEntity at %s: %v", displayPath(path), err)
		}

		return m.matchValue(path, resolved, actual, exact)

	case "$$sessionLsid":
		id, ok := val.StringValueOK()
		if !ok {
			return types.NewConfigError("match", "$$sessionLsid at %s requires a session id string", displayPath(path))
		}
		if m.resolver == nil {
			return types.NewConfigError("match", "$$sessionLsid at %s: no entity resolver configured", displayPath(path))
		}
		lsid, err := m.resolver.SessionID(id)
		if err != nil {
			return types.NewConfigError("match", "$$sessionLsid at %s: %v", displayPath(path), err)
		}

		return m.matchValue(path, bson.RawValue{Type: bsontype.EmbeddedDocument, Value: lsid}, actual, exact)

	case "$$matchesHexBytes":
		return m.matchHexBytes(path, val, actual)

	case "$$unorderedMatches":
		return m.matchUnordered(path, val, actual, exact)

	default:
		return types.NewConfigError("match", "unsupported special directive %q at %s", key, displayPath(path))
	}
}

func (m *ValueMatcher) matchType(path string, val, actual bson.RawValue) error {
	var names []string
	switch val.Type {
	case bsontype.String:
		names = []string{val.StringValue()}
	case bsontype.Array:
		vals, err := val.Array().Values()
		if err != nil {
			return types.NewConfigError("match", "$$type at %s: invalid type list: %v", displayPath(path), err)
		}
		for _, v := range vals {
			name, ok := v.StringValueOK()
			if !ok {
				return types.NewConfigError("match", "$$type at %s requires type name strings", displayPath(path))
			}
			names = append(names, name)
		}
	default:
		return types.NewConfigError("match", "$$type at %s requires a string or array of strings", displayPath(path))
	}

	for _, name := range names {
		typ, ok := typeForName(name)
		if !ok {
			return types.NewConfigError("match", "$$type at %s: unknown type name %q", displayPath(path), name)
		}
		if actual.Type == typ {
			return nil
		}
	}

	return m.ctx.Errorf("type mismatch at %s: expected one of %v, actual %s",
		displayPath(path), names, actual.Type)
}

func (m *ValueMatcher) matchComparison(path, op string, val, actual bson.RawValue) error {
	bound, ok := asFloat(val)
	if !ok {
		return types.NewConfigError("match", "%s at %s requires a numeric bound", op, displayPath(path))
	}
	num, ok := asFloat(actual)
	if !ok {
		return m.ctx.Errorf("expected a number at %s but actual is %s", displayPath(path), actual.Type)
	}

	var satisfied bool
	switch op {
	case "$$gt":
		satisfied = num > bound
	case "$$gte":
		satisfied = num >= bound
	case "$$lt":
		satisfied = num < bound
	case "$$lte":
		satisfied = num <= bound
	}
	if !satisfied {
		return m.ctx.Errorf("comparison failed at %s: %v %s %v", displayPath(path), num, strings.TrimPrefix(op, "$$"), bound)
	}

	return nil
}

func (m *ValueMatcher) matchHexBytes(path string, val, actual bson.RawValue) error {
	hexStr, ok := val.StringValueOK()
	if !ok {
		return types.NewConfigError("match", "$$matchesHexBytes at %s requires a hex string", displayPath(path))
	}
	want, err := hex.DecodeString(hexStr)
	if err != nil {
		return types.NewConfigError("match", "$$matchesHexBytes at %s: invalid hex: %v", displayPath(path), err)
	}

	_, data, ok := actual.BinaryOK()
	if !ok {
		return m.ctx.Errorf("expected binary data at %s but actual is %s", displayPath(path), actual.Type)
	}
	if !bytes.Equal(want, data) {
		return m.ctx.Errorf("binary mismatch at %s: expected %x, actual %x", displayPath(path), want, data)
	}

	return nil
}

// matchUnordered matches an array irrespective of element order. Every
// expected element must match a distinct actual element and the lengths
// must agree.
func (m *ValueMatcher) matchUnordered(path string, val, actual bson.RawValue, exact bool) error {
	arr, ok := val.ArrayOK()
	if !ok {
		return types.NewConfigError("match", "$$unorderedMatches at %s requires an array", displayPath(path))
	}
	actualArr, ok := actual.ArrayOK()
	if !ok {
		return m.ctx.Errorf("expected an array at %s but actual is %s", displayPath(path), actual.Type)
	}

	expectedVals, err := arr.Values()
	if err != nil {
		return types.NewConfigError("match", "$$unorderedMatches at %s: %v", displayPath(path), err)
	}
	actualVals, err := actualArr.Values()
	if err != nil {
		return m.ctx.Errorf("invalid actual array at %s: %v", displayPath(path), err)
	}
	if len(expectedVals) != len(actualVals) {
		return m.ctx.Errorf("array length mismatch at %s: expected %d, actual %d",
			displayPath(path), len(expectedVals), len(actualVals))
	}

	used := make([]bool, len(actualVals))
	for i, expectedVal := range expectedVals {
		matched := false
		for j, actualVal := range actualVals {
			if used[j] {
				continue
			}
			if m.matchValue(fmt.Sprintf("%s[%d]", path, i), expectedVal, actualVal, exact) == nil {
				used[j] = true
				matched = true

				break
			}
		}
		if !matched {
			return m.ctx.Errorf("no actual element matches expected element %d at %s", i, displayPath(path))
		}
	}

	return nil
}

// directive reports whether doc is a special-directive document: a single
// element whose key carries the $$ prefix.
func directive(doc bson.Raw) (string, bson.RawValue, bool) {
	elems, err := doc.Elements()
	if err != nil || len(elems) != 1 {
		return "", bson.RawValue{}, false
	}
	key := elems[0].Key()
	if !strings.HasPrefix(key, "$$") {
		return "", bson.RawValue{}, false
	}

	return key, elems[0].Value(), true
}

// fieldDirective reports whether a field's expected value is a directive
// document, without requiring the actual field to be present.
func fieldDirective(val bson.RawValue) (string, bson.RawValue, bool) {
	if val.Type != bsontype.EmbeddedDocument {
		return "", bson.RawValue{}, false
	}

	return directive(val.Document())
}

func lookup(doc bson.Raw, key string) (bson.RawValue, bool) {
	val, err := doc.LookupErr(key)
	if err != nil {
		return bson.RawValue{}, false
	}

	return val, true
}

func asFloat(v bson.RawValue) (float64, bool) {
	switch v.Type {
	case bsontype.Int32:
		return float64(v.Int32()), true
	case bsontype.Int64:
		return float64(v.Int64()), true
	case bsontype.Double:
		return v.Double(), true
	default:
		return 0, false
	}
}

func typeForName(name string) (bsontype.Type, bool) {
	switch name {
	case "double":
		return bsontype.Double, true
	case "string":
		return bsontype.String, true
	case "object":
		return bsontype.EmbeddedDocument, true
	case "array":
		return bsontype.Array, true
	case "binData":
		return bsontype.Binary, true
	case "undefined":
		return bsontype.Undefined, true
	case "objectId":
		return bsontype.ObjectID, true
	case "bool":
		return bsontype.Boolean, true
	case "date":
		return bsontype.DateTime, true
	case "null":
		return bsontype.Null, true
	case "regex":
		return bsontype.Regex, true
	case "dbPointer":
		return bsontype.DBPointer, true
	case "javascript":
		return bsontype.JavaScript, true
	case "symbol":
		return bsontype.Symbol, true
	case "javascriptWithScope":
		return bsontype.CodeWithScope, true
	case "int":
		return bsontype.Int32, true
	case "timestamp":
		return bsontype.Timestamp, true
	case "long":
		return bsontype.Int64, true
	case "decimal":
		return bsontype.Decimal128, true
	case "minKey":
		return bsontype.MinKey, true
	case "maxKey":
		return bsontype.MaxKey, true
	default:
		return 0, false
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}

	return path + "." + key
}

func displayPath(path string) string {
	if path == "" {
		return "(root)"
	}

	return path
}
