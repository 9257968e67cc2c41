package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/arloliu/veritas/types"
)

type stubResolver struct {
	values   map[string]bson.RawValue
	sessions map[string]bson.Raw
}

func (s *stubResolver) EntityValue(id string) (bson.RawValue, error) {
	val, ok := s.values[id]
	if !ok {
		return bson.RawValue{}, types.ErrEntityNotFound
	}

	return val, nil
}

func (s *stubResolver) SessionID(id string) (bson.Raw, error) {
	doc, ok := s.sessions[id]
	if !ok {
		return nil, types.ErrEntityNotFound
	}

	return doc, nil
}

func mustRaw(t *testing.T, doc any) bson.Raw {
	t.Helper()

	data, err := bson.Marshal(doc)
	require.NoError(t, err)

	return bson.Raw(data)
}

func docValue(t *testing.T, doc any) bson.RawValue {
	t.Helper()

	return bson.RawValue{Type: bsontype.EmbeddedDocument, Value: mustRaw(t, doc)}
}

func newTestMatcher(resolver EntityResolver) *ValueMatcher {
	return NewValueMatcher(resolver, NewAssertionContext())
}

func TestValueMatcherReflexive(t *testing.T) {
	m := newTestMatcher(nil)

	doc := docValue(t, bson.D{
		{Key: "str", Value: "hello"},
		{Key: "num", Value: int32(42)},
		{Key: "nested", Value: bson.D{{Key: "arr", Value: bson.A{int64(1), 2.5, "x"}}}},
		{Key: "null", Value: nil},
	})

	require.NoError(t, m.Match(doc, doc))
}

func TestValueMatcherNumericLoose(t *testing.T) {
	m := newTestMatcher(nil)

	expected := docValue(t, bson.D{{Key: "n", Value: int32(5)}})
	actual := docValue(t, bson.D{{Key: "n", Value: float64(5)}})
	assert.NoError(t, m.Match(expected, actual))

	actual = docValue(t, bson.D{{Key: "n", Value: int64(6)}})
	assert.Error(t, m.Match(expected, actual))
}

func TestValueMatcherExtraFieldsAllowed(t *testing.T) {
	m := newTestMatcher(nil)

	expected := docValue(t, bson.D{{Key: "a", Value: int32(1)}})
	actual := docValue(t, bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(2)}})

	assert.NoError(t, m.Match(expected, actual))
	assert.Error(t, m.MatchExact(expected, actual))
}

func TestValueMatcherMissingField(t *testing.T) {
	m := newTestMatcher(nil)

	expected := docValue(t, bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(2)}})
	actual := docValue(t, bson.D{{Key: "a", Value: int32(1)}})

	err := m.Match(expected, actual)
	require.Error(t, err)
	assert.True(t, types.IsAssertionError(err))
	assert.Contains(t, err.Error(), "b")
}

func TestValueMatcherNullRequiresExplicitNull(t *testing.T) {
	m := newTestMatcher(nil)

	expected := docValue(t, bson.D{{Key: "a", Value: nil}})
	assert.NoError(t, m.Match(expected, docValue(t, bson.D{{Key: "a", Value: nil}})))
	assert.Error(t, m.Match(expected, docValue(t, bson.D{})))
	assert.Error(t, m.Match(expected, docValue(t, bson.D{{Key: "a", Value: int32(0)}})))
}

func TestValueMatcherExists(t *testing.T) {
	m := newTestMatcher(nil)

	present := docValue(t, bson.D{{Key: "a", Value: "anything"}})
	absent := docValue(t, bson.D{})

	wantExists := docValue(t, bson.D{{Key: "a", Value: bson.D{{Key: "$$exists", Value: true}}}})
	assert.NoError(t, m.Match(wantExists, present))
	assert.Error(t, m.Match(wantExists, absent))

	wantAbsent := docValue(t, bson.D{{Key: "a", Value: bson.D{{Key: "$$exists", Value: false}}}})
	assert.NoError(t, m.Match(wantAbsent, absent))
	assert.Error(t, m.Match(wantAbsent, present))
}

func TestValueMatcherUnsetOrMatches(t *testing.T) {
	m := newTestMatcher(nil)

	expected := docValue(t, bson.D{
		{Key: "a", Value: bson.D{{Key: "$$unsetOrMatches", Value: int32(3)}}},
	})

	assert.NoError(t, m.Match(expected, docValue(t, bson.D{})))
	assert.NoError(t, m.Match(expected, docValue(t, bson.D{{Key: "a", Value: int64(3)}})))
	assert.Error(t, m.Match(expected, docValue(t, bson.D{{Key: "a", Value: int32(4)}})))
}

func TestValueMatcherType(t *testing.T) {
	m := newTestMatcher(nil)

	expected := docValue(t, bson.D{
		{Key: "a", Value: bson.D{{Key: "$$type", Value: bson.A{"int", "long"}}}},
	})

	assert.NoError(t, m.Match(expected, docValue(t, bson.D{{Key: "a", Value: int64(9)}})))
	assert.Error(t, m.Match(expected, docValue(t, bson.D{{Key: "a", Value: "nine"}})))
}

func TestValueMatcherComparisons(t *testing.T) {
	m := newTestMatcher(nil)

	actual := docValue(t, bson.D{{Key: "n", Value: int32(5)}})

	cases := []struct {
		op    string
		bound int32
		ok    bool
	}{
		{"$$gt", 4, true},
		{"$$gt", 5, false},
		{"$$gte", 5, true},
		{"$$lt", 6, true},
		{"$$lt", 5, false},
		{"$$lte", 5, true},
	}
	for _, tc := range cases {
		expected := docValue(t, bson.D{
			{Key: "n", Value: bson.D{{Key: tc.op, Value: tc.bound}}},
		})
		err := m.Match(expected, actual)
		if tc.ok {
			assert.NoError(t, err, "%s %d", tc.op, tc.bound)
		} else {
			assert.Error(t, err, "%s %d", tc.op, tc.bound)
		}
	}
}

func TestValueMatcherMatchesEntity(t *testing.T) {
	resolver := &stubResolver{values: map[string]bson.RawValue{
		"savedId": {Type: bsontype.Int32, Value: []byte{7, 0, 0, 0}},
	}}
	m := newTestMatcher(resolver)

	expected := docValue(t, bson.D{
		{Key: "id", Value: bson.D{{Key: "$$matchesEntity", Value: "savedId"}}},
	})

	assert.NoError(t, m.Match(expected, docValue(t, bson.D{{Key: "id", Value: int32(7)}})))
	assert.Error(t, m.Match(expected, docValue(t, bson.D{{Key: "id", Value: int32(8)}})))

	missing := docValue(t, bson.D{
		{Key: "id", Value: bson.D{{Key: "$$matchesEntity", Value: "unknown"}}},
	})
	err := m.Match(missing, docValue(t, bson.D{{Key: "id", Value: int32(7)}}))
	require.Error(t, err)
	assert.True(t, types.IsConfigError(err))
}

func TestValueMatcherSessionLsid(t *testing.T) {
	lsid := mustRaw(t, bson.D{{Key: "id", Value: "session-uuid"}})
	resolver := &stubResolver{sessions: map[string]bson.Raw{"session0": lsid}}
	m := newTestMatcher(resolver)

	expected := docValue(t, bson.D{
		{Key: "lsid", Value: bson.D{{Key: "$$sessionLsid", Value: "session0"}}},
	})
	actual := docValue(t, bson.D{
		{Key: "lsid", Value: bson.D{{Key: "id", Value: "session-uuid"}}},
	})

	assert.NoError(t, m.Match(expected, actual))
}

func TestValueMatcherHexBytes(t *testing.T) {
	m := newTestMatcher(nil)

	expected := docValue(t, bson.D{
		{Key: "data", Value: bson.D{{Key: "$$matchesHexBytes", Value: "deadbeef"}}},
	})
	actual := docValue(t, bson.D{
		{Key: "data", Value: primitive.Binary{Subtype: 0x00, Data: []byte{0xde, 0xad, 0xbe, 0xef}}},
	})

	assert.NoError(t, m.Match(expected, actual))

	wrong := docValue(t, bson.D{
		{Key: "data", Value: primitive.Binary{Subtype: 0x00, Data: []byte{0x01}}},
	})
	assert.Error(t, m.Match(expected, wrong))
}

func TestValueMatcherUnordered(t *testing.T) {
	m := newTestMatcher(nil)

	expected := docValue(t, bson.D{
		{Key: "tags", Value: bson.D{{Key: "$$unorderedMatches", Value: bson.A{"b", "a"}}}},
	})

	assert.NoError(t, m.Match(expected, docValue(t, bson.D{{Key: "tags", Value: bson.A{"a", "b"}}})))
	assert.Error(t, m.Match(expected, docValue(t, bson.D{{Key: "tags", Value: bson.A{"a", "c"}}})))
	assert.Error(t, m.Match(expected, docValue(t, bson.D{{Key: "tags", Value: bson.A{"a", "b", "c"}}})))
}

func TestValueMatcherUnknownDirective(t *testing.T) {
	m := newTestMatcher(nil)

	expected := docValue(t, bson.D{
		{Key: "a", Value: bson.D{{Key: "$$bogus", Value: int32(1)}}},
	})

	err := m.Match(expected, docValue(t, bson.D{{Key: "a", Value: int32(1)}}))
	require.Error(t, err)
	assert.True(t, types.IsConfigError(err))
}

func TestValueMatcherArrayOrderAndLength(t *testing.T) {
	m := newTestMatcher(nil)

	expected := docValue(t, bson.D{{Key: "a", Value: bson.A{int32(1), int32(2)}}})

	assert.NoError(t, m.Match(expected, docValue(t, bson.D{{Key: "a", Value: bson.A{int32(1), int32(2)}}})))
	assert.Error(t, m.Match(expected, docValue(t, bson.D{{Key: "a", Value: bson.A{int32(2), int32(1)}}})))
	assert.Error(t, m.Match(expected, docValue(t, bson.D{{Key: "a", Value: bson.A{int32(1)}}})))
}

func TestAssertionContextTrail(t *testing.T) {
	ctx := NewAssertionContext()
	ctx.Push("running test %q", "case1")
	ctx.Push("operation %d", 3)

	err := ctx.Errorf("value mismatch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `running test "case1"`)
	assert.Contains(t, err.Error(), "operation 3")
	assert.Contains(t, err.Error(), "value mismatch")

	ctx.Pop()
	ctx.Pop()
	assert.Equal(t, 0, ctx.Depth())
}
