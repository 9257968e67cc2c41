package match

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/arloliu/veritas/types"
)

func newTestErrorMatcher() *ErrorMatcher {
	return NewErrorMatcher(nil, NewAssertionContext())
}

func commandError(t *testing.T) mongo.CommandError {
	t.Helper()

	return mongo.CommandError{
		Code:    11601,
		Name:    "Interrupted",
		Message: "operation was interrupted",
		Labels:  []string{"RetryableWriteError"},
		Raw:     mustRaw(t, bson.D{{Key: "ok", Value: float64(0)}, {Key: "code", Value: int32(11601)}}),
	}
}

func TestErrorMatcherRequiresFailure(t *testing.T) {
	m := newTestErrorMatcher()

	expected := mustRaw(t, bson.D{{Key: "isError", Value: true}})
	err := m.Assert(expected, nil, bson.RawValue{}, false)
	require.Error(t, err)
	assert.True(t, types.IsAssertionError(err))
}

func TestErrorMatcherCodeAndName(t *testing.T) {
	m := newTestErrorMatcher()
	opErr := commandError(t)

	expected := mustRaw(t, bson.D{
		{Key: "errorCode", Value: int32(11601)},
		{Key: "errorCodeName", Value: "Interrupted"},
	})
	assert.NoError(t, m.Assert(expected, opErr, bson.RawValue{}, false))

	wrongCode := mustRaw(t, bson.D{{Key: "errorCode", Value: int32(50)}})
	assert.Error(t, m.Assert(wrongCode, opErr, bson.RawValue{}, false))

	wrongName := mustRaw(t, bson.D{{Key: "errorCodeName", Value: "MaxTimeMSExpired"}})
	assert.Error(t, m.Assert(wrongName, opErr, bson.RawValue{}, false))
}

func TestErrorMatcherContains(t *testing.T) {
	m := newTestErrorMatcher()
	opErr := commandError(t)

	expected := mustRaw(t, bson.D{{Key: "errorContains", Value: "WAS INTERRUPTED"}})
	assert.NoError(t, m.Assert(expected, opErr, bson.RawValue{}, false))

	expected = mustRaw(t, bson.D{{Key: "errorContains", Value: "no such message"}})
	assert.Error(t, m.Assert(expected, opErr, bson.RawValue{}, false))
}

func TestErrorMatcherLabels(t *testing.T) {
	m := newTestErrorMatcher()
	opErr := commandError(t)

	contain := mustRaw(t, bson.D{
		{Key: "errorLabelsContain", Value: bson.A{"RetryableWriteError"}},
	})
	assert.NoError(t, m.Assert(contain, opErr, bson.RawValue{}, false))

	omit := mustRaw(t, bson.D{
		{Key: "errorLabelsOmit", Value: bson.A{"TransientTransactionError"}},
	})
	assert.NoError(t, m.Assert(omit, opErr, bson.RawValue{}, false))

	omitPresent := mustRaw(t, bson.D{
		{Key: "errorLabelsOmit", Value: bson.A{"RetryableWriteError"}},
	})
	assert.Error(t, m.Assert(omitPresent, opErr, bson.RawValue{}, false))
}

func TestErrorMatcherClientError(t *testing.T) {
	m := newTestErrorMatcher()

	expectClient := mustRaw(t, bson.D{{Key: "isClientError", Value: true}})
	assert.NoError(t, m.Assert(expectClient, errors.New("connection refused"), bson.RawValue{}, false))
	assert.NoError(t, m.Assert(expectClient, context.DeadlineExceeded, bson.RawValue{}, false))
	assert.Error(t, m.Assert(expectClient, commandError(t), bson.RawValue{}, false))

	expectServer := mustRaw(t, bson.D{{Key: "isClientError", Value: false}})
	assert.NoError(t, m.Assert(expectServer, commandError(t), bson.RawValue{}, false))
}

func TestErrorMatcherResponse(t *testing.T) {
	m := newTestErrorMatcher()
	opErr := commandError(t)

	expected := mustRaw(t, bson.D{
		{Key: "errorResponse", Value: bson.D{{Key: "code", Value: int32(11601)}}},
	})
	assert.NoError(t, m.Assert(expected, opErr, bson.RawValue{}, false))

	expected = mustRaw(t, bson.D{
		{Key: "errorResponse", Value: bson.D{{Key: "code", Value: int32(99)}}},
	})
	assert.Error(t, m.Assert(expected, opErr, bson.RawValue{}, false))
}

func TestErrorMatcherPartialResult(t *testing.T) {
	m := newTestErrorMatcher()
	opErr := commandError(t)

	partial := docValue(t, bson.D{{Key: "insertedCount", Value: int32(2)}})
	expected := mustRaw(t, bson.D{
		{Key: "expectResult", Value: bson.D{{Key: "insertedCount", Value: int32(2)}}},
	})
	assert.NoError(t, m.Assert(expected, opErr, partial, true))
	assert.Error(t, m.Assert(expected, opErr, bson.RawValue{}, false))
}

func TestErrorMatcherUnknownField(t *testing.T) {
	m := newTestErrorMatcher()

	expected := mustRaw(t, bson.D{{Key: "errorSomething", Value: true}})
	err := m.Assert(expected, commandError(t), bson.RawValue{}, false)
	require.Error(t, err)
	assert.True(t, types.IsConfigError(err))
}
