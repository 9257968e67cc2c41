package veritas

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/arloliu/veritas/types"
)

const testURI = "mongodb://localhost:27017"

// newOfflineRun builds a test run whose clients never touch the wire,
// relying on the driver's lazy connection behavior.
func newOfflineRun(t *testing.T) *testRun {
	t.Helper()

	runner := NewRunner(WithURI(testURI), WithThreadJoinTimeout(2*time.Second))
	run, err := runner.newTestRun(context.Background(), t.Name())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = run.teardown(context.Background())
	})

	return run
}

func rawDoc(t *testing.T, v any) bson.Raw {
	t.Helper()

	data, err := bson.Marshal(v)
	require.NoError(t, err)

	return bson.Raw(data)
}

func createEntities(t *testing.T, run *testRun, docs ...any) {
	t.Helper()

	raws := make([]bson.Raw, 0, len(docs))
	for _, doc := range docs {
		raws = append(raws, rawDoc(t, doc))
	}
	require.NoError(t, run.reg.Create(context.Background(), raws))
}

func TestDispatchUnknownOperation(t *testing.T) {
	run := newOfflineRun(t)

	_, err := run.dispatch(context.Background(), &Operation{Name: "fetchAll", Object: "collection0"})
	assert.True(t, types.IsConfigError(err))
}

func TestDispatchUnknownArgument(t *testing.T) {
	run := newOfflineRun(t)

	op := &Operation{
		Name:      "wait",
		Object:    "testRunner",
		Arguments: rawDoc(t, bson.D{{Key: "milliseconds", Value: 5}}),
	}
	_, err := run.dispatch(context.Background(), op)
	assert.True(t, types.IsConfigError(err))
}

func TestDispatchMissingEntity(t *testing.T) {
	run := newOfflineRun(t)

	op := &Operation{
		Name:      "insertOne",
		Object:    "collection0",
		Arguments: rawDoc(t, bson.D{{Key: "document", Value: bson.D{{Key: "x", Value: 1}}}}),
	}
	_, err := run.dispatch(context.Background(), op)
	assert.ErrorIs(t, err, types.ErrEntityNotFound)
}

func TestExecuteWait(t *testing.T) {
	run := newOfflineRun(t)

	op := &Operation{
		Name:      "wait",
		Object:    "testRunner",
		Arguments: rawDoc(t, bson.D{{Key: "ms", Value: 1}}),
	}
	assert.NoError(t, run.execute(context.Background(), op))
}

func TestExecuteExpectErrorUnmet(t *testing.T) {
	run := newOfflineRun(t)

	// The operation succeeds, so a required error is an assertion failure.
	op := &Operation{
		Name:        "wait",
		Object:      "testRunner",
		Arguments:   rawDoc(t, bson.D{{Key: "ms", Value: 1}}),
		ExpectError: rawDoc(t, bson.D{{Key: "isError", Value: true}}),
	}
	err := run.execute(context.Background(), op)
	assert.True(t, types.IsAssertionError(err))
}

func TestExecuteIgnoreResultAndError(t *testing.T) {
	run := newOfflineRun(t)

	op := &Operation{
		Name:                 "insertOne",
		Object:               "collection0",
		IgnoreResultAndError: true,
	}
	// Entity resolution failures are fatal even under ignoreResultAndError.
	err := run.execute(context.Background(), op)
	assert.ErrorIs(t, err, types.ErrEntityNotFound)
}

func TestMarkSessionError(t *testing.T) {
	run := newOfflineRun(t)

	run.markSessionError("session0", errors.New("connection reset"))
	assert.True(t, run.sessionState("session0").dirty)

	run.markSessionError("session1", mongo.CommandError{Code: 11000, Name: "DuplicateKey"})
	assert.False(t, run.sessionState("session1").dirty)
}

func TestNestedOperationsDecoding(t *testing.T) {
	doc := rawDoc(t, bson.D{{Key: "ops", Value: bson.A{
		bson.D{
			{Key: "name", Value: "wait"},
			{Key: "object", Value: "testRunner"},
			{Key: "arguments", Value: bson.D{{Key: "ms", Value: 1}}},
		},
	}}})

	ops, err := nestedOperations(doc.Lookup("ops"))
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "wait", ops[0].Name)
	assert.Equal(t, "testRunner", ops[0].Object)

	_, err = nestedOperations(doc.Lookup("missing"))
	assert.True(t, types.IsConfigError(err))
}
