package veritas

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/arloliu/veritas/types"
)

func loopOperation(t *testing.T, args bson.D) *Operation {
	t.Helper()

	return &Operation{
		Name:      "loop",
		Object:    "testRunner",
		Arguments: rawDoc(t, args),
	}
}

func TestLoopStoresFailures(t *testing.T) {
	run := newOfflineRun(t)
	createEntities(t, run,
		bson.D{{Key: "client", Value: bson.D{{Key: "id", Value: "client0"}}}},
		bson.D{{Key: "session", Value: bson.D{{Key: "id", Value: "session0"}, {Key: "client", Value: "client0"}}}},
	)

	op := loopOperation(t, bson.D{
		{Key: "storeFailuresAsEntity", Value: "failures"},
		{Key: "storeSuccessesAsEntity", Value: "successes"},
		{Key: "storeIterationsAsEntity", Value: "iterations"},
		{Key: "operations", Value: bson.A{
			bson.D{
				{Key: "name", Value: "wait"},
				{Key: "object", Value: "testRunner"},
				{Key: "arguments", Value: bson.D{{Key: "ms", Value: 1}}},
			},
			// Fresh sessions have no transaction, so this assertion fails
			// and must land in the failures bucket without failing the loop.
			bson.D{
				{Key: "name", Value: "assertSessionTransactionState"},
				{Key: "object", Value: "testRunner"},
				{Key: "arguments", Value: bson.D{
					{Key: "session", Value: "session0"},
					{Key: "state", Value: "in_progress"},
				}},
			},
		}},
	})

	_, err := run.dispatch(context.Background(), op)
	require.NoError(t, err)

	iterations, err := run.reg.EntityValue("iterations")
	require.NoError(t, err)
	assert.EqualValues(t, 1, iterations.Int64())

	successes, err := run.reg.EntityValue("successes")
	require.NoError(t, err)
	assert.EqualValues(t, 1, successes.Int64(), "the wait operation succeeded once")

	failures, err := run.reg.EntityValue("failures")
	require.NoError(t, err)
	docs, arrErr := failures.Array().Values()
	require.NoError(t, arrErr)
	require.Len(t, docs, 1)

	msg := docs[0].Document().Lookup("error")
	text, ok := msg.StringValueOK()
	require.True(t, ok)
	assert.Contains(t, text, "transaction state")
	_, timeErr := docs[0].Document().LookupErr("time")
	assert.NoError(t, timeErr)
}

func TestLoopFailureWithoutBucketEscapes(t *testing.T) {
	run := newOfflineRun(t)
	createEntities(t, run,
		bson.D{{Key: "client", Value: bson.D{{Key: "id", Value: "client0"}}}},
		bson.D{{Key: "session", Value: bson.D{{Key: "id", Value: "session0"}, {Key: "client", Value: "client0"}}}},
	)

	op := loopOperation(t, bson.D{
		{Key: "operations", Value: bson.A{
			bson.D{
				{Key: "name", Value: "assertSessionTransactionState"},
				{Key: "object", Value: "testRunner"},
				{Key: "arguments", Value: bson.D{
					{Key: "session", Value: "session0"},
					{Key: "state", Value: "committed"},
				}},
			},
		}},
	})

	_, err := run.dispatch(context.Background(), op)
	assert.True(t, types.IsAssertionError(err))
}

func TestLoopConfigErrorEscapes(t *testing.T) {
	run := newOfflineRun(t)

	op := loopOperation(t, bson.D{
		{Key: "storeErrorsAsEntity", Value: "errors"},
		{Key: "storeFailuresAsEntity", Value: "failures"},
		{Key: "operations", Value: bson.A{
			bson.D{
				{Key: "name", Value: "noSuchOperation"},
				{Key: "object", Value: "testRunner"},
			},
		}},
	})

	_, err := run.dispatch(context.Background(), op)
	assert.True(t, types.IsConfigError(err), "scenario bugs are never absorbed into buckets")
}

func TestLoopBucketFallback(t *testing.T) {
	assertion := &types.AssertionError{Msg: "mismatch"}
	plain := assert.AnError

	assert.Equal(t, "failures", loopBucket(assertion, "failures", "errors"))
	assert.Equal(t, "errors", loopBucket(assertion, "", "errors"))
	assert.Equal(t, "errors", loopBucket(plain, "failures", "errors"))
	assert.Equal(t, "failures", loopBucket(plain, "failures", ""))
	assert.Equal(t, "", loopBucket(plain, "", ""))
}

func TestLoopRequiresOperations(t *testing.T) {
	run := newOfflineRun(t)

	_, err := run.dispatch(context.Background(), loopOperation(t, bson.D{}))
	assert.True(t, types.IsConfigError(err))
}
