package entity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/arloliu/veritas/types"
)

const testURI = "mongodb://localhost:27017"

func mustRaw(t *testing.T, doc any) bson.Raw {
	t.Helper()

	data, err := bson.Marshal(doc)
	require.NoError(t, err)

	return bson.Raw(data)
}

func entityDoc(t *testing.T, kind string, body bson.D) bson.Raw {
	t.Helper()

	return mustRaw(t, bson.D{{Key: kind, Value: body}})
}

func newTestRegistry() *Registry {
	return NewRegistry(RegistryConfig{URI: testURI})
}

func TestRegistryCreateChain(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	defer reg.Close(ctx)

	entities := []bson.Raw{
		entityDoc(t, "client", bson.D{
			{Key: "id", Value: "client0"},
			{Key: "observeEvents", Value: bson.A{"commandStartedEvent"}},
		}),
		entityDoc(t, "database", bson.D{
			{Key: "id", Value: "database0"},
			{Key: "client", Value: "client0"},
			{Key: "databaseName", Value: "veritas-test"},
		}),
		entityDoc(t, "collection", bson.D{
			{Key: "id", Value: "collection0"},
			{Key: "database", Value: "database0"},
			{Key: "collectionName", Value: "coll0"},
		}),
		entityDoc(t, "bucket", bson.D{
			{Key: "id", Value: "bucket0"},
			{Key: "database", Value: "database0"},
			{Key: "bucketOptions", Value: bson.D{{Key: "bucketName", Value: "fs0"}}},
		}),
		entityDoc(t, "thread", bson.D{{Key: "id", Value: "thread0"}}),
	}
	require.NoError(t, reg.Create(ctx, entities))

	client, err := reg.Client("client0")
	require.NoError(t, err)
	assert.NotNil(t, client.Client)
	assert.NotNil(t, client.Commands)
	assert.Nil(t, client.Logs)

	db, err := reg.Database("database0")
	require.NoError(t, err)
	assert.Equal(t, "veritas-test", db.Name())

	coll, err := reg.Collection("collection0")
	require.NoError(t, err)
	assert.Equal(t, "coll0", coll.Name())

	_, err = reg.Bucket("bucket0")
	require.NoError(t, err)

	thread, err := reg.Thread("thread0")
	require.NoError(t, err)
	assert.Equal(t, "thread0", thread.ID())
}

func TestRegistryForwardReference(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	defer reg.Close(ctx)

	entities := []bson.Raw{
		entityDoc(t, "database", bson.D{
			{Key: "id", Value: "database0"},
			{Key: "client", Value: "client0"},
			{Key: "databaseName", Value: "veritas-test"},
		}),
	}
	err := reg.Create(ctx, entities)
	require.Error(t, err)
	assert.True(t, types.IsConfigError(err))
}

func TestRegistryDuplicateID(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	defer reg.Close(ctx)

	entities := []bson.Raw{
		entityDoc(t, "thread", bson.D{{Key: "id", Value: "dup"}}),
		entityDoc(t, "thread", bson.D{{Key: "id", Value: "dup"}}),
	}
	err := reg.Create(ctx, entities)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrEntityExists))
}

func TestRegistryUnknownKind(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	defer reg.Close(ctx)

	err := reg.Create(ctx, []bson.Raw{entityDoc(t, "widget", bson.D{{Key: "id", Value: "w0"}})})
	require.Error(t, err)
	assert.True(t, types.IsConfigError(err))
}

func TestRegistryUnknownClientOption(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	defer reg.Close(ctx)

	entities := []bson.Raw{
		entityDoc(t, "client", bson.D{
			{Key: "id", Value: "client0"},
			{Key: "bogusOption", Value: true},
		}),
	}
	err := reg.Create(ctx, entities)
	require.Error(t, err)
	assert.True(t, types.IsConfigError(err))
}

func TestRegistrySessionID(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	defer reg.Close(ctx)

	entities := []bson.Raw{
		entityDoc(t, "client", bson.D{{Key: "id", Value: "client0"}}),
		entityDoc(t, "session", bson.D{
			{Key: "id", Value: "session0"},
			{Key: "client", Value: "client0"},
			{Key: "sessionOptions", Value: bson.D{{Key: "causalConsistency", Value: true}}},
		}),
	}
	require.NoError(t, reg.Create(ctx, entities))

	lsid, err := reg.SessionID("session0")
	require.NoError(t, err)
	_, lookupErr := lsid.LookupErr("id")
	assert.NoError(t, lookupErr)
}

func stringValue(t *testing.T, s string) bson.RawValue {
	t.Helper()

	typ, data, err := bson.MarshalValue(s)
	require.NoError(t, err)

	return bson.RawValue{Type: typ, Value: data}
}

func TestRegistryValuesCountersAndDocLists(t *testing.T) {
	reg := newTestRegistry()

	reg.StoreValue("result0", stringValue(t, "hello"))
	got, err := reg.EntityValue("result0")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.StringValue())

	// Overwrite is allowed for stored values.
	reg.StoreValue("result0", stringValue(t, "world"))
	got, err = reg.EntityValue("result0")
	require.NoError(t, err)
	assert.Equal(t, "world", got.StringValue())

	require.NoError(t, reg.CreateCounter("iterations"))
	require.NoError(t, reg.AddToCounter("iterations", 1))
	require.NoError(t, reg.AddToCounter("iterations", 2))
	n, err := reg.Counter("iterations")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	counterVal, err := reg.EntityValue("iterations")
	require.NoError(t, err)
	assert.Equal(t, int64(3), counterVal.Int64())

	require.NoError(t, reg.CreateDocList("failures"))
	require.NoError(t, reg.AppendDocs("failures", mustRaw(t, bson.D{{Key: "error", Value: "boom"}})))
	docs, err := reg.DocList("failures")
	require.NoError(t, err)
	require.Len(t, docs, 1)

	_, err = reg.DocList("missing")
	assert.True(t, errors.Is(err, types.ErrEntityNotFound))
}

func TestThreadRunsTasksInOrder(t *testing.T) {
	thread := NewThread("thread0")
	defer thread.Close()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		_, err := thread.Submit(func() error {
			order = append(order, i)

			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, thread.Wait(time.Second))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestThreadWaitReportsTaskError(t *testing.T) {
	thread := NewThread("thread0")
	defer thread.Close()

	boom := errors.New("boom")
	_, err := thread.Submit(func() error { return nil })
	require.NoError(t, err)
	_, err = thread.Submit(func() error { return boom })
	require.NoError(t, err)

	err = thread.Wait(time.Second)
	assert.ErrorIs(t, err, boom)

	// The pending set is cleared after a join.
	require.NoError(t, thread.Wait(time.Second))
}

func TestThreadWaitTimesOut(t *testing.T) {
	thread := NewThread("thread0")
	defer thread.Close()

	release := make(chan struct{})
	_, err := thread.Submit(func() error {
		<-release

		return nil
	})
	require.NoError(t, err)

	err = thread.Wait(20 * time.Millisecond)
	close(release)

	var aerr *types.AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.True(t, aerr.Timeout)
}

func TestThreadSubmitAfterClose(t *testing.T) {
	thread := NewThread("thread0")
	thread.Close()

	_, err := thread.Submit(func() error { return nil })
	assert.ErrorIs(t, err, types.ErrThreadClosed)
}
