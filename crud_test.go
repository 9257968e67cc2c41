package veritas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/arloliu/veritas/types"
)

func TestParseWriteModels(t *testing.T) {
	op := &Operation{Name: "bulkWrite", Object: "collection0"}
	requests := []bson.Raw{
		rawDoc(t, bson.D{{Key: "insertOne", Value: bson.D{
			{Key: "document", Value: bson.D{{Key: "_id", Value: 1}}},
		}}}),
		rawDoc(t, bson.D{{Key: "updateOne", Value: bson.D{
			{Key: "filter", Value: bson.D{{Key: "_id", Value: 1}}},
			{Key: "update", Value: bson.D{{Key: "$set", Value: bson.D{{Key: "x", Value: 2}}}}},
			{Key: "upsert", Value: true},
		}}}),
		rawDoc(t, bson.D{{Key: "replaceOne", Value: bson.D{
			{Key: "filter", Value: bson.D{{Key: "_id", Value: 2}}},
			{Key: "replacement", Value: bson.D{{Key: "x", Value: 3}}},
		}}}),
		rawDoc(t, bson.D{{Key: "deleteMany", Value: bson.D{
			{Key: "filter", Value: bson.D{}},
		}}}),
	}

	models, err := parseWriteModels(op, requests)
	require.NoError(t, err)
	require.Len(t, models, 4)
	assert.IsType(t, &mongo.InsertOneModel{}, models[0])
	assert.IsType(t, &mongo.UpdateOneModel{}, models[1])
	assert.IsType(t, &mongo.ReplaceOneModel{}, models[2])
	assert.IsType(t, &mongo.DeleteManyModel{}, models[3])

	update, ok := models[1].(*mongo.UpdateOneModel)
	require.True(t, ok)
	require.NotNil(t, update.Upsert)
	assert.True(t, *update.Upsert)
}

func TestParseWriteModelsRejectsUnknown(t *testing.T) {
	op := &Operation{Name: "bulkWrite", Object: "collection0"}

	_, err := parseWriteModels(op, []bson.Raw{
		rawDoc(t, bson.D{{Key: "mergeOne", Value: bson.D{}}}),
	})
	assert.True(t, types.IsConfigError(err))

	_, err = parseWriteModels(op, []bson.Raw{
		rawDoc(t, bson.D{
			{Key: "insertOne", Value: bson.D{}},
			{Key: "deleteOne", Value: bson.D{}},
		}),
	})
	assert.True(t, types.IsConfigError(err), "two-key requests are rejected")

	_, err = parseWriteModels(op, []bson.Raw{
		rawDoc(t, bson.D{{Key: "insertOne", Value: bson.D{
			{Key: "documents", Value: bson.A{}},
		}}}),
	})
	assert.True(t, types.IsConfigError(err), "unknown request field is rejected")
}

func TestUpdateResultValue(t *testing.T) {
	res, err := updateResultValue(&mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1})
	require.NoError(t, err)
	require.True(t, res.hasVal)

	doc := res.val.Document()
	assert.Equal(t, int64(1), doc.Lookup("matchedCount").Int64())
	_, lookupErr := doc.LookupErr("upsertedId")
	assert.Error(t, lookupErr, "upsertedId must be absent without an upsert")

	res, err = updateResultValue(&mongo.UpdateResult{UpsertedCount: 1, UpsertedID: int32(7)})
	require.NoError(t, err)
	assert.EqualValues(t, 7, res.val.Document().Lookup("upsertedId").Int32())
}

func TestInsertedIDsDoc(t *testing.T) {
	doc := insertedIDsDoc([]any{int32(5), "abc"})
	require.Len(t, doc, 2)
	assert.Equal(t, "0", doc[0].Key)
	assert.Equal(t, "1", doc[1].Key)
	assert.Equal(t, int32(5), doc[0].Value)
}

func TestBulkResultDoc(t *testing.T) {
	doc := bulkResultDoc(&mongo.BulkWriteResult{
		InsertedCount: 2,
		UpsertedCount: 1,
		UpsertedIDs:   map[int64]any{3: "id3"},
	})

	raw := rawDoc(t, doc)
	assert.Equal(t, int64(2), raw.Lookup("insertedCount").Int64())
	assert.Equal(t, "id3", raw.Lookup("upsertedIds", "3").StringValue())
}

func TestSingleDocResult(t *testing.T) {
	sr := mongo.NewSingleResultFromDocument(bson.D{{Key: "x", Value: 1}}, nil, nil)
	res, err := singleDocResult(sr, "session0")
	require.NoError(t, err)
	require.True(t, res.hasVal)
	assert.Equal(t, "session0", res.session)
	assert.EqualValues(t, 1, res.val.Document().Lookup("x").Int32())

	missing := mongo.NewSingleResultFromDocument(bson.D{}, mongo.ErrNoDocuments, nil)
	res, err = singleDocResult(missing, "")
	require.NoError(t, err)
	require.True(t, res.hasVal)
	assert.Equal(t, bsontype.Null, res.val.Type, "no-document lookups render as null")
}

func TestCollationArg(t *testing.T) {
	op := &Operation{Name: "find", Object: "collection0"}
	doc := rawDoc(t, bson.D{{Key: "c", Value: bson.D{{Key: "locale", Value: "fr"}, {Key: "strength", Value: 2}}}})

	collation, err := collationArg(op, doc.Lookup("c"))
	require.NoError(t, err)
	assert.Equal(t, "fr", collation.Locale)
	assert.Equal(t, 2, collation.Strength)

	_, err = collationArg(op, doc.Lookup("missing"))
	assert.True(t, types.IsConfigError(err))
}
