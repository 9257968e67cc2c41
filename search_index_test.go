package veritas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/arloliu/veritas/types"
)

func TestBuildListSearchIndexes(t *testing.T) {
	pipeline := buildListSearchIndexes("")
	require.Len(t, pipeline, 1)
	stage := rawDoc(t, pipeline[0])
	body, ok := stage.Lookup("$listSearchIndexes").DocumentOK()
	require.True(t, ok)
	elems, elemsErr := body.Elements()
	require.NoError(t, elemsErr)
	assert.Empty(t, elems, "no name filter lists every index")

	pipeline = buildListSearchIndexes("idx")
	stage = rawDoc(t, pipeline[0])
	assert.Equal(t, "idx", stage.Lookup("$listSearchIndexes", "name").StringValue())
}

func TestParseSearchIndexModel(t *testing.T) {
	doc := rawDoc(t, bson.D{
		{Key: "definition", Value: bson.D{{Key: "mappings", Value: bson.D{{Key: "dynamic", Value: true}}}}},
		{Key: "name", Value: "idx0"},
		{Key: "type", Value: "search"},
	})

	model, err := parseSearchIndexModel(doc)
	require.NoError(t, err)
	require.NotNil(t, model.Options)
	require.NotNil(t, model.Options.Name)
	assert.Equal(t, "idx0", *model.Options.Name)
	require.NotNil(t, model.Options.Type)
	assert.Equal(t, "search", *model.Options.Type)

	def, ok := model.Definition.(bson.Raw)
	require.True(t, ok)
	assert.True(t, def.Lookup("mappings", "dynamic").Boolean())
}

func TestParseSearchIndexModelErrors(t *testing.T) {
	_, err := parseSearchIndexModel(rawDoc(t, bson.D{{Key: "name", Value: "idx"}}))
	assert.True(t, types.IsConfigError(err), "a definition is mandatory")

	_, err = parseSearchIndexModel(rawDoc(t, bson.D{
		{Key: "definition", Value: bson.D{}},
		{Key: "weights", Value: bson.D{}},
	}))
	assert.True(t, types.IsConfigError(err), "unknown model fields are rejected")
}
