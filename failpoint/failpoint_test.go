package failpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/arloliu/veritas/types"
)

func TestCommandName(t *testing.T) {
	doc, err := bson.Marshal(bson.D{
		{Key: "configureFailPoint", Value: "failCommand"},
		{Key: "mode", Value: bson.D{{Key: "times", Value: int32(2)}}},
		{Key: "data", Value: bson.D{{Key: "failCommands", Value: bson.A{"insert"}}}},
	})
	require.NoError(t, err)

	name, err := CommandName(bson.Raw(doc))
	require.NoError(t, err)
	assert.Equal(t, "failCommand", name)
}

func TestCommandNameMissing(t *testing.T) {
	doc, err := bson.Marshal(bson.D{{Key: "mode", Value: "alwaysOn"}})
	require.NoError(t, err)

	_, err = CommandName(bson.Raw(doc))
	require.Error(t, err)
	assert.True(t, types.IsConfigError(err))
}

func TestDisableCommand(t *testing.T) {
	cmd := DisableCommand("failCommand")

	require.Len(t, cmd, 2)
	assert.Equal(t, "configureFailPoint", cmd[0].Key)
	assert.Equal(t, "failCommand", cmd[0].Value)
	assert.Equal(t, "mode", cmd[1].Key)
	assert.Equal(t, "off", cmd[1].Value)
}
