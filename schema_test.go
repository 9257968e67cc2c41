package veritas

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"github.com/arloliu/veritas/types"
)

const jsonScenario = `{
  "description": "insert smoke",
  "schemaVersion": "1.3",
  "createEntities": [
    {"client": {"id": "client0", "observeEvents": ["commandStartedEvent"]}},
    {"database": {"id": "database0", "client": "client0", "databaseName": "crud"}},
    {"collection": {"id": "collection0", "database": "database0", "collectionName": "coll"}}
  ],
  "initialData": [
    {"databaseName": "crud", "collectionName": "coll", "documents": [{"_id": 1}]}
  ],
  "tests": [
    {
      "description": "insertOne succeeds",
      "operations": [
        {
          "name": "insertOne",
          "object": "collection0",
          "arguments": {"document": {"_id": {"$numberLong": "2"}}},
          "expectResult": {"insertedId": {"$numberLong": "2"}}
        }
      ],
      "outcome": [
        {"databaseName": "crud", "collectionName": "coll", "documents": [{"_id": 1}, {"_id": 2}]}
      ]
    }
  ]
}`

const yamlScenario = `
description: insert smoke
schemaVersion: "1.3"
createEntities:
  - client:
      id: client0
tests:
  - description: insertOne succeeds
    operations:
      - name: insertOne
        object: collection0
        arguments:
          document:
            _id:
              $numberLong: "2"
`

func TestParseScenarioJSON(t *testing.T) {
	file, err := ParseScenario([]byte(jsonScenario), "json")
	require.NoError(t, err)

	assert.Equal(t, "insert smoke", file.Description)
	require.Len(t, file.CreateEntities, 3)
	require.Len(t, file.Tests, 1)
	require.Len(t, file.Tests[0].Operations, 1)

	op := file.Tests[0].Operations[0]
	assert.Equal(t, "insertOne", op.Name)
	assert.Equal(t, "collection0", op.Object)
	assert.True(t, op.HasExpectResult())

	// Extended JSON wrappers must decode into real BSON types.
	id := op.Arguments.Lookup("document", "_id")
	assert.Equal(t, bsontype.Int64, id.Type)

	require.Len(t, file.InitialData, 1)
	assert.Equal(t, "crud", file.InitialData[0].DatabaseName)
	require.Len(t, file.Tests[0].Outcome, 1)
	assert.Len(t, file.Tests[0].Outcome[0].Documents, 2)
}

func TestParseScenarioYAML(t *testing.T) {
	file, err := ParseScenario([]byte(yamlScenario), "yaml")
	require.NoError(t, err)

	require.Len(t, file.Tests, 1)
	id := file.Tests[0].Operations[0].Arguments.Lookup("document", "_id")
	assert.Equal(t, bsontype.Int64, id.Type, "extended JSON must survive the YAML conversion")
}

func TestParseScenarioSchemaVersion(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"1.0", true},
		{"1.22", true},
		{"1.22.1", true},
		{"1.23", false},
		{"2.0", false},
		{"", false},
		{"x.y", false},
	}

	for _, tt := range tests {
		err := checkSchemaVersion(tt.version)
		if tt.ok {
			assert.NoError(t, err, "version %q", tt.version)
		} else {
			assert.True(t, types.IsConfigError(err), "version %q", tt.version)
		}
	}
}

func TestParseScenarioUnsupportedFormat(t *testing.T) {
	_, err := ParseScenario([]byte("{}"), "toml")
	assert.True(t, types.IsConfigError(err))
}

func TestParseScenarioNoExpectResult(t *testing.T) {
	file, err := ParseScenario([]byte(`{
		"description": "d",
		"schemaVersion": "1.0",
		"tests": [{"description": "t", "operations": [{"name": "wait", "object": "testRunner"}]}]
	}`), "json")
	require.NoError(t, err)
	assert.False(t, file.Tests[0].Operations[0].HasExpectResult())
}

func TestLoadScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.json")
	require.NoError(t, os.WriteFile(path, []byte(jsonScenario), 0o600))

	file, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "insert smoke", file.Description)

	_, err = LoadScenario(filepath.Join(dir, "missing.json"))
	assert.True(t, types.IsConfigError(err))
}
