package integration_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/veritas"
	"github.com/arloliu/veritas/test/testutil"
)

// runScenario parses and executes a scenario, returning per-test verdicts.
func runScenario(t *testing.T, runner *veritas.Runner, scenario string) []veritas.TestResult {
	t.Helper()

	file, err := veritas.ParseScenario([]byte(scenario), "json")
	require.NoError(t, err)

	results, err := runner.RunFile(t.Context(), file)
	require.NoError(t, err)

	return results
}

func requireAllPassed(t *testing.T, results []veritas.TestResult) {
	t.Helper()

	for _, res := range results {
		assert.False(t, res.Skipped, "test %q skipped: %s", res.Description, res.SkipReason)
		assert.NoError(t, res.Err, "test %q", res.Description)
	}
}

func TestRunnerCRUDScenario(t *testing.T) {
	uri := clusterURI(t)
	dbName := testutil.UniqueDatabaseName("veritas_crud")

	scenario := fmt.Sprintf(`{
	  "description": "crud roundtrip",
	  "schemaVersion": "1.3",
	  "createEntities": [
	    {"client": {"id": "client0", "observeEvents": ["commandStartedEvent"]}},
	    {"database": {"id": "database0", "client": "client0", "databaseName": %q}},
	    {"collection": {"id": "collection0", "database": "database0", "collectionName": "coll"}}
	  ],
	  "initialData": [
	    {"databaseName": %q, "collectionName": "coll", "documents": [{"_id": 1, "x": 11}]}
	  ],
	  "tests": [
	    {
	      "description": "insert then find",
	      "operations": [
	        {
	          "name": "insertOne",
	          "object": "collection0",
	          "arguments": {"document": {"_id": 2, "x": 22}},
	          "expectResult": {"insertedId": 2}
	        },
	        {
	          "name": "find",
	          "object": "collection0",
	          "arguments": {"filter": {}, "sort": {"_id": 1}},
	          "expectResult": [{"_id": 1, "x": 11}, {"_id": 2, "x": 22}]
	        }
	      ],
	      "expectEvents": [
	        {
	          "client": "client0",
	          "events": [
	            {"commandStartedEvent": {"commandName": "insert", "databaseName": %q}},
	            {"commandStartedEvent": {"commandName": "find"}}
	          ]
	        }
	      ],
	      "outcome": [
	        {"databaseName": %q, "collectionName": "coll", "documents": [{"_id": 1, "x": 11}, {"_id": 2, "x": 22}]}
	      ]
	    }
	  ]
	}`, dbName, dbName, dbName, dbName)

	metrics := testutil.NewTestMetricsCollector()
	runner := veritas.NewRunner(veritas.WithURI(uri), veritas.WithMetrics(metrics))

	results := runScenario(t, runner, scenario)
	require.Len(t, results, 1)
	requireAllPassed(t, results)

	assert.Equal(t, int64(1), metrics.GetTestsPassed())
	assert.Equal(t, int64(1), metrics.GetOperationTotal("insertOne"))
	assert.Equal(t, int64(1), metrics.GetOperationTotal("find"))
	assert.Zero(t, metrics.GetOperationErrors("insertOne"))
}

func TestRunnerFailPointScenario(t *testing.T) {
	uri := clusterURI(t)
	dbName := testutil.UniqueDatabaseName("veritas_fp")

	scenario := fmt.Sprintf(`{
	  "description": "fail point triggers a command error",
	  "schemaVersion": "1.3",
	  "createEntities": [
	    {"client": {"id": "client0"}},
	    {"database": {"id": "database0", "client": "client0", "databaseName": %q}},
	    {"collection": {"id": "collection0", "database": "database0", "collectionName": "coll"}}
	  ],
	  "initialData": [
	    {"databaseName": %q, "collectionName": "coll", "documents": []}
	  ],
	  "tests": [
	    {
	      "description": "insert fails with the configured code",
	      "operations": [
	        {
	          "name": "failPoint",
	          "object": "testRunner",
	          "arguments": {
	            "client": "client0",
	            "failPoint": {
	              "configureFailPoint": "failCommand",
	              "mode": {"times": 1},
	              "data": {"failCommands": ["insert"], "errorCode": 8}
	            }
	          }
	        },
	        {
	          "name": "insertOne",
	          "object": "collection0",
	          "arguments": {"document": {"_id": 1}},
	          "expectError": {"isError": true, "errorCode": 8}
	        },
	        {
	          "name": "insertOne",
	          "object": "collection0",
	          "arguments": {"document": {"_id": 1}},
	          "expectResult": {"insertedId": 1}
	        }
	      ]
	    }
	  ]
	}`, dbName, dbName)

	metrics := testutil.NewTestMetricsCollector()
	runner := veritas.NewRunner(veritas.WithURI(uri), veritas.WithMetrics(metrics))

	results := runScenario(t, runner, scenario)
	require.Len(t, results, 1)
	requireAllPassed(t, results)

	assert.Equal(t, int64(1), metrics.GetFailPointsInstalled())
	assert.Equal(t, int64(1), metrics.GetFailPointsDisabled(), "teardown must disable the fail point")
	assert.Equal(t, int64(1), metrics.GetOperationErrors("insertOne"), "expected failures still count as errors")
}

func TestRunnerTransactionScenario(t *testing.T) {
	uri := clusterURI(t)
	dbName := testutil.UniqueDatabaseName("veritas_txn")

	scenario := fmt.Sprintf(`{
	  "description": "withTransaction commits",
	  "schemaVersion": "1.3",
	  "createEntities": [
	    {"client": {"id": "client0"}},
	    {"database": {"id": "database0", "client": "client0", "databaseName": %q}},
	    {"collection": {"id": "collection0", "database": "database0", "collectionName": "coll"}},
	    {"session": {"id": "session0", "client": "client0"}}
	  ],
	  "initialData": [
	    {"databaseName": %q, "collectionName": "coll", "documents": []}
	  ],
	  "tests": [
	    {
	      "description": "callback inserts inside a transaction",
	      "operations": [
	        {
	          "name": "withTransaction",
	          "object": "session0",
	          "arguments": {
	            "callback": [
	              {
	                "name": "insertOne",
	                "object": "collection0",
	                "arguments": {"session": "session0", "document": {"_id": 1}},
	                "expectResult": {"insertedId": 1}
	              }
	            ]
	          }
	        },
	        {
	          "name": "assertSessionTransactionState",
	          "object": "testRunner",
	          "arguments": {"session": "session0", "state": "committed"}
	        }
	      ],
	      "outcome": [
	        {"databaseName": %q, "collectionName": "coll", "documents": [{"_id": 1}]}
	      ]
	    }
	  ]
	}`, dbName, dbName, dbName)

	runner := veritas.NewRunner(veritas.WithURI(uri))

	results := runScenario(t, runner, scenario)
	require.Len(t, results, 1)
	requireAllPassed(t, results)
}

func TestRunnerThreadScenario(t *testing.T) {
	uri := clusterURI(t)
	dbName := testutil.UniqueDatabaseName("veritas_thread")

	scenario := fmt.Sprintf(`{
	  "description": "background thread inserts",
	  "schemaVersion": "1.3",
	  "createEntities": [
	    {"client": {"id": "client0"}},
	    {"database": {"id": "database0", "client": "client0", "databaseName": %q}},
	    {"collection": {"id": "collection0", "database": "database0", "collectionName": "coll"}},
	    {"thread": {"id": "thread0"}}
	  ],
	  "initialData": [
	    {"databaseName": %q, "collectionName": "coll", "documents": []}
	  ],
	  "tests": [
	    {
	      "description": "runOnThread then waitForThread",
	      "operations": [
	        {
	          "name": "runOnThread",
	          "object": "testRunner",
	          "arguments": {
	            "thread": "thread0",
	            "operation": {
	              "name": "insertOne",
	              "object": "collection0",
	              "arguments": {"document": {"_id": 1}}
	            }
	          }
	        },
	        {
	          "name": "waitForThread",
	          "object": "testRunner",
	          "arguments": {"thread": "thread0"}
	        }
	      ],
	      "outcome": [
	        {"databaseName": %q, "collectionName": "coll", "documents": [{"_id": 1}]}
	      ]
	    }
	  ]
	}`, dbName, dbName, dbName)

	runner := veritas.NewRunner(
		veritas.WithURI(uri),
		veritas.WithThreadJoinTimeout(10*time.Second),
	)

	results := runScenario(t, runner, scenario)
	require.Len(t, results, 1)
	requireAllPassed(t, results)
}

func TestRunnerExpectErrorMismatch(t *testing.T) {
	uri := clusterURI(t)
	dbName := testutil.UniqueDatabaseName("veritas_err")

	scenario := fmt.Sprintf(`{
	  "description": "unexpected success fails the test",
	  "schemaVersion": "1.3",
	  "createEntities": [
	    {"client": {"id": "client0"}},
	    {"database": {"id": "database0", "client": "client0", "databaseName": %q}},
	    {"collection": {"id": "collection0", "database": "database0", "collectionName": "coll"}}
	  ],
	  "tests": [
	    {
	      "description": "insert succeeds but an error was expected",
	      "operations": [
	        {
	          "name": "insertOne",
	          "object": "collection0",
	          "arguments": {"document": {"_id": 1}},
	          "expectError": {"isError": true}
	        }
	      ]
	    }
	  ]
	}`, dbName)

	metrics := testutil.NewTestMetricsCollector()
	runner := veritas.NewRunner(veritas.WithURI(uri), veritas.WithMetrics(metrics))

	results := runScenario(t, runner, scenario)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Equal(t, int64(1), metrics.GetTestsFailed())
}
