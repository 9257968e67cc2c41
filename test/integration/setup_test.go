package integration_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"

	"github.com/arloliu/veritas/test/testutil"
)

// sharedCluster holds the MongoDB deployment shared by all integration tests.
var sharedCluster *testutil.MongoCluster

// TestMain sets up shared test infrastructure for all integration tests.
// This avoids the overhead of starting a container for each individual test.
func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		return
	}

	// Check if we should skip container setup (for unit tests or CI without Docker)
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "1" {
		fmt.Println("Skipping integration tests (SKIP_INTEGRATION_TESTS=1)")

		return
	}

	ctx := context.Background()
	cluster, err := testutil.StartMongoCluster(ctx, testutil.DefaultMongoClusterOptions())
	if err != nil {
		fmt.Printf("Failed to start MongoDB cluster: %v\n", err)

		return
	}
	sharedCluster = cluster

	_ = m.Run()

	_ = cluster.Terminate(ctx)
}

// clusterURI returns the shared deployment URI, skipping the test when the
// cluster is not available.
func clusterURI(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if sharedCluster == nil {
		t.Skip("shared cluster not available (run with -short=false and Docker)")
	}

	return sharedCluster.URI
}
