package testutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoCluster represents a MongoDB deployment for testing.
// It wraps a testcontainers container together with a connected client.
type MongoCluster struct {
	URI    string
	Client *mongo.Client

	container *mongodb.MongoDBContainer
}

// Close disconnects the client (does not terminate the container).
func (c *MongoCluster) Close(ctx context.Context) {
	if c.Client != nil {
		_ = c.Client.Disconnect(ctx)
		c.Client = nil
	}
}

// Terminate terminates the container.
func (c *MongoCluster) Terminate(ctx context.Context) error {
	c.Close(ctx)

	if c.container != nil {
		return c.container.Terminate(ctx)
	}

	return nil
}

// MongoClusterOptions configures the MongoDB container.
type MongoClusterOptions struct {
	// Image is the MongoDB image. Default: "mongo:7.0"
	Image string
	// ReplicaSet enables single-node replica set mode, required for
	// transactions, change streams, and failCommand fail points.
	// Default: true
	ReplicaSet bool
	// ReplicaSetName is the replica set name. Default: "rs0"
	ReplicaSetName string
	// StartupTimeout bounds container start plus the initial ping.
	// Default: 60s
	StartupTimeout time.Duration
}

// DefaultMongoClusterOptions returns default options.
func DefaultMongoClusterOptions() MongoClusterOptions {
	return MongoClusterOptions{
		Image:          "mongo:7.0",
		ReplicaSet:     true,
		ReplicaSetName: "rs0",
		StartupTimeout: 60 * time.Second,
	}
}

// StartMongoCluster starts a MongoDB container for testing.
//
// This function is designed for use in TestMain where *testing.T is not available.
// Caller is responsible for calling cluster.Terminate(ctx) for cleanup.
//
// Parameters:
//   - ctx: Context for container operations
//   - opts: Configuration options
//
// Returns:
//   - *MongoCluster: Cluster with connection URI and connected client
//   - error: Error if the container fails to start
func StartMongoCluster(ctx context.Context, opts MongoClusterOptions) (*MongoCluster, error) {
	var containerOpts []testcontainers.ContainerCustomizer
	if opts.ReplicaSet {
		containerOpts = append(containerOpts, mongodb.WithReplicaSet(opts.ReplicaSetName))
	}

	container, err := mongodb.Run(ctx, opts.Image, containerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start MongoDB container: %w", err)
	}

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	client, err := connectMongo(ctx, uri, opts.StartupTimeout)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &MongoCluster{
		URI:       uri,
		Client:    client,
		container: container,
	}, nil
}

func connectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	return client, nil
}

// UniqueDatabaseName returns a database name with a random suffix so parallel
// test runs against a shared deployment do not collide.
func UniqueDatabaseName(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return prefix + "_" + suffix
}
