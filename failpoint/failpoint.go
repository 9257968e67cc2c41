// Package failpoint installs and clears server fail points for scenario
// runs.
//
// A fail point is installed with the scenario-supplied configureFailPoint
// command and must be cleared with {configureFailPoint: <name>, mode:
// "off"} through the same client, and for targeted fail points through
// the same session, so the off command reaches the server that carries
// the fail point.
package failpoint

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/arloliu/veritas/types"
)

// FailPoint is an installed server fail point awaiting cleanup.
type FailPoint struct {
	name   string
	client *mongo.Client
	sess   mongo.Session
}

// Name returns the server fail point name.
func (fp *FailPoint) Name() string {
	return fp.name
}

// CommandName extracts the fail point name from a configureFailPoint
// command document.
func CommandName(doc bson.Raw) (string, error) {
	val, err := doc.LookupErr("configureFailPoint")
	if err != nil {
		return "", types.NewConfigError("failpoint", "fail point document must start with configureFailPoint")
	}
	name, ok := val.StringValueOK()
	if !ok {
		return "", types.NewConfigError("failpoint", "configureFailPoint must name the fail point")
	}

	return name, nil
}

// DisableCommand builds the command that clears the named fail point.
func DisableCommand(name string) bson.D {
	return bson.D{
		{Key: "configureFailPoint", Value: name},
		{Key: "mode", Value: "off"},
	}
}

// Install runs the configureFailPoint command against the client's admin
// database and returns a handle for later cleanup.
func Install(ctx context.Context, client *mongo.Client, doc bson.Raw) (*FailPoint, error) {
	name, err := CommandName(doc)
	if err != nil {
		return nil, err
	}

	if err := client.Database("admin").RunCommand(ctx, doc).Err(); err != nil {
		return nil, err
	}

	return &FailPoint{name: name, client: client}, nil
}

// InstallTargeted runs the configureFailPoint command within the session's
// context so it reaches the server the session is pinned to.
func InstallTargeted(ctx context.Context, client *mongo.Client, sess mongo.Session, doc bson.Raw) (*FailPoint, error) {
	name, err := CommandName(doc)
	if err != nil {
		return nil, err
	}

	sctx := mongo.NewSessionContext(ctx, sess)
	if err := client.Database("admin").RunCommand(sctx, doc).Err(); err != nil {
		return nil, err
	}

	return &FailPoint{name: name, client: client, sess: sess}, nil
}

// Disable clears the fail point on the server that carries it.
func (fp *FailPoint) Disable(ctx context.Context) error {
	if fp.sess != nil {
		ctx = mongo.NewSessionContext(ctx, fp.sess)
	}

	return fp.client.Database("admin").RunCommand(ctx, DisableCommand(fp.name)).Err()
}
