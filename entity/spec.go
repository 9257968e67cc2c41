package entity

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/arloliu/veritas/types"
)

// namespaceOptions holds the read/write concern triple shared by database
// and collection entity options.
type namespaceOptions struct {
	ReadConcern    *readconcern.ReadConcern
	WriteConcern   *writeconcern.WriteConcern
	ReadPreference *readpref.ReadPref
}

func parseNamespaceOptions(doc bson.Raw) (*namespaceOptions, error) {
	out := &namespaceOptions{}

	elems, err := doc.Elements()
	if err != nil {
		return nil, types.NewConfigError("entity", "invalid namespace options document: %v", err)
	}
	for _, elem := range elems {
		body, ok := elem.Value().DocumentOK()
		if !ok {
			return nil, types.NewConfigError("entity", "namespace option %q must be a document", elem.Key())
		}

		switch elem.Key() {
		case "readConcern":
			out.ReadConcern, err = parseReadConcern(body)
		case "writeConcern":
			out.WriteConcern, err = parseWriteConcern(body)
		case "readPreference":
			out.ReadPreference, err = parseReadPreference(body)
		default:
			err = types.NewConfigError("entity", "unsupported namespace option %q", elem.Key())
		}
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

type databaseSpec struct {
	ID      string
	Client  string
	Name    string
	Options *options.DatabaseOptions
}

func parseDatabaseSpec(doc bson.Raw) (*databaseSpec, error) {
	spec := &databaseSpec{Options: options.Database()}

	elems, err := doc.Elements()
	if err != nil {
		return nil, types.NewConfigError("entity", "invalid database entity document: %v", err)
	}
	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "id":
			spec.ID, _ = val.StringValueOK()
		case "client":
			spec.Client, _ = val.StringValueOK()
		case "databaseName":
			spec.Name, _ = val.StringValueOK()
		case "databaseOptions":
			body, ok := val.DocumentOK()
			if !ok {
				return nil, types.NewConfigError("entity", "databaseOptions must be a document")
			}
			nsOpts, err := parseNamespaceOptions(body)
			if err != nil {
				return nil, err
			}
			if nsOpts.ReadConcern != nil {
				spec.Options.SetReadConcern(nsOpts.ReadConcern)
			}
			if nsOpts.WriteConcern != nil {
				spec.Options.SetWriteConcern(nsOpts.WriteConcern)
			}
			if nsOpts.ReadPreference != nil {
				spec.Options.SetReadPreference(nsOpts.ReadPreference)
			}
		default:
			return nil, types.NewConfigError("entity", "unsupported database entity option %q", elem.Key())
		}
	}

	if spec.ID == "" || spec.Client == "" || spec.Name == "" {
		return nil, types.NewConfigError("entity", "database entity requires id, client, and databaseName")
	}

	return spec, nil
}

type collectionSpec struct {
	ID       string
	Database string
	Name     string
	Options  *options.CollectionOptions
}

func parseCollectionSpec(doc bson.Raw) (*collectionSpec, error) {
	spec := &collectionSpec{Options: options.Collection()}

	elems, err := doc.Elements()
	if err != nil {
		return nil, types.NewConfigError("entity", "invalid collection entity document: %v", err)
	}
	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "id":
			spec.ID, _ = val.StringValueOK()
		case "database":
			spec.Database, _ = val.StringValueOK()
		case "collectionName":
			spec.Name, _ = val.StringValueOK()
		case "collectionOptions":
			body, ok := val.DocumentOK()
			if !ok {
				return nil, types.NewConfigError("entity", "collectionOptions must be a document")
			}
			nsOpts, err := parseNamespaceOptions(body)
			if err != nil {
				return nil, err
			}
			if nsOpts.ReadConcern != nil {
				spec.Options.SetReadConcern(nsOpts.ReadConcern)
			}
			if nsOpts.WriteConcern != nil {
				spec.Options.SetWriteConcern(nsOpts.WriteConcern)
			}
			if nsOpts.ReadPreference != nil {
				spec.Options.SetReadPreference(nsOpts.ReadPreference)
			}
		default:
			return nil, types.NewConfigError("entity", "unsupported collection entity option %q", elem.Key())
		}
	}

	if spec.ID == "" || spec.Database == "" || spec.Name == "" {
		return nil, types.NewConfigError("entity", "collection entity requires id, database, and collectionName")
	}

	return spec, nil
}

type sessionSpec struct {
	ID      string
	Client  string
	Options *options.SessionOptions
}

func parseSessionSpec(doc bson.Raw) (*sessionSpec, error) {
	spec := &sessionSpec{Options: options.Session()}

	elems, err := doc.Elements()
	if err != nil {
		return nil, types.NewConfigError("entity", "invalid session entity document: %v", err)
	}
	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "id":
			spec.ID, _ = val.StringValueOK()
		case "client":
			spec.Client, _ = val.StringValueOK()
		case "sessionOptions":
			body, ok := val.DocumentOK()
			if !ok {
				return nil, types.NewConfigError("entity", "sessionOptions must be a document")
			}
			if err := applySessionOptions(spec.Options, body); err != nil {
				return nil, err
			}
		default:
			return nil, types.NewConfigError("entity", "unsupported session entity option %q", elem.Key())
		}
	}

	if spec.ID == "" || spec.Client == "" {
		return nil, types.NewConfigError("entity", "session entity requires id and client")
	}

	return spec, nil
}

func applySessionOptions(opts *options.SessionOptions, doc bson.Raw) error {
	elems, err := doc.Elements()
	if err != nil {
		return types.NewConfigError("entity", "invalid sessionOptions document: %v", err)
	}
	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "causalConsistency":
			b, ok := val.BooleanOK()
			if !ok {
				return types.NewConfigError("entity", "sessionOptions causalConsistency must be a boolean")
			}
			opts.SetCausalConsistency(b)
		case "snapshot":
			b, ok := val.BooleanOK()
			if !ok {
				return types.NewConfigError("entity", "sessionOptions snapshot must be a boolean")
			}
			opts.SetSnapshot(b)
		case "defaultTransactionOptions":
			body, ok := val.DocumentOK()
			if !ok {
				return types.NewConfigError("entity", "defaultTransactionOptions must be a document")
			}
			if err := applyTransactionDefaults(opts, body); err != nil {
				return err
			}
		default:
			return types.NewConfigError("entity", "unsupported sessionOptions key %q", elem.Key())
		}
	}

	return nil
}

func applyTransactionDefaults(opts *options.SessionOptions, doc bson.Raw) error {
	elems, err := doc.Elements()
	if err != nil {
		return types.NewConfigError("entity", "invalid defaultTransactionOptions document: %v", err)
	}
	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "readConcern":
			body, ok := val.DocumentOK()
			if !ok {
				return types.NewConfigError("entity", "transaction readConcern must be a document")
			}
			rc, err := parseReadConcern(body)
			if err != nil {
				return err
			}
			opts.SetDefaultReadConcern(rc)
		case "writeConcern":
			body, ok := val.DocumentOK()
			if !ok {
				return types.NewConfigError("entity", "transaction writeConcern must be a document")
			}
			wc, err := parseWriteConcern(body)
			if err != nil {
				return err
			}
			opts.SetDefaultWriteConcern(wc)
		case "readPreference":
			body, ok := val.DocumentOK()
			if !ok {
				return types.NewConfigError("entity", "transaction readPreference must be a document")
			}
			rp, err := parseReadPreference(body)
			if err != nil {
				return err
			}
			opts.SetDefaultReadPreference(rp)
		case "maxCommitTimeMS":
			ms, ok := asInt(val)
			if !ok {
				return types.NewConfigError("entity", "transaction maxCommitTimeMS must be a number")
			}
			d := millis(ms)
			opts.SetDefaultMaxCommitTime(&d)
		default:
			return types.NewConfigError("entity", "unsupported defaultTransactionOptions key %q", elem.Key())
		}
	}

	return nil
}

type bucketSpec struct {
	ID       string
	Database string
	Options  *options.BucketOptions
}

func parseBucketSpec(doc bson.Raw) (*bucketSpec, error) {
	spec := &bucketSpec{Options: options.GridFSBucket()}

	elems, err := doc.Elements()
	if err != nil {
		return nil, types.NewConfigError("entity", "invalid bucket entity document: %v", err)
	}
	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "id":
			spec.ID, _ = val.StringValueOK()
		case "database":
			spec.Database, _ = val.StringValueOK()
		case "bucketOptions":
			body, ok := val.DocumentOK()
			if !ok {
				return nil, types.NewConfigError("entity", "bucketOptions must be a document")
			}
			if err := applyBucketOptions(spec.Options, body); err != nil {
				return nil, err
			}
		default:
			return nil, types.NewConfigError("entity", "unsupported bucket entity option %q", elem.Key())
		}
	}

	if spec.ID == "" || spec.Database == "" {
		return nil, types.NewConfigError("entity", "bucket entity requires id and database")
	}

	return spec, nil
}

func applyBucketOptions(opts *options.BucketOptions, doc bson.Raw) error {
	elems, err := doc.Elements()
	if err != nil {
		return types.NewConfigError("entity", "invalid bucketOptions document: %v", err)
	}
	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "bucketName":
			name, ok := val.StringValueOK()
			if !ok {
				return types.NewConfigError("entity", "bucketName must be a string")
			}
			opts.SetName(name)
		case "chunkSizeBytes":
			n, ok := asInt(val)
			if !ok {
				return types.NewConfigError("entity", "chunkSizeBytes must be a number")
			}
			opts.SetChunkSizeBytes(int32(n))
		default:
			return types.NewConfigError("entity", "unsupported bucketOptions key %q", elem.Key())
		}
	}

	return nil
}

type clientEncryptionSpec struct {
	ID             string
	KeyVaultClient string
	Options        *options.ClientEncryptionOptions
}

func parseClientEncryptionSpec(doc bson.Raw) (*clientEncryptionSpec, error) {
	spec := &clientEncryptionSpec{Options: options.ClientEncryption()}

	elems, err := doc.Elements()
	if err != nil {
		return nil, types.NewConfigError("entity", "invalid clientEncryption entity document: %v", err)
	}
	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "id":
			spec.ID, _ = val.StringValueOK()
		case "clientEncryptionOpts":
			body, ok := val.DocumentOK()
			if !ok {
				return nil, types.NewConfigError("entity", "clientEncryptionOpts must be a document")
			}
			if err := applyClientEncryptionOptions(spec, body); err != nil {
				return nil, err
			}
		default:
			return nil, types.NewConfigError("entity", "unsupported clientEncryption entity option %q", elem.Key())
		}
	}

	if spec.ID == "" || spec.KeyVaultClient == "" {
		return nil, types.NewConfigError("entity", "clientEncryption entity requires id and keyVaultClient")
	}

	return spec, nil
}

func applyClientEncryptionOptions(spec *clientEncryptionSpec, doc bson.Raw) error {
	elems, err := doc.Elements()
	if err != nil {
		return types.NewConfigError("entity", "invalid clientEncryptionOpts document: %v", err)
	}
	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "keyVaultClient":
			id, ok := val.StringValueOK()
			if !ok {
				return types.NewConfigError("entity", "keyVaultClient must be a client entity id")
			}
			spec.KeyVaultClient = id
		case "keyVaultNamespace":
			ns, ok := val.StringValueOK()
			if !ok {
				return types.NewConfigError("entity", "keyVaultNamespace must be a string")
			}
			spec.Options.SetKeyVaultNamespace(ns)
		case "kmsProviders":
			body, ok := val.DocumentOK()
			if !ok {
				return types.NewConfigError("entity", "kmsProviders must be a document")
			}
			var providers map[string]map[string]interface{}
			if err := bson.Unmarshal(body, &providers); err != nil {
				return types.NewConfigError("entity", "invalid kmsProviders document: %v", err)
			}
			spec.Options.SetKmsProviders(providers)
		default:
			return types.NewConfigError("entity", "unsupported clientEncryptionOpts key %q", elem.Key())
		}
	}

	return nil
}
