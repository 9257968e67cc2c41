package veritas

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/arloliu/veritas/types"
)

func opRunCommand(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	db, err := r.reg.Database(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var command bson.Raw
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "command":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			command = doc
		case "commandName":
			// Informational; the command document carries the real name.
			if _, ok := val.StringValueOK(); !ok {
				return false, badArg(op, key, "a string")
			}
		case "session":
			sessID, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if command == nil {
		return opResult{}, missingArg(op, "command")
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	var reply bson.Raw
	opErr := db.RunCommand(ctx, command).Decode(&reply)
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	res, err := resultOf(reply)
	res.session = sessID

	return res, err
}

func opCreateCollection(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	db, err := r.reg.Database(op.Object)
	if err != nil {
		return opResult{}, err
	}

	name := ""
	opts := options.CreateCollection()
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "collection":
			name, _ = val.StringValueOK()
		case "session":
			sessID, _ = val.StringValueOK()
		case "capped":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			opts.SetCapped(b)
		case "size":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetSizeInBytes(n)
		case "max":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetMaxDocuments(n)
		case "expireAfterSeconds":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetExpireAfterSeconds(n)
		case "timeseries":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			ts, tsErr := parseTimeseriesOptions(doc)
			if tsErr != nil {
				return false, tsErr
			}
			opts.SetTimeSeriesOptions(ts)
		case "validator":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetValidator(doc)
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if name == "" {
		return opResult{}, missingArg(op, "collection")
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	if opErr := db.CreateCollection(ctx, name, opts); opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	return opResult{session: sessID}, nil
}

func opDropCollection(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	db, err := r.reg.Database(op.Object)
	if err != nil {
		return opResult{}, err
	}

	name := ""
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "collection":
			name, _ = val.StringValueOK()
		case "session":
			sessID, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if name == "" {
		return opResult{}, missingArg(op, "collection")
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	if opErr := db.Collection(name).Drop(ctx); opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	return opResult{session: sessID}, nil
}

// opRename renames a collection through the admin renameCollection
// command, since the driver has no collection-level rename helper.
func opRename(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	to := ""
	dropTarget := false
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "to":
			to, _ = val.StringValueOK()
		case "dropTarget":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			dropTarget = b
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if to == "" {
		return opResult{}, missingArg(op, "to")
	}

	dbName := coll.Database().Name()
	cmd := bson.D{
		{Key: "renameCollection", Value: dbName + "." + coll.Name()},
		{Key: "to", Value: dbName + "." + to},
		{Key: "dropTarget", Value: dropTarget},
	}
	admin := coll.Database().Client().Database("admin")
	if opErr := admin.RunCommand(ctx, cmd).Err(); opErr != nil {
		return opResult{err: opErr}, nil
	}

	return emptyResult(), nil
}

func opListCollections(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	db, err := r.reg.Database(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var filter bson.Raw
	opts := options.ListCollections()
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "filter":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			filter = doc
		case "session":
			sessID, _ = val.StringValueOK()
		case "batchSize":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetBatchSize(int32(n))
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if filter == nil {
		filter = emptyDoc()
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	cursor, opErr := db.ListCollections(ctx, filter, opts)
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}
	docs, opErr := drainCursor(ctx, cursor)
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	res, err := resultOf(docs)
	res.session = sessID

	return res, err
}

func opListCollectionNames(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	db, err := r.reg.Database(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var filter bson.Raw
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "filter":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			filter = doc
		case "session":
			sessID, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if filter == nil {
		filter = emptyDoc()
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	names, opErr := db.ListCollectionNames(ctx, filter)
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	res, err := resultOf(names)
	res.session = sessID

	return res, err
}

func opListDatabases(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	client, err := r.reg.Client(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var filter bson.Raw
	opts := options.ListDatabases()
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "filter":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			filter = doc
		case "session":
			sessID, _ = val.StringValueOK()
		case "nameOnly":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			opts.SetNameOnly(b)
		case "authorizedDatabases":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			opts.SetAuthorizedDatabases(b)
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if filter == nil {
		filter = emptyDoc()
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	listRes, opErr := client.Client.ListDatabases(ctx, filter, opts)
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	databases := make([]bson.D, 0, len(listRes.Databases))
	for _, spec := range listRes.Databases {
		databases = append(databases, bson.D{
			{Key: "name", Value: spec.Name},
			{Key: "sizeOnDisk", Value: spec.SizeOnDisk},
			{Key: "empty", Value: spec.Empty},
		})
	}

	res, err := resultOf(bson.D{
		{Key: "databases", Value: databases},
		{Key: "totalSize", Value: listRes.TotalSize},
	})
	res.session = sessID

	return res, err
}

func opListDatabaseNames(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	client, err := r.reg.Client(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var filter bson.Raw
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "filter":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			filter = doc
		case "session":
			sessID, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if filter == nil {
		filter = emptyDoc()
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	names, opErr := client.Client.ListDatabaseNames(ctx, filter)
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	res, err := resultOf(names)
	res.session = sessID

	return res, err
}

// opClose closes whichever closable entity the operation targets: a
// cursor or a client.
func opClose(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	if _, err := r.reg.Cursor(op.Object); err == nil {
		if opErr := r.reg.CloseCursor(ctx, op.Object); opErr != nil {
			return opResult{err: opErr}, nil
		}

		return emptyResult(), nil
	}

	if client, err := r.reg.Client(op.Object); err == nil {
		if opErr := client.Client.Disconnect(ctx); opErr != nil {
			return opResult{err: opErr}, nil
		}

		return emptyResult(), nil
	}

	return opResult{}, types.NewConfigError("dispatch", "close object %q is neither a cursor nor a client", op.Object)
}
