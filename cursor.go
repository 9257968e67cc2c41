package veritas

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/arloliu/veritas/types"
)

// opCreateFindCursor opens a find cursor and stores it as an entity
// instead of draining it.
func opCreateFindCursor(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	if op.SaveResultAsEntity == "" {
		return opResult{}, types.NewConfigError("dispatch", "createFindCursor requires saveResultAsEntity")
	}

	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var filter bson.Raw
	opts := options.Find()
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
		case "sort":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetSort(doc)
		case "batchSize":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetBatchSize(int32(n))
		case "limit":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetLimit(n)
		case "maxTimeMS":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetMaxTime(millisDuration(n))
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if filter == nil {
		return opResult{}, missingArg(op, "filter")
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	cursor, opErr := coll.Find(ctx, filter, opts)
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}
	if err := r.reg.StoreCursor(op.SaveResultAsEntity, cursor); err != nil {
		return opResult{}, err
	}

	return opResult{session: sessID, saved: true}, nil
}

// opCreateChangeStream opens a change stream on a client, database or
// collection entity and stores it as a cursor entity.
func opCreateChangeStream(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	if op.SaveResultAsEntity == "" {
		return opResult{}, types.NewConfigError("dispatch", "createChangeStream requires saveResultAsEntity")
	}

	pipeline := bson.A{}
	opts := options.ChangeStream()
	sessID := ""
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "pipeline":
			stages, ok := pipelineArg(val)
			if !ok {
				return false, badArg(op, key, "an array of documents")
			}
			pipeline = stages
		case "session":
			sessID, _ = val.StringValueOK()
		case "batchSize":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetBatchSize(int32(n))
		case "maxAwaitTimeMS":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetMaxAwaitTime(millisDuration(n))
		case "fullDocument":
			s, ok := val.StringValueOK()
			if !ok {
				return false, badArg(op, key, "a string")
			}
			opts.SetFullDocument(options.FullDocument(s))
		case "fullDocumentBeforeChange":
			s, ok := val.StringValueOK()
			if !ok {
				return false, badArg(op, key, "a string")
			}
			opts.SetFullDocumentBeforeChange(options.FullDocument(s))
		case "showExpandedEvents":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			opts.SetShowExpandedEvents(b)
		case "comment":
			s, ok := val.StringValueOK()
			if !ok {
				return false, badArg(op, key, "a string")
			}
			opts.SetComment(s)
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	var stream *mongo.ChangeStream
	var opErr error
	switch {
	case r.hasCollection(op.Object):
		coll, _ := r.reg.Collection(op.Object)
		stream, opErr = coll.Watch(ctx, pipeline, opts)
	case r.hasDatabase(op.Object):
		db, _ := r.reg.Database(op.Object)
		stream, opErr = db.Watch(ctx, pipeline, opts)
	default:
		client, clientErr := r.reg.Client(op.Object)
		if clientErr != nil {
			return opResult{}, types.NewConfigError("dispatch", "createChangeStream object %q is not watchable", op.Object)
		}
		stream, opErr = client.Client.Watch(ctx, pipeline, opts)
	}
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}
	if err := r.reg.StoreCursor(op.SaveResultAsEntity, stream); err != nil {
		return opResult{}, err
	}

	return opResult{session: sessID, saved: true}, nil
}

// opIterateUntilDocumentOrError blocks on the cursor until it yields a
// document or fails.
func opIterateUntilDocumentOrError(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	cursor, err := r.reg.Cursor(op.Object)
	if err != nil {
		return opResult{}, err
	}
	if err := rejectArgs(op); err != nil {
		return opResult{}, err
	}

	for {
		if cursor.Next(ctx) {
			var doc bson.Raw
			if decErr := cursor.Decode(&doc); decErr != nil {
				return opResult{err: decErr}, nil
			}

			return resultOf(doc)
		}
		if cursorErr := cursor.Err(); cursorErr != nil {
			return opResult{err: cursorErr}, nil
		}
		if ctx.Err() != nil {
			return opResult{err: ctx.Err()}, nil
		}
	}
}

// opIterateOnce attempts a single non-blocking iteration, returning the
// document or null when none is buffered.
func opIterateOnce(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	cursor, err := r.reg.Cursor(op.Object)
	if err != nil {
		return opResult{}, err
	}
	if err := rejectArgs(op); err != nil {
		return opResult{}, err
	}

	if cursor.TryNext(ctx) {
		var doc bson.Raw
		if decErr := cursor.Decode(&doc); decErr != nil {
			return opResult{err: decErr}, nil
		}

		return resultOf(doc)
	}
	if cursorErr := cursor.Err(); cursorErr != nil {
		return opResult{err: cursorErr}, nil
	}

	return rawResult(nullValue()), nil
}

func opCloseCursor(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	if err := rejectArgs(op); err != nil {
		return opResult{}, err
	}
	if err := r.reg.CloseCursor(ctx, op.Object); err != nil {
		if types.IsConfigError(err) || isEntityError(err) {
			return opResult{}, err
		}

		return opResult{err: err}, nil
	}

	return emptyResult(), nil
}

func (t *testRun) hasCollection(id string) bool {
	_, err := t.reg.Collection(id)

	return err == nil
}

func (t *testRun) hasDatabase(id string) bool {
	_, err := t.reg.Database(id)

	return err == nil
}
