package veritas

import (
	"context"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/arloliu/veritas/types"
)

func opFind(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
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
		case "projection":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetProjection(doc)
		case "limit":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetLimit(n)
		case "skip":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetSkip(n)
		case "batchSize":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetBatchSize(int32(n))
		case "maxTimeMS":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetMaxTime(millisDuration(n))
		case "hint":
			opts.SetHint(anyValue(val))
		case "let":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetLet(doc)
		case "comment":
			s, ok := val.StringValueOK()
			if !ok {
				return false, badArg(op, key, "a string")
			}
			opts.SetComment(s)
		case "allowDiskUse":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			opts.SetAllowDiskUse(b)
		case "collation":
			collation, err := collationArg(op, val)
			if err != nil {
				return false, err
			}
			opts.SetCollation(collation)
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
	docs, opErr := drainCursor(ctx, cursor)
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	res, err := resultOf(docs)
	res.session = sessID

	return res, err
}

func opFindOne(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var filter bson.Raw
	opts := options.FindOne()
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
		case "projection":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetProjection(doc)
		case "maxTimeMS":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetMaxTime(millisDuration(n))
		case "hint":
			opts.SetHint(anyValue(val))
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

	var doc bson.Raw
	opErr := coll.FindOne(ctx, filter, opts).Decode(&doc)
	if opErr == mongo.ErrNoDocuments {
		res := rawResult(nullValue())
		res.session = sessID

		return res, nil
	}
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	res, err := resultOf(doc)
	res.session = sessID

	return res, err
}

func opAggregate(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	var pipeline bson.A
	opts := options.Aggregate()
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
		case "maxTimeMS":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetMaxTime(millisDuration(n))
		case "allowDiskUse":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			opts.SetAllowDiskUse(b)
		case "let":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetLet(doc)
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
	if pipeline == nil {
		return opResult{}, missingArg(op, "pipeline")
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	// aggregate runs against a collection or database entity.
	var cursor *mongo.Cursor
	var opErr error
	if coll, collErr := r.reg.Collection(op.Object); collErr == nil {
		cursor, opErr = coll.Aggregate(ctx, pipeline, opts)
	} else if db, dbErr := r.reg.Database(op.Object); dbErr == nil {
		cursor, opErr = db.Aggregate(ctx, pipeline, opts)
	} else {
		return opResult{}, types.NewConfigError("dispatch", "aggregate object %q is neither a collection nor a database", op.Object)
	}
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

func opCountDocuments(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var filter bson.Raw
	opts := options.Count()
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
		case "skip":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetSkip(n)
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
		case "hint":
			opts.SetHint(anyValue(val))
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

	count, opErr := coll.CountDocuments(ctx, filter, opts)
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	res, err := resultOf(count)
	res.session = sessID

	return res, err
}

func opEstimatedDocumentCount(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	opts := options.EstimatedDocumentCount()
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "session":
			sessID, _ = val.StringValueOK()
		case "maxTimeMS":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetMaxTime(millisDuration(n))
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

	count, opErr := coll.EstimatedDocumentCount(ctx, opts)
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	res, err := resultOf(count)
	res.session = sessID

	return res, err
}

func opDistinct(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	fieldName := ""
	var filter bson.Raw
	opts := options.Distinct()
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "fieldName":
			fieldName, _ = val.StringValueOK()
		case "filter":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			filter = doc
		case "session":
			sessID, _ = val.StringValueOK()
		case "maxTimeMS":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetMaxTime(millisDuration(n))
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
	if fieldName == "" {
		return opResult{}, missingArg(op, "fieldName")
	}
	if filter == nil {
		filter = emptyDoc()
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	values, opErr := coll.Distinct(ctx, fieldName, filter, opts)
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	res, err := resultOf(values)
	res.session = sessID

	return res, err
}

func opInsertOne(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var document bson.Raw
	opts := options.InsertOne()
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "document":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			document = doc
		case "session":
			sessID, _ = val.StringValueOK()
		case "bypassDocumentValidation":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			opts.SetBypassDocumentValidation(b)
		case "comment":
			opts.SetComment(anyValue(val))
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if document == nil {
		return opResult{}, missingArg(op, "document")
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	insertRes, opErr := coll.InsertOne(ctx, document, opts)
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	res, err := resultOf(bson.D{{Key: "insertedId", Value: insertRes.InsertedID}})
	res.session = sessID

	return res, err
}

func opInsertMany(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var documents []any
	opts := options.InsertMany()
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "documents":
			docs, ok := docsArg(val)
			if !ok {
				return false, badArg(op, key, "an array of documents")
			}
			documents = make([]any, len(docs))
			for i, doc := range docs {
				documents[i] = doc
			}
		case "session":
			sessID, _ = val.StringValueOK()
		case "ordered":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			opts.SetOrdered(b)
		case "comment":
			opts.SetComment(anyValue(val))
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if documents == nil {
		return opResult{}, missingArg(op, "documents")
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	insertRes, opErr := coll.InsertMany(ctx, documents, opts)
	if opErr != nil {
		res := opResult{err: opErr, session: sessID}
		// Ordered bulk failures report the documents inserted before the
		// failure; expectError.expectResult matches against them.
		if insertRes != nil {
			if partial, ok := partialValue(bson.D{{Key: "insertedIds", Value: insertedIDsDoc(insertRes.InsertedIDs)}}); ok {
				res.partial = partial
				res.hasPartial = true
			}
		}

		return res, nil
	}

	res, err := resultOf(bson.D{{Key: "insertedIds", Value: insertedIDsDoc(insertRes.InsertedIDs)}})
	res.session = sessID

	return res, err
}

func opUpdateOne(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return runUpdate(ctx, r, op, false)
}

func opUpdateMany(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return runUpdate(ctx, r, op, true)
}

func runUpdate(ctx context.Context, r *testRun, op *Operation, many bool) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var filter bson.Raw
	var update any
	opts := options.Update()
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "filter":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			filter = doc
		case "update":
			u, ok := updateArg(val)
			if !ok {
				return false, badArg(op, key, "a document or pipeline")
			}
			update = u
		case "session":
			sessID, _ = val.StringValueOK()
		case "upsert":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			opts.SetUpsert(b)
		case "arrayFilters":
			filters, ok := docsArg(val)
			if !ok {
				return false, badArg(op, key, "an array of documents")
			}
			opts.SetArrayFilters(arrayFilters(filters))
		case "hint":
			opts.SetHint(anyValue(val))
		case "let":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetLet(doc)
		case "comment":
			opts.SetComment(anyValue(val))
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if filter == nil || update == nil {
		return opResult{}, missingArg(op, "filter and update")
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	var updateRes *mongo.UpdateResult
	var opErr error
	if many {
		updateRes, opErr = coll.UpdateMany(ctx, filter, update, opts)
	} else {
		updateRes, opErr = coll.UpdateOne(ctx, filter, update, opts)
	}
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	res, err := updateResultValue(updateRes)
	res.session = sessID

	return res, err
}

func opReplaceOne(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var filter, replacement bson.Raw
	opts := options.Replace()
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "filter":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			filter = doc
		case "replacement":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			replacement = doc
		case "session":
			sessID, _ = val.StringValueOK()
		case "upsert":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			opts.SetUpsert(b)
		case "hint":
			opts.SetHint(anyValue(val))
		case "let":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetLet(doc)
		case "comment":
			opts.SetComment(anyValue(val))
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if filter == nil || replacement == nil {
		return opResult{}, missingArg(op, "filter and replacement")
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	updateRes, opErr := coll.ReplaceOne(ctx, filter, replacement, opts)
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	res, err := updateResultValue(updateRes)
	res.session = sessID

	return res, err
}

func opDeleteOne(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return runDelete(ctx, r, op, false)
}

func opDeleteMany(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return runDelete(ctx, r, op, true)
}

func runDelete(ctx context.Context, r *testRun, op *Operation, many bool) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var filter bson.Raw
	opts := options.Delete()
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
		case "hint":
			opts.SetHint(anyValue(val))
		case "let":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetLet(doc)
		case "comment":
			opts.SetComment(anyValue(val))
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

	var deleteRes *mongo.DeleteResult
	var opErr error
	if many {
		deleteRes, opErr = coll.DeleteMany(ctx, filter, opts)
	} else {
		deleteRes, opErr = coll.DeleteOne(ctx, filter, opts)
	}
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	res, err := resultOf(bson.D{{Key: "deletedCount", Value: deleteRes.DeletedCount}})
	res.session = sessID

	return res, err
}

func opBulkWrite(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var models []mongo.WriteModel
	opts := options.BulkWrite()
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "requests":
			requests, ok := docsArg(val)
			if !ok {
				return false, badArg(op, key, "an array of documents")
			}
			var parseErr error
			models, parseErr = parseWriteModels(op, requests)
			if parseErr != nil {
				return false, parseErr
			}
		case "session":
			sessID, _ = val.StringValueOK()
		case "ordered":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			opts.SetOrdered(b)
		case "let":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetLet(doc)
		case "comment":
			opts.SetComment(anyValue(val))
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if models == nil {
		return opResult{}, missingArg(op, "requests")
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	bulkRes, opErr := coll.BulkWrite(ctx, models, opts)
	if opErr != nil {
		res := opResult{err: opErr, session: sessID}
		if bulkRes != nil {
			if partial, ok := partialValue(bulkResultDoc(bulkRes)); ok {
				res.partial = partial
				res.hasPartial = true
			}
		}

		return res, nil
	}

	res, err := resultOf(bulkResultDoc(bulkRes))
	res.session = sessID

	return res, err
}

// parseWriteModels converts bulkWrite request documents into driver write
// models.
func parseWriteModels(op *Operation, requests []bson.Raw) ([]mongo.WriteModel, error) {
	models := make([]mongo.WriteModel, 0, len(requests))
	for _, req := range requests {
		elems, err := req.Elements()
		if err != nil || len(elems) != 1 {
			return nil, types.NewConfigError("dispatch", "bulkWrite requests must be single-key documents")
		}

		kind := elems[0].Key()
		body, ok := elems[0].Value().DocumentOK()
		if !ok {
			return nil, types.NewConfigError("dispatch", "bulkWrite %s request must be a document", kind)
		}

		model, err := parseWriteModel(op, kind, body)
		if err != nil {
			return nil, err
		}
		models = append(models, model)
	}

	return models, nil
}

func parseWriteModel(op *Operation, kind string, body bson.Raw) (mongo.WriteModel, error) {
	var filter, document, replacement bson.Raw
	var update any
	var upsert *bool
	var filters []bson.Raw
	var hint any

	elems, err := body.Elements()
	if err != nil {
		return nil, types.NewConfigError("dispatch", "invalid bulkWrite %s request: %v", kind, err)
	}
	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "filter":
			filter, _ = docArg(val)
		case "document":
			document, _ = docArg(val)
		case "replacement":
			replacement, _ = docArg(val)
		case "update":
			update, _ = updateArg(val)
		case "upsert":
			b, ok := val.BooleanOK()
			if !ok {
				return nil, badArg(op, "upsert", "a boolean")
			}
			upsert = &b
		case "arrayFilters":
			filters, _ = docsArg(val)
		case "hint":
			hint = anyValue(val)
		default:
			return nil, types.NewConfigError("dispatch", "unsupported bulkWrite %s field %q", kind, elem.Key())
		}
	}

	switch kind {
	case "insertOne":
		if document == nil {
			return nil, types.NewConfigError("dispatch", "bulkWrite insertOne requires a document")
		}

		return mongo.NewInsertOneModel().SetDocument(document), nil
	case "updateOne":
		model := mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(update)
		if upsert != nil {
			model.SetUpsert(*upsert)
		}
		if filters != nil {
			model.SetArrayFilters(arrayFilters(filters))
		}
		if hint != nil {
			model.SetHint(hint)
		}

		return model, nil
	case "updateMany":
		model := mongo.NewUpdateManyModel().SetFilter(filter).SetUpdate(update)
		if upsert != nil {
			model.SetUpsert(*upsert)
		}
		if filters != nil {
			model.SetArrayFilters(arrayFilters(filters))
		}

		return model, nil
	case "replaceOne":
		model := mongo.NewReplaceOneModel().SetFilter(filter).SetReplacement(replacement)
		if upsert != nil {
			model.SetUpsert(*upsert)
		}

		return model, nil
	case "deleteOne":
		model := mongo.NewDeleteOneModel().SetFilter(filter)
		if hint != nil {
			model.SetHint(hint)
		}

		return model, nil
	case "deleteMany":
		return mongo.NewDeleteManyModel().SetFilter(filter), nil
	default:
		return nil, types.NewConfigError("dispatch", "unsupported bulkWrite request kind %q", kind)
	}
}

func opFindOneAndUpdate(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var filter bson.Raw
	var update any
	opts := options.FindOneAndUpdate()
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "filter":
			filter, _ = docArg(val)
		case "update":
			update, _ = updateArg(val)
		case "session":
			sessID, _ = val.StringValueOK()
		case "returnDocument":
			s, _ := val.StringValueOK()
			switch s {
			case "After":
				opts.SetReturnDocument(options.After)
			case "Before":
				opts.SetReturnDocument(options.Before)
			default:
				return false, badArg(op, key, `"After" or "Before"`)
			}
		case "upsert":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			opts.SetUpsert(b)
		case "sort":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetSort(doc)
		case "projection":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetProjection(doc)
		case "arrayFilters":
			filters, ok := docsArg(val)
			if !ok {
				return false, badArg(op, key, "an array of documents")
			}
			opts.SetArrayFilters(arrayFilters(filters))
		case "hint":
			opts.SetHint(anyValue(val))
		case "let":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetLet(doc)
		case "maxTimeMS":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetMaxTime(millisDuration(n))
		case "comment":
			opts.SetComment(anyValue(val))
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if filter == nil || update == nil {
		return opResult{}, missingArg(op, "filter and update")
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	return singleDocResult(coll.FindOneAndUpdate(ctx, filter, update, opts), sessID)
}

func opFindOneAndReplace(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var filter, replacement bson.Raw
	opts := options.FindOneAndReplace()
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "filter":
			filter, _ = docArg(val)
		case "replacement":
			replacement, _ = docArg(val)
		case "session":
			sessID, _ = val.StringValueOK()
		case "returnDocument":
			s, _ := val.StringValueOK()
			switch s {
			case "After":
				opts.SetReturnDocument(options.After)
			case "Before":
				opts.SetReturnDocument(options.Before)
			default:
				return false, badArg(op, key, `"After" or "Before"`)
			}
		case "upsert":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			opts.SetUpsert(b)
		case "sort":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetSort(doc)
		case "projection":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetProjection(doc)
		case "hint":
			opts.SetHint(anyValue(val))
		case "comment":
			opts.SetComment(anyValue(val))
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if filter == nil || replacement == nil {
		return opResult{}, missingArg(op, "filter and replacement")
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	return singleDocResult(coll.FindOneAndReplace(ctx, filter, replacement, opts), sessID)
}

func opFindOneAndDelete(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var filter bson.Raw
	opts := options.FindOneAndDelete()
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "filter":
			filter, _ = docArg(val)
		case "session":
			sessID, _ = val.StringValueOK()
		case "sort":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetSort(doc)
		case "projection":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetProjection(doc)
		case "hint":
			opts.SetHint(anyValue(val))
		case "comment":
			opts.SetComment(anyValue(val))
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

	return singleDocResult(coll.FindOneAndDelete(ctx, filter, opts), sessID)
}

func opCreateIndex(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var keys bson.Raw
	idxOpts := options.Index()
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "keys":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			keys = doc
		case "session":
			sessID, _ = val.StringValueOK()
		case "name":
			s, ok := val.StringValueOK()
			if !ok {
				return false, badArg(op, key, "a string")
			}
			idxOpts.SetName(s)
		case "unique":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			idxOpts.SetUnique(b)
		case "sparse":
			b, ok := val.BooleanOK()
			if !ok {
				return false, badArg(op, key, "a boolean")
			}
			idxOpts.SetSparse(b)
		case "expireAfterSeconds":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			idxOpts.SetExpireAfterSeconds(int32(n))
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if keys == nil {
		return opResult{}, missingArg(op, "keys")
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	name, opErr := coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys, Options: idxOpts})
	if opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	res, err := resultOf(name)
	res.session = sessID

	return res, err
}

func opDropIndex(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	name := ""
	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "name":
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
		return opResult{}, missingArg(op, "name")
	}
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	if _, opErr := coll.Indexes().DropOne(ctx, name); opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	return opResult{session: sessID}, nil
}

func opDropIndexes(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
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
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	if _, opErr := coll.Indexes().DropAll(ctx); opErr != nil {
		return opResult{err: opErr, session: sessID}, nil
	}

	return opResult{session: sessID}, nil
}

func opListIndexes(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	sessID := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
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
	if ctx, err = r.maybeSession(ctx, sessID); err != nil {
		return opResult{}, err
	}

	cursor, opErr := coll.Indexes().List(ctx)
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

func opListIndexNames(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	res, err := opListIndexes(ctx, r, op)
	if err != nil || res.err != nil || !res.hasVal {
		return res, err
	}

	vals, valsErr := res.val.Array().Values()
	if valsErr != nil {
		return opResult{}, valsErr
	}
	names := make([]string, 0, len(vals))
	for _, v := range vals {
		name := v.Document().Lookup("name")
		if s, ok := name.StringValueOK(); ok {
			names = append(names, s)
		}
	}

	out, err := resultOf(names)
	out.session = res.session

	return out, err
}

// updateResultValue renders an UpdateResult, including upsertedId only
// when an upsert happened so $$exists: false expectations hold.
func updateResultValue(res *mongo.UpdateResult) (opResult, error) {
	doc := bson.D{
		{Key: "matchedCount", Value: res.MatchedCount},
		{Key: "modifiedCount", Value: res.ModifiedCount},
		{Key: "upsertedCount", Value: res.UpsertedCount},
	}
	if res.UpsertedID != nil {
		doc = append(doc, bson.E{Key: "upsertedId", Value: res.UpsertedID})
	}

	return resultOf(doc)
}

// insertedIDsDoc renders inserted ids as a document keyed by ordinal,
// matching the scenario result shape for insertMany.
func insertedIDsDoc(ids []any) bson.D {
	doc := make(bson.D, 0, len(ids))
	for i, id := range ids {
		doc = append(doc, bson.E{Key: itoa(i), Value: id})
	}

	return doc
}

func bulkResultDoc(res *mongo.BulkWriteResult) bson.D {
	doc := bson.D{
		{Key: "insertedCount", Value: res.InsertedCount},
		{Key: "matchedCount", Value: res.MatchedCount},
		{Key: "modifiedCount", Value: res.ModifiedCount},
		{Key: "deletedCount", Value: res.DeletedCount},
		{Key: "upsertedCount", Value: res.UpsertedCount},
	}

	upserted := make(bson.D, 0, len(res.UpsertedIDs))
	for idx, id := range res.UpsertedIDs {
		upserted = append(upserted, bson.E{Key: itoa64(idx), Value: id})
	}
	doc = append(doc, bson.E{Key: "upsertedIds", Value: upserted})

	return doc
}

func arrayFilters(filters []bson.Raw) options.ArrayFilters {
	converted := make([]any, len(filters))
	for i, f := range filters {
		converted[i] = f
	}

	return options.ArrayFilters{Filters: converted}
}

// singleDocResult renders a findOneAnd* outcome: the document, or null
// when no document matched.
func singleDocResult(sr *mongo.SingleResult, sessID string) (opResult, error) {
	var doc bson.Raw
	err := sr.Decode(&doc)
	if err == mongo.ErrNoDocuments {
		res := rawResult(nullValue())
		res.session = sessID

		return res, nil
	}
	if err != nil {
		return opResult{err: err, session: sessID}, nil
	}

	res, resErr := resultOf(doc)
	res.session = sessID

	return res, resErr
}

// drainCursor exhausts a cursor into raw documents and closes it.
func drainCursor(ctx context.Context, cursor *mongo.Cursor) ([]bson.Raw, error) {
	var docs []bson.Raw
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []bson.Raw{}
	}

	return docs, nil
}

// maybeSession binds the context to a session entity when the operation
// names one, and advances harness-tracked transaction state.
func (t *testRun) maybeSession(ctx context.Context, sessID string) (context.Context, error) {
	if sessID == "" {
		return ctx, nil
	}

	sctx, err := t.sessionContext(ctx, sessID)
	if err != nil {
		return nil, err
	}

	state := t.sessionState(sessID)
	if state.txn == "starting" {
		state.txn = "in_progress"
		state.pinned = true
	}

	return sctx, nil
}

func missingArg(op *Operation, what string) error {
	return types.NewConfigError("dispatch", "operation %q requires %s", op.Name, what)
}

func emptyDoc() bson.Raw {
	doc, _ := bson.Marshal(bson.D{})

	return bson.Raw(doc)
}

func millisDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func collationArg(op *Operation, val bson.RawValue) (*options.Collation, error) {
	doc, ok := docArg(val)
	if !ok {
		return nil, badArg(op, "collation", "a document")
	}

	var collation options.Collation
	if err := bson.Unmarshal(doc, &collation); err != nil {
		return nil, types.NewConfigError("dispatch", "invalid collation document: %v", err)
	}

	return &collation, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}
