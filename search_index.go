package veritas

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/arloliu/veritas/types"
)

func opCreateSearchIndex(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var model *mongo.SearchIndexModel
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "model":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			m, modelErr := parseSearchIndexModel(doc)
			if modelErr != nil {
				return false, modelErr
			}
			model = m
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if model == nil {
		return opResult{}, missingArg(op, "model")
	}

	name, opErr := coll.SearchIndexes().CreateOne(ctx, *model)
	if opErr != nil {
		return opResult{err: opErr}, nil
	}

	return resultOf(name)
}

func opCreateSearchIndexes(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var models []mongo.SearchIndexModel
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "models":
			docs, ok := docsArg(val)
			if !ok {
				return false, badArg(op, key, "an array of documents")
			}
			models = make([]mongo.SearchIndexModel, 0, len(docs))
			for _, doc := range docs {
				m, modelErr := parseSearchIndexModel(doc)
				if modelErr != nil {
					return false, modelErr
				}
				models = append(models, *m)
			}
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if models == nil {
		return opResult{}, missingArg(op, "models")
	}

	names, opErr := coll.SearchIndexes().CreateMany(ctx, models)
	if opErr != nil {
		return opResult{err: opErr}, nil
	}

	return resultOf(names)
}

func opDropSearchIndex(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	name := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "name":
			name, _ = val.StringValueOK()
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

	if opErr := coll.SearchIndexes().DropOne(ctx, name); opErr != nil {
		return opResult{err: opErr}, nil
	}

	return emptyResult(), nil
}

func opUpdateSearchIndex(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	name := ""
	var definition bson.Raw
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "name":
			name, _ = val.StringValueOK()
		case "definition":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			definition = doc
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if name == "" || definition == nil {
		return opResult{}, missingArg(op, "name and definition")
	}

	if opErr := coll.SearchIndexes().UpdateOne(ctx, name, definition); opErr != nil {
		return opResult{err: opErr}, nil
	}

	return emptyResult(), nil
}

// opListSearchIndexes runs the $listSearchIndexes aggregation stage so
// the emitted command matches what scenarios assert on.
func opListSearchIndexes(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	coll, err := r.reg.Collection(op.Object)
	if err != nil {
		return opResult{}, err
	}

	name := ""
	opts := options.Aggregate()
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "name":
			name, _ = val.StringValueOK()
		case "aggregationOptions":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			if aggErr := applyAggregationOptions(opts, doc); aggErr != nil {
				return false, aggErr
			}
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}

	cursor, opErr := coll.Aggregate(ctx, buildListSearchIndexes(name), opts)
	if opErr != nil {
		return opResult{err: opErr}, nil
	}
	docs, opErr := drainCursor(ctx, cursor)
	if opErr != nil {
		return opResult{err: opErr}, nil
	}

	return resultOf(docs)
}

// buildListSearchIndexes builds the aggregation pipeline for listing
// search indexes, filtered by name when one is given.
func buildListSearchIndexes(name string) mongo.Pipeline {
	stage := bson.D{}
	if name != "" {
		stage = bson.D{{Key: "name", Value: name}}
	}

	return mongo.Pipeline{{{Key: "$listSearchIndexes", Value: stage}}}
}

func applyAggregationOptions(opts *options.AggregateOptions, doc bson.Raw) error {
	elems, err := doc.Elements()
	if err != nil {
		return types.NewConfigError("dispatch", "invalid aggregation options: %v", err)
	}

	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "batchSize":
			n, ok := intArg(val)
			if !ok {
				return types.NewConfigError("dispatch", "batchSize must be a number")
			}
			opts.SetBatchSize(int32(n))
		case "allowDiskUse":
			b, ok := val.BooleanOK()
			if !ok {
				return types.NewConfigError("dispatch", "allowDiskUse must be a boolean")
			}
			opts.SetAllowDiskUse(b)
		default:
			return types.NewConfigError("dispatch", "unsupported aggregation option %q", elem.Key())
		}
	}

	return nil
}

// parseSearchIndexModel decodes a search index model document into the
// driver model.
func parseSearchIndexModel(doc bson.Raw) (*mongo.SearchIndexModel, error) {
	opts := options.SearchIndexes()
	var definition bson.Raw

	elems, err := doc.Elements()
	if err != nil {
		return nil, types.NewConfigError("dispatch", "invalid search index model: %v", err)
	}
	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "definition":
			d, ok := val.DocumentOK()
			if !ok {
				return nil, types.NewConfigError("dispatch", "search index definition must be a document")
			}
			definition = d
		case "name":
			s, ok := val.StringValueOK()
			if !ok {
				return nil, types.NewConfigError("dispatch", "search index name must be a string")
			}
			opts.SetName(s)
		case "type":
			s, ok := val.StringValueOK()
			if !ok {
				return nil, types.NewConfigError("dispatch", "search index type must be a string")
			}
			opts.SetType(s)
		default:
			return nil, types.NewConfigError("dispatch", "unsupported search index model field %q", elem.Key())
		}
	}
	if definition == nil {
		return nil, types.NewConfigError("dispatch", "search index model requires a definition")
	}

	return &mongo.SearchIndexModel{Definition: definition, Options: opts}, nil
}
