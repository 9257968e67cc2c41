package veritas

import (
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"github.com/arloliu/veritas/types"
)

// walkArgs visits every argument of an operation. The visitor returns
// handled=false for keys it does not know, which the walk turns into a
// ConfigError so typos in scenario files fail loudly.
func walkArgs(op *Operation, visit func(key string, val bson.RawValue) (bool, error)) error {
	elems, err := argElements(op)
	if err != nil {
		return err
	}

	for _, elem := range elems {
		handled, err := visit(elem.Key(), elem.Value())
		if err != nil {
			return err
		}
		if !handled {
			return unsupportedArg(op, elem.Key())
		}
	}

	return nil
}

// anyValue decodes a raw value into a driver-marshalable Go value,
// preserving document and array structure.
func anyValue(val bson.RawValue) any {
	var out any
	if err := val.Unmarshal(&out); err != nil {
		return nil
	}

	return out
}

// docArg extracts an embedded document argument.
func docArg(val bson.RawValue) (bson.Raw, bool) {
	return val.DocumentOK()
}

// pipelineArg converts an array argument into an aggregate pipeline.
func pipelineArg(val bson.RawValue) (bson.A, bool) {
	arr, ok := val.ArrayOK()
	if !ok {
		return nil, false
	}
	vals, err := arr.Values()
	if !ok || err != nil {
		return nil, false
	}

	stages := make(bson.A, 0, len(vals))
	for _, v := range vals {
		doc, ok := v.DocumentOK()
		if !ok {
			return nil, false
		}
		stages = append(stages, doc)
	}

	return stages, true
}

// docsArg converts an array argument into raw documents.
func docsArg(val bson.RawValue) ([]bson.Raw, bool) {
	arr, ok := val.ArrayOK()
	if !ok {
		return nil, false
	}
	vals, err := arr.Values()
	if err != nil {
		return nil, false
	}

	docs := make([]bson.Raw, 0, len(vals))
	for _, v := range vals {
		doc, ok := v.DocumentOK()
		if !ok {
			return nil, false
		}
		docs = append(docs, doc)
	}

	return docs, true
}

// stringsArg converts an array argument into strings.
func stringsArg(val bson.RawValue) ([]string, bool) {
	arr, ok := val.ArrayOK()
	if !ok {
		return nil, false
	}
	vals, err := arr.Values()
	if err != nil {
		return nil, false
	}

	out := make([]string, 0, len(vals))
	for _, v := range vals {
		s, ok := v.StringValueOK()
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}

	return out, true
}

// updateArg accepts either an update document or an aggregation pipeline.
func updateArg(val bson.RawValue) (any, bool) {
	if val.Type == bsontype.EmbeddedDocument {
		return val.Document(), true
	}
	if pipeline, ok := pipelineArg(val); ok {
		return pipeline, true
	}

	return nil, false
}

// nullValue is the rendered result of operations that found nothing.
func nullValue() bson.RawValue {
	return bson.RawValue{Type: bsontype.Null}
}

// rejectArgs fails when an operation that takes no arguments carries any.
func rejectArgs(op *Operation) error {
	return walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		return false, nil
	})
}

// isEntityError reports whether err stems from entity lookup or
// registration rather than from a server round trip.
func isEntityError(err error) bool {
	return errors.Is(err, types.ErrEntityNotFound) || errors.Is(err, types.ErrEntityExists)
}
