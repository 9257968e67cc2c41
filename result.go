package veritas

import (
	"go.mongodb.org/mongo-driver/bson"
)

// opResult carries the outcome of one dispatched operation: the rendered
// result value if one exists, the operation error if one occurred, and
// the partial result some bulk operations report alongside an error.
type opResult struct {
	val        bson.RawValue
	hasVal     bool
	err        error
	partial    bson.RawValue
	hasPartial bool

	// session names the session entity the operation ran under, when any.
	session string

	// saved reports that the handler already consumed saveResultAsEntity
	// (cursor creation names the cursor entity rather than a value).
	saved bool
}

// resultOf renders v as a BSON value result. Errors here indicate a
// harness bug rendering a driver result, so they surface as-is.
func resultOf(v any) (opResult, error) {
	typ, data, err := bson.MarshalValue(v)
	if err != nil {
		return opResult{}, err
	}

	return opResult{val: bson.RawValue{Type: typ, Value: data}, hasVal: true}, nil
}

// rawResult wraps an already-encoded BSON value.
func rawResult(val bson.RawValue) opResult {
	return opResult{val: val, hasVal: true}
}

// errResult wraps an operation error with no result value.
func errResult(err error) opResult {
	return opResult{err: err}
}

// emptyResult reports success with nothing to match.
func emptyResult() opResult {
	return opResult{}
}

// partialValue renders a partial result document for expectError
// expectResult matching.
func partialValue(v any) (bson.RawValue, bool) {
	typ, data, err := bson.MarshalValue(v)
	if err != nil {
		return bson.RawValue{}, false
	}

	return bson.RawValue{Type: typ, Value: data}, true
}
