package match

import (
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/arloliu/veritas/types"
)

// ErrorMatcher validates an operation error against an expected-error
// description document.
type ErrorMatcher struct {
	values *ValueMatcher
	ctx    *AssertionContext
}

// NewErrorMatcher creates an error matcher sharing the given assertion
// context with a value matcher for nested expectResult/errorResponse checks.
func NewErrorMatcher(resolver EntityResolver, ctx *AssertionContext) *ErrorMatcher {
	return &ErrorMatcher{values: NewValueMatcher(resolver, ctx), ctx: ctx}
}

// Assert checks err against the expected-error document. partial carries
// the partial operation result reported alongside the error (bulk writes
// report what succeeded before the failure); hasPartial reports whether
// one exists.
func (m *ErrorMatcher) Assert(expected bson.Raw, err error, partial bson.RawValue, hasPartial bool) error {
	m.ctx.Push("checking error expectations")
	defer m.ctx.Pop()

	if err == nil {
		return m.ctx.Errorf("expected the operation to fail but it succeeded")
	}

	elems, elemsErr := expected.Elements()
	if elemsErr != nil {
		return types.NewConfigError("match", "invalid expectError document: %v", elemsErr)
	}

	for _, elem := range elems {
		key := elem.Key()
		val := elem.Value()

		var checkErr error
		switch key {
		case "isError":
			// err is already non-nil; nothing further to check.
		case "isClientError":
			checkErr = m.assertClientError(val, err)
		case "isTimeoutError":
			checkErr = m.assertTimeoutError(val, err)
		case "errorContains":
			checkErr = m.assertErrorContains(val, err)
		case "errorCode":
			checkErr = m.assertErrorCode(val, err)
		case "errorCodeName":
			checkErr = m.assertErrorCodeName(val, err)
		case "errorLabelsContain":
			checkErr = m.assertErrorLabels(val, err, true)
		case "errorLabelsOmit":
			checkErr = m.assertErrorLabels(val, err, false)
		case "errorResponse":
			checkErr = m.assertErrorResponse(val, err)
		case "expectResult":
			checkErr = m.assertPartialResult(val, partial, hasPartial)
		default:
			checkErr = types.NewConfigError("match", "unsupported expectError field %q", key)
		}
		if checkErr != nil {
			return checkErr
		}
	}

	return nil
}

func (m *ErrorMatcher) assertClientError(val bson.RawValue, err error) error {
	want, ok := val.BooleanOK()
	if !ok {
		return types.NewConfigError("match", "isClientError requires a boolean")
	}

	// A client-side error is one the server never produced: a timeout, a
	// network problem, or a driver-side validation failure.
	var se mongo.ServerError
	isClient := mongo.IsTimeout(err) || !errors.As(err, &se)
	if want != isClient {
		return m.ctx.Errorf("isClientError: expected %v, got %v (error: %v)", want, isClient, err)
	}

	return nil
}

func (m *ErrorMatcher) assertTimeoutError(val bson.RawValue, err error) error {
	want, ok := val.BooleanOK()
	if !ok {
		return types.NewConfigError("match", "isTimeoutError requires a boolean")
	}
	if got := mongo.IsTimeout(err); want != got {
		return m.ctx.Errorf("isTimeoutError: expected %v, got %v (error: %v)", want, got, err)
	}

	return nil
}

func (m *ErrorMatcher) assertErrorContains(val bson.RawValue, err error) error {
	substr, ok := val.StringValueOK()
	if !ok {
		return types.NewConfigError("match", "errorContains requires a string")
	}
	if !containsFold(err.Error(), substr) {
		return m.ctx.Errorf("error message %q does not contain %q", err.Error(), substr)
	}

	return nil
}

func (m *ErrorMatcher) assertErrorCode(val bson.RawValue, err error) error {
	code, ok := asFloat(val)
	if !ok {
		return types.NewConfigError("match", "errorCode requires a number")
	}

	var se mongo.ServerError
	if !errors.As(err, &se) {
		return m.ctx.Errorf("errorCode %d expected but error is not a server error: %v", int(code), err)
	}
	if !se.HasErrorCode(int(code)) {
		return m.ctx.Errorf("error does not carry code %d: %v", int(code), err)
	}

	return nil
}

func (m *ErrorMatcher) assertErrorCodeName(val bson.RawValue, err error) error {
	name, ok := val.StringValueOK()
	if !ok {
		return types.NewConfigError("match", "errorCodeName requires a string")
	}

	for _, got := range errorCodeNames(err) {
		if got == name {
			return nil
		}
	}

	return m.ctx.Errorf("error does not carry code name %q: %v", name, err)
}

func (m *ErrorMatcher) assertErrorLabels(val bson.RawValue, err error, contain bool) error {
	arr, ok := val.ArrayOK()
	if !ok {
		return types.NewConfigError("match", "error label expectations require an array of strings")
	}
	labels, valsErr := arr.Values()
	if valsErr != nil {
		return types.NewConfigError("match", "invalid error label array: %v", valsErr)
	}

	var se mongo.ServerError
	hasServerError := errors.As(err, &se)

	for _, labelVal := range labels {
		label, ok := labelVal.StringValueOK()
		if !ok {
			return types.NewConfigError("match", "error labels must be strings")
		}
		has := hasServerError && se.HasErrorLabel(label)
		if contain && !has {
			return m.ctx.Errorf("error does not carry label %q: %v", label, err)
		}
		if !contain && has {
			return m.ctx.Errorf("error unexpectedly carries label %q: %v", label, err)
		}
	}

	return nil
}

func (m *ErrorMatcher) assertErrorResponse(val bson.RawValue, err error) error {
	expected, ok := val.DocumentOK()
	if !ok {
		return types.NewConfigError("match", "errorResponse requires a document")
	}

	raw, ok := serverResponse(err)
	if !ok {
		return m.ctx.Errorf("errorResponse expected but the error carries no server response: %v", err)
	}

	m.ctx.Push("matching errorResponse")
	defer m.ctx.Pop()

	return m.values.Match(
		bson.RawValue{Type: bsontype.EmbeddedDocument, Value: bsoncoreDoc(expected)},
		bson.RawValue{Type: bsontype.EmbeddedDocument, Value: raw},
	)
}

func (m *ErrorMatcher) assertPartialResult(val bson.RawValue, partial bson.RawValue, hasPartial bool) error {
	if !hasPartial {
		return m.ctx.Errorf("expectResult within expectError but the operation reported no partial result")
	}

	m.ctx.Push("matching partial result")
	defer m.ctx.Pop()

	return m.values.Match(val, partial)
}

// errorCodeNames collects the server code names reachable through the
// driver's error types.
func errorCodeNames(err error) []string {
	var names []string

	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.Name != "" {
		names = append(names, ce.Name)
	}

	var we mongo.WriteException
	if errors.As(err, &we) && we.WriteConcernError != nil && we.WriteConcernError.Name != "" {
		names = append(names, we.WriteConcernError.Name)
	}

	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) && bwe.WriteConcernError != nil && bwe.WriteConcernError.Name != "" {
		names = append(names, bwe.WriteConcernError.Name)
	}

	return names
}

// serverResponse extracts the raw server reply carried by a driver error.
func serverResponse(err error) (bson.Raw, bool) {
	var ce mongo.CommandError
	if errors.As(err, &ce) && len(ce.Raw) > 0 {
		return ce.Raw, true
	}

	var we mongo.WriteException
	if errors.As(err, &we) && len(we.Raw) > 0 {
		return we.Raw, true
	}

	return nil, false
}

func bsoncoreDoc(doc bson.Raw) []byte {
	return []byte(doc)
}

// containsFold reports whether substr occurs in s ignoring ASCII case,
// matching how scenario files quote server error messages.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
