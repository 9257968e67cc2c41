package veritas

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/arloliu/veritas/types"
)

// opHandler executes one scenario operation. The returned error is fatal
// (bad scenario or harness failure); operation failures travel inside the
// opResult so expectError can inspect them.
type opHandler func(ctx context.Context, r *testRun, op *Operation) (opResult, error)

// handlers maps operation names to their implementations. Names that work
// on several entity kinds (aggregate, listIndexes) resolve the object
// inside the handler.
var handlers map[string]opHandler

// The map is populated in init rather than in the declaration because
// opLoop dispatches through handlers, which would otherwise form an
// initialization cycle.
func init() {
	handlers = map[string]opHandler{
		// collection reads
		"find":                   opFind,
		"findOne":                opFindOne,
		"aggregate":              opAggregate,
		"countDocuments":         opCountDocuments,
		"estimatedDocumentCount": opEstimatedDocumentCount,
		"distinct":               opDistinct,

		// collection writes
		"insertOne":         opInsertOne,
		"insertMany":        opInsertMany,
		"updateOne":         opUpdateOne,
		"updateMany":        opUpdateMany,
		"replaceOne":        opReplaceOne,
		"deleteOne":         opDeleteOne,
		"deleteMany":        opDeleteMany,
		"bulkWrite":         opBulkWrite,
		"findOneAndUpdate":  opFindOneAndUpdate,
		"findOneAndReplace": opFindOneAndReplace,
		"findOneAndDelete":  opFindOneAndDelete,

		// index management
		"createIndex":    opCreateIndex,
		"dropIndex":      opDropIndex,
		"dropIndexes":    opDropIndexes,
		"listIndexes":    opListIndexes,
		"listIndexNames": opListIndexNames,

		// search index management
		"createSearchIndex":   opCreateSearchIndex,
		"createSearchIndexes": opCreateSearchIndexes,
		"dropSearchIndex":     opDropSearchIndex,
		"updateSearchIndex":   opUpdateSearchIndex,
		"listSearchIndexes":   opListSearchIndexes,

		// database and client administration
		"runCommand":          opRunCommand,
		"createCollection":    opCreateCollection,
		"dropCollection":      opDropCollection,
		"rename":              opRename,
		"listCollections":     opListCollections,
		"listCollectionNames": opListCollectionNames,
		"listDatabases":       opListDatabases,
		"listDatabaseNames":   opListDatabaseNames,
		"close":               opClose,

		// sessions and transactions
		"startTransaction":  opStartTransaction,
		"commitTransaction": opCommitTransaction,
		"abortTransaction":  opAbortTransaction,
		"withTransaction":   opWithTransaction,
		"endSession":        opEndSession,

		// cursors and change streams
		"createFindCursor":            opCreateFindCursor,
		"createChangeStream":          opCreateChangeStream,
		"iterateUntilDocumentOrError": opIterateUntilDocumentOrError,
		"iterateOnce":                 opIterateOnce,
		"closeCursor":                 opCloseCursor,

		// GridFS
		"upload":         opGridFSUpload,
		"downloadByName": opGridFSDownloadByName,
		"download":       opGridFSDownload,
		"delete":         opGridFSDelete,

		// client-side encryption
		"createDataKey":     opCreateDataKey,
		"getKey":            opGetKey,
		"getKeys":           opGetKeys,
		"getKeyByAltName":   opGetKeyByAltName,
		"addKeyAltName":     opAddKeyAltName,
		"removeKeyAltName":  opRemoveKeyAltName,
		"deleteKey":         opDeleteKey,
		"rewrapManyDataKey": opRewrapManyDataKey,

		// test-runner operations
		"failPoint":                            opFailPoint,
		"targetedFailPoint":                    opTargetedFailPoint,
		"createEntities":                       opCreateEntities,
		"loop":                                 opLoop,
		"runOnThread":                          opRunOnThread,
		"waitForThread":                        opWaitForThread,
		"wait":                                 opWait,
		"waitForEvent":                         opWaitForEvent,
		"assertEventCount":                     opAssertEventCount,
		"assertNumberConnectionsCheckedOut":    opAssertNumberConnectionsCheckedOut,
		"assertSessionDirty":                   opAssertSessionDirty,
		"assertSessionNotDirty":                opAssertSessionNotDirty,
		"assertSessionPinned":                  opAssertSessionPinned,
		"assertSessionUnpinned":                opAssertSessionUnpinned,
		"assertSessionTransactionState":        opAssertSessionTransactionState,
		"assertSameLsidOnLastTwoCommands":      opAssertSameLsid,
		"assertDifferentLsidOnLastTwoCommands": opAssertDifferentLsid,
		"assertCollectionExists":               opAssertCollectionExists,
		"assertCollectionNotExists":            opAssertCollectionNotExists,
		"assertIndexExists":                    opAssertIndexExists,
		"assertIndexNotExists":                 opAssertIndexNotExists,
		"waitForPrimaryChange":                 opWaitForPrimaryChange,
		"recordTopologyDescription":            opRecordTopologyDescription,
		"assertTopologyType":                   opAssertTopologyType,
	}
}

// dispatch routes one operation to its handler.
func (r *testRun) dispatch(ctx context.Context, op *Operation) (opResult, error) {
	h, ok := handlers[op.Name]
	if !ok {
		return opResult{}, types.NewConfigError("dispatch", "unsupported operation %q", op.Name)
	}

	r.cfg.Metrics.IncOperationTotal(op.Name)
	start := time.Now()
	res, err := h(ctx, r, op)
	r.cfg.Metrics.ObserveOperationDuration(op.Name, time.Since(start).Seconds())
	if err != nil || res.err != nil {
		r.cfg.Metrics.IncOperationError(op.Name)
	}
	if err == nil && res.err != nil && res.session != "" {
		r.markSessionError(res.session, res.err)
	}

	return res, err
}

// execute runs one operation and applies its expectations: expectError,
// expectResult, saveResultAsEntity, ignoreResultAndError.
func (r *testRun) execute(ctx context.Context, op *Operation) error {
	r.actx.Push("operation %q on %q", op.Name, op.Object)
	defer r.actx.Pop()

	res, err := r.dispatch(ctx, op)
	if err != nil {
		return err
	}

	if op.IgnoreResultAndError {
		return nil
	}

	if len(op.ExpectError) > 0 {
		return r.errorm.Assert(op.ExpectError, res.err, res.partial, res.hasPartial)
	}
	if res.err != nil {
		return res.err
	}

	if op.HasExpectResult() {
		if !res.hasVal {
			return r.actx.Errorf("operation %q produced no result to match", op.Name)
		}
		if err := r.values.Match(op.ExpectResult, res.val); err != nil {
			return err
		}
	}

	if op.SaveResultAsEntity != "" && !res.saved {
		if !res.hasVal {
			return types.NewConfigError("dispatch", "operation %q produced no result to save as %q",
				op.Name, op.SaveResultAsEntity)
		}
		r.reg.StoreValue(op.SaveResultAsEntity, res.val)
	}

	return nil
}

// argElements returns the operation's argument elements, tolerating a
// missing arguments document.
func argElements(op *Operation) ([]bson.RawElement, error) {
	if len(op.Arguments) == 0 {
		return nil, nil
	}

	elems, err := op.Arguments.Elements()
	if err != nil {
		return nil, types.NewConfigError("dispatch", "operation %q carries invalid arguments: %v", op.Name, err)
	}

	return elems, nil
}

func unsupportedArg(op *Operation, key string) error {
	return types.NewConfigError("dispatch", "operation %q does not support argument %q", op.Name, key)
}

func badArg(op *Operation, key, want string) error {
	return types.NewConfigError("dispatch", "operation %q argument %q must be %s", op.Name, key, want)
}

// sessionContext resolves a session entity and returns a context bound to
// it.
func (r *testRun) sessionContext(ctx context.Context, id string) (context.Context, error) {
	sess, err := r.reg.Session(id)
	if err != nil {
		return nil, err
	}

	return mongo.NewSessionContext(ctx, sess), nil
}

// markSessionError flags the session dirty when an operation running under
// it hits a network-level failure, mirroring server session dirtying.
func (r *testRun) markSessionError(id string, err error) {
	var se mongo.ServerError
	network := mongo.IsTimeout(err) || !errors.As(err, &se)
	if !network && se != nil {
		network = se.HasErrorLabel("RetryableWriteError") || se.HasErrorLabel("TransientTransactionError")
	}
	if network {
		r.sessionState(id).dirty = true
	}
}
