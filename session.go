package veritas

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/arloliu/veritas/entity"
	"github.com/arloliu/veritas/types"
)

func opStartTransaction(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	sess, err := r.reg.Session(op.Object)
	if err != nil {
		return opResult{}, err
	}

	opts, err := transactionOptions(op)
	if err != nil {
		return opResult{}, err
	}

	if opErr := sess.StartTransaction(opts); opErr != nil {
		return opResult{err: opErr, session: op.Object}, nil
	}

	state := r.sessionState(op.Object)
	state.txn = "starting"

	return opResult{session: op.Object}, nil
}

func opCommitTransaction(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	sess, err := r.reg.Session(op.Object)
	if err != nil {
		return opResult{}, err
	}

	opErr := sess.CommitTransaction(ctx)
	state := r.sessionState(op.Object)
	state.pinned = false
	if opErr != nil {
		return opResult{err: opErr, session: op.Object}, nil
	}
	state.txn = "committed"

	return opResult{session: op.Object}, nil
}

func opAbortTransaction(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	sess, err := r.reg.Session(op.Object)
	if err != nil {
		return opResult{}, err
	}

	opErr := sess.AbortTransaction(ctx)
	state := r.sessionState(op.Object)
	state.pinned = false
	if opErr != nil {
		return opResult{err: opErr, session: op.Object}, nil
	}
	state.txn = "aborted"

	return opResult{session: op.Object}, nil
}

// opWithTransaction runs a callback of nested operations inside the
// driver's convenient-transaction loop, which handles transient-error
// retries itself.
func opWithTransaction(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	sess, err := r.reg.Session(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var callback []*Operation
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "callback":
			ops, cbErr := nestedOperations(val)
			if cbErr != nil {
				return false, cbErr
			}
			callback = ops
		case "readConcern", "writeConcern", "readPreference", "maxCommitTimeMS":
			// Parsed below by transactionOptions.
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if callback == nil {
		return opResult{}, missingArg(op, "callback")
	}

	opts, err := transactionOptions(op)
	if err != nil {
		return opResult{}, err
	}

	state := r.sessionState(op.Object)
	_, opErr := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		state.txn = "in_progress"
		state.pinned = true
		for _, nested := range callback {
			if execErr := r.execute(sc, nested); execErr != nil {
				return nil, execErr
			}
		}

		return nil, nil
	}, opts)
	state.pinned = false
	if opErr != nil {
		state.txn = "aborted"
		// A config or assertion failure inside the callback is a harness
		// problem, not an operation outcome.
		if types.IsConfigError(opErr) || types.IsAssertionError(opErr) {
			return opResult{}, opErr
		}

		return opResult{err: opErr, session: op.Object}, nil
	}
	state.txn = "committed"

	return opResult{session: op.Object}, nil
}

func opEndSession(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	sess, err := r.reg.Session(op.Object)
	if err != nil {
		return opResult{}, err
	}

	sess.EndSession(ctx)
	state := r.sessionState(op.Object)
	state.pinned = false

	return emptyResult(), nil
}

// transactionOptions builds driver transaction options from the
// operation's readConcern, writeConcern, readPreference and
// maxCommitTimeMS arguments.
func transactionOptions(op *Operation) (*options.TransactionOptions, error) {
	opts := options.Transaction()
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "readConcern":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			rc, rcErr := entity.ParseReadConcern(doc)
			if rcErr != nil {
				return false, rcErr
			}
			opts.SetReadConcern(rc)
		case "writeConcern":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			wc, wcErr := entity.ParseWriteConcern(doc)
			if wcErr != nil {
				return false, wcErr
			}
			opts.SetWriteConcern(wc)
		case "readPreference":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			rp, rpErr := entity.ParseReadPreference(doc)
			if rpErr != nil {
				return false, rpErr
			}
			opts.SetReadPreference(rp)
		case "maxCommitTimeMS":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetMaxCommitTime(millisDurationPtr(n))
		case "callback", "session":
			// Handled by the callers.
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	return opts, nil
}

func millisDurationPtr(ms int64) *time.Duration {
	d := millisDuration(ms)

	return &d
}

// nestedOperations decodes an array of operation documents, as used by
// withTransaction callbacks, loop bodies and runOnThread.
func nestedOperations(val bson.RawValue) ([]*Operation, error) {
	arr, ok := val.ArrayOK()
	if !ok {
		return nil, types.NewConfigError("dispatch", "nested operations must be an array")
	}
	vals, err := arr.Values()
	if err != nil {
		return nil, types.NewConfigError("dispatch", "invalid nested operation array: %v", err)
	}

	ops := make([]*Operation, 0, len(vals))
	for _, v := range vals {
		var nested Operation
		if err := v.Unmarshal(&nested); err != nil {
			return nil, types.NewConfigError("dispatch", "invalid nested operation: %v", err)
		}
		ops = append(ops, &nested)
	}

	return ops, nil
}
