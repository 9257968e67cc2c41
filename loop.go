package veritas

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arloliu/veritas/types"
)

// opLoop repeats a list of operations until the runner's termination
// callback fires, routing mid-iteration failures into the configured
// bucket entities instead of failing the test.
func opLoop(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	var ops []*Operation
	errorsID := ""
	failuresID := ""
	successesID := ""
	iterationsID := ""
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "operations":
			nested, nestedErr := nestedOperations(val)
			if nestedErr != nil {
				return false, nestedErr
			}
			ops = nested
		case "storeErrorsAsEntity":
			errorsID, _ = val.StringValueOK()
		case "storeFailuresAsEntity":
			failuresID, _ = val.StringValueOK()
		case "storeSuccessesAsEntity":
			successesID, _ = val.StringValueOK()
		case "storeIterationsAsEntity":
			iterationsID, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if ops == nil {
		return opResult{}, missingArg(op, "operations")
	}

	if errorsID != "" {
		if err := r.reg.CreateDocList(errorsID); err != nil {
			return opResult{}, err
		}
	}
	if failuresID != "" {
		if err := r.reg.CreateDocList(failuresID); err != nil {
			return opResult{}, err
		}
	}
	if successesID != "" {
		if err := r.reg.CreateCounter(successesID); err != nil {
			return opResult{}, err
		}
	}
	if iterationsID != "" {
		if err := r.reg.CreateCounter(iterationsID); err != nil {
			return opResult{}, err
		}
	}

	// Without a termination callback the body runs exactly once.
	done := r.cfg.LoopDone
	for {
		if ctx.Err() != nil {
			return opResult{}, ctx.Err()
		}
		if done != nil && done() {
			break
		}

		if iterationsID != "" {
			if err := r.reg.AddToCounter(iterationsID, 1); err != nil {
				return opResult{}, err
			}
		}

		for _, nested := range ops {
			execErr := r.execute(ctx, nested)
			if execErr == nil {
				if successesID != "" {
					if err := r.reg.AddToCounter(successesID, 1); err != nil {
						return opResult{}, err
					}
				}

				continue
			}
			if types.IsConfigError(execErr) {
				return opResult{}, execErr
			}

			bucket := loopBucket(execErr, failuresID, errorsID)
			if bucket == "" {
				return opResult{}, execErr
			}
			if err := r.reg.AppendDocs(bucket, loopFailureDoc(execErr)); err != nil {
				return opResult{}, err
			}

			// Abandon the rest of this iteration and start over.
			break
		}

		if done == nil {
			break
		}
	}

	return emptyResult(), nil
}

// loopBucket picks the entity a loop failure lands in: assertion
// failures prefer the failures bucket, everything else prefers the
// errors bucket, and either kind falls back to the other.
func loopBucket(err error, failuresID, errorsID string) string {
	if types.IsAssertionError(err) {
		if failuresID != "" {
			return failuresID
		}

		return errorsID
	}

	if errorsID != "" {
		return errorsID
	}

	return failuresID
}

func loopFailureDoc(err error) bson.Raw {
	doc, marshalErr := bson.Marshal(bson.D{
		{Key: "error", Value: err.Error()},
		{Key: "time", Value: float64(time.Now().UnixNano()) / float64(time.Second)},
	})
	if marshalErr != nil {
		return nil
	}

	return bson.Raw(doc)
}
