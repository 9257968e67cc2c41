package veritas

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/arloliu/veritas/types"
)

func opCreateDataKey(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	ce, err := r.reg.ClientEncryption(op.Object)
	if err != nil {
		return opResult{}, err
	}

	provider := ""
	dkOpts := options.DataKey()
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "kmsProvider":
			provider, _ = val.StringValueOK()
		case "opts":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			if optErr := applyDataKeyOpts(dkOpts, doc); optErr != nil {
				return false, optErr
			}
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if provider == "" {
		return opResult{}, missingArg(op, "kmsProvider")
	}

	keyID, opErr := ce.CreateDataKey(ctx, provider, dkOpts)
	if opErr != nil {
		return opResult{err: opErr}, nil
	}

	return resultOf(keyID)
}

func applyDataKeyOpts(dkOpts *options.DataKeyOptions, doc bson.Raw) error {
	elems, err := doc.Elements()
	if err != nil {
		return types.NewConfigError("dispatch", "invalid createDataKey opts: %v", err)
	}

	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "masterKey":
			master, ok := val.DocumentOK()
			if !ok {
				return types.NewConfigError("dispatch", "masterKey must be a document")
			}
			dkOpts.SetMasterKey(master)
		case "keyAltNames":
			names, ok := stringsArg(val)
			if !ok {
				return types.NewConfigError("dispatch", "keyAltNames must be an array of strings")
			}
			dkOpts.SetKeyAltNames(names)
		case "keyMaterial":
			bin, binErr := binaryArg(val)
			if binErr != nil {
				return binErr
			}
			dkOpts.SetKeyMaterial(bin.Data)
		default:
			return types.NewConfigError("dispatch", "unsupported createDataKey opt %q", elem.Key())
		}
	}

	return nil
}

func opGetKey(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	ce, err := r.reg.ClientEncryption(op.Object)
	if err != nil {
		return opResult{}, err
	}

	keyID, err := keyIDArg(op)
	if err != nil {
		return opResult{}, err
	}

	sr := ce.GetKey(ctx, keyID)

	return singleDocResult(sr, "")
}

func opGetKeys(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	ce, err := r.reg.ClientEncryption(op.Object)
	if err != nil {
		return opResult{}, err
	}
	if err := rejectArgs(op); err != nil {
		return opResult{}, err
	}

	cursor, opErr := ce.GetKeys(ctx)
	if opErr != nil {
		return opResult{err: opErr}, nil
	}
	docs, opErr := drainCursor(ctx, cursor)
	if opErr != nil {
		return opResult{err: opErr}, nil
	}

	return resultOf(docs)
}

func opGetKeyByAltName(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	ce, err := r.reg.ClientEncryption(op.Object)
	if err != nil {
		return opResult{}, err
	}

	altName := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "keyAltName":
			altName, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if altName == "" {
		return opResult{}, missingArg(op, "keyAltName")
	}

	sr := ce.GetKeyByAltName(ctx, altName)

	return singleDocResult(sr, "")
}

func opAddKeyAltName(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return runKeyAltName(ctx, r, op, true)
}

func opRemoveKeyAltName(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return runKeyAltName(ctx, r, op, false)
}

func runKeyAltName(ctx context.Context, r *testRun, op *Operation, add bool) (opResult, error) {
	ce, err := r.reg.ClientEncryption(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var keyID primitive.Binary
	hasID := false
	altName := ""
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "id":
			bin, binErr := binaryArg(val)
			if binErr != nil {
				return false, binErr
			}
			keyID = bin
			hasID = true
		case "keyAltName":
			altName, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if !hasID || altName == "" {
		return opResult{}, missingArg(op, "id and keyAltName")
	}

	var sr *mongo.SingleResult
	if add {
		sr = ce.AddKeyAltName(ctx, keyID, altName)
	} else {
		sr = ce.RemoveKeyAltName(ctx, keyID, altName)
	}

	return singleDocResult(sr, "")
}

func opDeleteKey(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	ce, err := r.reg.ClientEncryption(op.Object)
	if err != nil {
		return opResult{}, err
	}

	keyID, err := keyIDArg(op)
	if err != nil {
		return opResult{}, err
	}

	deleteRes, opErr := ce.DeleteKey(ctx, keyID)
	if opErr != nil {
		return opResult{err: opErr}, nil
	}

	return resultOf(bson.D{{Key: "deletedCount", Value: deleteRes.DeletedCount}})
}

func opRewrapManyDataKey(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	ce, err := r.reg.ClientEncryption(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var filter bson.Raw
	rwOpts := options.RewrapManyDataKey()
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "filter":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			filter = doc
		case "opts":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			if optErr := applyRewrapOpts(rwOpts, doc); optErr != nil {
				return false, optErr
			}
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

	rewrapRes, opErr := ce.RewrapManyDataKey(ctx, filter, rwOpts)
	if opErr != nil {
		return opResult{err: opErr}, nil
	}

	doc := bson.D{}
	if rewrapRes.BulkWriteResult != nil {
		doc = append(doc, bson.E{Key: "bulkWriteResult", Value: bulkResultDoc(rewrapRes.BulkWriteResult)})
	}

	return resultOf(doc)
}

func applyRewrapOpts(rwOpts *options.RewrapManyDataKeyOptions, doc bson.Raw) error {
	elems, err := doc.Elements()
	if err != nil {
		return types.NewConfigError("dispatch", "invalid rewrapManyDataKey opts: %v", err)
	}

	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "provider":
			s, ok := val.StringValueOK()
			if !ok {
				return types.NewConfigError("dispatch", "provider must be a string")
			}
			rwOpts.SetProvider(s)
		case "masterKey":
			master, ok := val.DocumentOK()
			if !ok {
				return types.NewConfigError("dispatch", "masterKey must be a document")
			}
			rwOpts.SetMasterKey(master)
		default:
			return types.NewConfigError("dispatch", "unsupported rewrapManyDataKey opt %q", elem.Key())
		}
	}

	return nil
}

// keyIDArg reads the single "id" argument common to key vault lookups.
func keyIDArg(op *Operation) (primitive.Binary, error) {
	var keyID primitive.Binary
	hasID := false
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "id":
			bin, binErr := binaryArg(val)
			if binErr != nil {
				return false, binErr
			}
			keyID = bin
			hasID = true
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return primitive.Binary{}, err
	}
	if !hasID {
		return primitive.Binary{}, missingArg(op, "id")
	}

	return keyID, nil
}

func binaryArg(val bson.RawValue) (primitive.Binary, error) {
	if val.Type != bsontype.Binary {
		return primitive.Binary{}, types.NewConfigError("dispatch", "expected a binary value, got %s", val.Type)
	}
	subtype, data := val.Binary()

	return primitive.Binary{Subtype: subtype, Data: data}, nil
}
