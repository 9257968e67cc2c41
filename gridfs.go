package veritas

import (
	"bytes"
	"context"
	"encoding/hex"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/arloliu/veritas/types"
)

func opGridFSUpload(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	bucket, err := r.reg.Bucket(op.Object)
	if err != nil {
		return opResult{}, err
	}

	filename := ""
	var source []byte
	opts := options.GridFSUpload()
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "filename":
			filename, _ = val.StringValueOK()
		case "source":
			data, srcErr := hexBytesArg(val)
			if srcErr != nil {
				return false, srcErr
			}
			source = data
		case "chunkSizeBytes":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetChunkSizeBytes(int32(n))
		case "metadata":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			opts.SetMetadata(doc)
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if filename == "" {
		return opResult{}, missingArg(op, "filename")
	}
	if source == nil {
		return opResult{}, missingArg(op, "source")
	}

	id, opErr := bucket.UploadFromStream(filename, bytes.NewReader(source), opts)
	if opErr != nil {
		return opResult{err: opErr}, nil
	}

	return resultOf(id)
}

func opGridFSDownload(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	bucket, err := r.reg.Bucket(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var id bson.RawValue
	hasID := false
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "id":
			id = val
			hasID = true
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if !hasID {
		return opResult{}, missingArg(op, "id")
	}

	var buf bytes.Buffer
	if _, opErr := bucket.DownloadToStream(anyValue(id), &buf); opErr != nil {
		return opResult{err: opErr}, nil
	}

	return resultOf(primitive.Binary{Subtype: 0x00, Data: buf.Bytes()})
}

func opGridFSDownloadByName(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	bucket, err := r.reg.Bucket(op.Object)
	if err != nil {
		return opResult{}, err
	}

	filename := ""
	opts := options.GridFSName()
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "filename":
			filename, _ = val.StringValueOK()
		case "revision":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			opts.SetRevision(int32(n))
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if filename == "" {
		return opResult{}, missingArg(op, "filename")
	}

	var buf bytes.Buffer
	if _, opErr := bucket.DownloadToStreamByName(filename, &buf, opts); opErr != nil {
		return opResult{err: opErr}, nil
	}

	return resultOf(primitive.Binary{Subtype: 0x00, Data: buf.Bytes()})
}

func opGridFSDelete(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	bucket, err := r.reg.Bucket(op.Object)
	if err != nil {
		return opResult{}, err
	}

	var id bson.RawValue
	hasID := false
	err = walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "id":
			id = val
			hasID = true
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if !hasID {
		return opResult{}, missingArg(op, "id")
	}

	if opErr := bucket.Delete(anyValue(id)); opErr != nil {
		return opResult{err: opErr}, nil
	}

	return emptyResult(), nil
}

// hexBytesArg decodes a {"$$hexBytes": "<hex>"} upload source.
func hexBytesArg(val bson.RawValue) ([]byte, error) {
	doc, ok := val.DocumentOK()
	if !ok {
		return nil, types.NewConfigError("dispatch", "upload source must be a $$hexBytes document")
	}
	raw, err := doc.LookupErr("$$hexBytes")
	if err != nil {
		return nil, types.NewConfigError("dispatch", "upload source must carry $$hexBytes")
	}
	s, ok := raw.StringValueOK()
	if !ok {
		return nil, types.NewConfigError("dispatch", "$$hexBytes must be a string")
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, types.NewConfigError("dispatch", "invalid $$hexBytes value: %v", err)
	}

	return data, nil
}
