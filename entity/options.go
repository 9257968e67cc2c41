package entity

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/arloliu/veritas/types"
)

// parseReadConcern converts a {level: "..."} document.
// ParseReadConcern builds a read concern from a scenario option document.
func ParseReadConcern(doc bson.Raw) (*readconcern.ReadConcern, error) {
	return parseReadConcern(doc)
}

// ParseWriteConcern builds a write concern from a scenario option document.
func ParseWriteConcern(doc bson.Raw) (*writeconcern.WriteConcern, error) {
	return parseWriteConcern(doc)
}

// ParseReadPreference builds a read preference from a scenario option
// document.
func ParseReadPreference(doc bson.Raw) (*readpref.ReadPref, error) {
	return parseReadPreference(doc)
}

func parseReadConcern(doc bson.Raw) (*readconcern.ReadConcern, error) {
	elems, err := doc.Elements()
	if err != nil {
		return nil, types.NewConfigError("entity", "invalid readConcern document: %v", err)
	}

	rc := &readconcern.ReadConcern{}
	for _, elem := range elems {
		switch elem.Key() {
		case "level":
			level, ok := elem.Value().StringValueOK()
			if !ok {
				return nil, types.NewConfigError("entity", "readConcern level must be a string")
			}
			rc.Level = level
		default:
			return nil, types.NewConfigError("entity", "unsupported readConcern option %q", elem.Key())
		}
	}

	return rc, nil
}

// parseWriteConcern converts a {w, journal, wtimeoutMS} document.
func parseWriteConcern(doc bson.Raw) (*writeconcern.WriteConcern, error) {
	elems, err := doc.Elements()
	if err != nil {
		return nil, types.NewConfigError("entity", "invalid writeConcern document: %v", err)
	}

	wc := &writeconcern.WriteConcern{}
	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "w":
			if s, ok := val.StringValueOK(); ok {
				wc.W = s
			} else if n, ok := asInt(val); ok {
				wc.W = int(n)
			} else {
				return nil, types.NewConfigError("entity", "writeConcern w must be a string or number")
			}
		case "journal", "j":
			j, ok := val.BooleanOK()
			if !ok {
				return nil, types.NewConfigError("entity", "writeConcern journal must be a boolean")
			}
			wc.Journal = &j
		case "wtimeoutMS":
			ms, ok := asInt(val)
			if !ok {
				return nil, types.NewConfigError("entity", "writeConcern wtimeoutMS must be a number")
			}
			wc.WTimeout = time.Duration(ms) * time.Millisecond
		default:
			return nil, types.NewConfigError("entity", "unsupported writeConcern option %q", elem.Key())
		}
	}

	return wc, nil
}

// parseReadPreference converts a {mode, maxStalenessSeconds} document.
func parseReadPreference(doc bson.Raw) (*readpref.ReadPref, error) {
	mode := ""
	var opts []readpref.Option

	elems, err := doc.Elements()
	if err != nil {
		return nil, types.NewConfigError("entity", "invalid readPreference document: %v", err)
	}
	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "mode":
			s, ok := val.StringValueOK()
			if !ok {
				return nil, types.NewConfigError("entity", "readPreference mode must be a string")
			}
			mode = s
		case "maxStalenessSeconds":
			secs, ok := asInt(val)
			if !ok {
				return nil, types.NewConfigError("entity", "readPreference maxStalenessSeconds must be a number")
			}
			opts = append(opts, readpref.WithMaxStaleness(time.Duration(secs)*time.Second))
		default:
			return nil, types.NewConfigError("entity", "unsupported readPreference option %q", elem.Key())
		}
	}

	return readPrefForMode(mode, opts...)
}

func readPrefForMode(mode string, opts ...readpref.Option) (*readpref.ReadPref, error) {
	switch mode {
	case "primary", "Primary":
		if len(opts) > 0 {
			return nil, types.NewConfigError("entity", "readPreference primary accepts no options")
		}

		return readpref.Primary(), nil
	case "primaryPreferred", "PrimaryPreferred":
		return readpref.PrimaryPreferred(opts...), nil
	case "secondary", "Secondary":
		return readpref.Secondary(opts...), nil
	case "secondaryPreferred", "SecondaryPreferred":
		return readpref.SecondaryPreferred(opts...), nil
	case "nearest", "Nearest":
		return readpref.Nearest(opts...), nil
	default:
		return nil, types.NewConfigError("entity", "unsupported readPreference mode %q", mode)
	}
}

func asInt(v bson.RawValue) (int64, bool) {
	if n, ok := v.Int32OK(); ok {
		return int64(n), true
	}
	if n, ok := v.Int64OK(); ok {
		return n, true
	}
	if f, ok := v.DoubleOK(); ok && f == float64(int64(f)) {
		return int64(f), true
	}

	return 0, false
}

func millis(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}
