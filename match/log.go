package match

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"github.com/arloliu/veritas/capture"
	"github.com/arloliu/veritas/types"
)

// LogMatcher validates captured driver log messages against scenario log
// expectations.
type LogMatcher struct {
	values *ValueMatcher
	ctx    *AssertionContext
}

// NewLogMatcher creates a log matcher sharing the given assertion context.
func NewLogMatcher(resolver EntityResolver, ctx *AssertionContext) *LogMatcher {
	return &LogMatcher{values: NewValueMatcher(resolver, ctx), ctx: ctx}
}

// Assert checks the captured messages against the expected list. ignore
// holds message patterns to drop from the captured stream before
// comparison. With ignoreExtra false the remaining counts must agree
// exactly; with ignoreExtra true the expected list must occur as an
// order-preserving subsequence.
func (m *LogMatcher) Assert(expected []bson.Raw, msgs []capture.LogMessage, ignoreExtra bool, ignore []bson.Raw) error {
	m.ctx.Push("checking log messages")
	defer m.ctx.Pop()

	filtered := make([]capture.LogMessage, 0, len(msgs))
	for _, msg := range msgs {
		ignored := false
		for _, pattern := range ignore {
			if m.matchMessage(pattern, msg) == nil {
				ignored = true

				break
			}
		}
		if !ignored {
			filtered = append(filtered, msg)
		}
	}

	if !ignoreExtra && len(expected) != len(filtered) {
		return m.ctx.Errorf("log message count mismatch: expected %d, captured %d", len(expected), len(filtered))
	}
	if len(expected) > len(filtered) {
		return m.ctx.Errorf("expected %d log messages but only %d were captured", len(expected), len(filtered))
	}

	next := 0
	for i, exp := range expected {
		matched := false
		for next < len(filtered) {
			msg := filtered[next]
			next++
			err := m.matchMessage(exp, msg)
			if err == nil {
				matched = true

				break
			}
			if types.IsConfigError(err) {
				return err
			}
			if !ignoreExtra {
				return err
			}
		}
		if !matched {
			return m.ctx.Errorf("no captured log message matches expected message %d", i)
		}
	}

	return nil
}

func (m *LogMatcher) matchMessage(expected bson.Raw, msg capture.LogMessage) error {
	elems, err := expected.Elements()
	if err != nil {
		return types.NewConfigError("match", "invalid log message expectation: %v", err)
	}

	for _, elem := range elems {
		key := elem.Key()
		val := elem.Value()

		switch key {
		case "level":
			want, ok := val.StringValueOK()
			if !ok {
				return types.NewConfigError("match", "log expectation field %q requires a string", key)
			}
			if want != msg.Level {
				return m.ctx.Errorf("log level mismatch: expected %q, captured %q", want, msg.Level)
			}
		case "component":
			want, ok := val.StringValueOK()
			if !ok {
				return types.NewConfigError("match", "log expectation field %q requires a string", key)
			}
			if want != msg.Component {
				return m.ctx.Errorf("log component mismatch: expected %q, captured %q", want, msg.Component)
			}
		case "data":
			if err := m.values.Match(val, bson.RawValue{Type: bsontype.EmbeddedDocument, Value: msg.Data}); err != nil {
				return err
			}
		case "failureIsRedacted":
			want, ok := val.BooleanOK()
			if !ok {
				return types.NewConfigError("match", "log expectation field %q requires a boolean", key)
			}
			if _, lookupErr := msg.Data.LookupErr("failure"); want && lookupErr != nil {
				return m.ctx.Errorf("log message carries no failure field to redact")
			}
		default:
			return types.NewConfigError("match", "unsupported log expectation field %q", key)
		}
	}

	return nil
}
