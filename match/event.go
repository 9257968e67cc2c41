package match

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"github.com/arloliu/veritas/capture"
	"github.com/arloliu/veritas/types"
)

// eventPollInterval is the sampling period used while waiting for an
// event condition to become true.
const eventPollInterval = 10 * time.Millisecond

// EventMatcher validates recorded driver events against scenario event
// expectations.
type EventMatcher struct {
	values *ValueMatcher
	ctx    *AssertionContext
}

// NewEventMatcher creates an event matcher sharing the given assertion
// context with a value matcher for command/reply document checks.
func NewEventMatcher(resolver EntityResolver, ctx *AssertionContext) *EventMatcher {
	return &EventMatcher{values: NewValueMatcher(resolver, ctx), ctx: ctx}
}

// AssertCommandEvents checks the recorded command events against the
// expected list. With ignoreExtra false the counts must agree exactly and
// events match pairwise in order; with ignoreExtra true the expected list
// must occur as an order-preserving subsequence of the recorded events.
func (m *EventMatcher) AssertCommandEvents(expected []bson.Raw, events []capture.CommandEvent, ignoreExtra bool) error {
	m.ctx.Push("checking command events")
	defer m.ctx.Pop()

	if !ignoreExtra && len(expected) != len(events) {
		return m.ctx.Errorf("event count mismatch: expected %d, recorded %d", len(expected), len(events))
	}
	if len(expected) > len(events) {
		return m.ctx.Errorf("expected %d events but only %d were recorded", len(expected), len(events))
	}

	next := 0
	for i, exp := range expected {
		m.ctx.Push("event %d", i)

		matched := false
		for next < len(events) {
			evt := events[next]
			next++
			if err := m.matchCommandEvent(exp, evt); err == nil {
				matched = true

				break
			} else if !ignoreExtra {
				m.ctx.Pop()

				return err
			} else if types.IsConfigError(err) {
				m.ctx.Pop()

				return err
			}
		}
		if !matched {
			m.ctx.Pop()

			return m.ctx.Errorf("no recorded event matches expected event %d (%s)", i, eventKind(exp))
		}
		m.ctx.Pop()
	}

	return nil
}

// AssertPoolEvents checks recorded connection pool events the same way
// AssertCommandEvents checks command events.
func (m *EventMatcher) AssertPoolEvents(expected []bson.Raw, events []capture.PoolEvent, ignoreExtra bool) error {
	m.ctx.Push("checking connection pool events")
	defer m.ctx.Pop()

	if !ignoreExtra && len(expected) != len(events) {
		return m.ctx.Errorf("event count mismatch: expected %d, recorded %d", len(expected), len(events))
	}
	if len(expected) > len(events) {
		return m.ctx.Errorf("expected %d events but only %d were recorded", len(expected), len(events))
	}

	next := 0
	for i, exp := range expected {
		matched := false
		for next < len(events) {
			evt := events[next]
			next++
			err := m.matchPoolEvent(exp, evt)
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
			return m.ctx.Errorf("no recorded event matches expected event %d (%s)", i, eventKind(exp))
		}
	}

	return nil
}

// MatchesCommandEvent is the boolean form used when counting events.
func (m *EventMatcher) MatchesCommandEvent(expected bson.Raw, evt capture.CommandEvent) bool {
	return m.matchCommandEvent(expected, evt) == nil
}

// MatchesPoolEvent is the boolean form used when counting events.
func (m *EventMatcher) MatchesPoolEvent(expected bson.Raw, evt capture.PoolEvent) bool {
	return m.matchPoolEvent(expected, evt) == nil
}

// MatchesServerEvent is the boolean form used when counting topology and
// server description events.
func (m *EventMatcher) MatchesServerEvent(expected bson.Raw, evt capture.ServerEvent) bool {
	kind, body, err := splitEventDoc(expected)
	if err != nil || kind != evt.Kind {
		return false
	}

	return m.values.Matches(
		bson.RawValue{Type: bsontype.EmbeddedDocument, Value: body},
		bson.RawValue{Type: bsontype.EmbeddedDocument, Value: evt.Doc},
	)
}

func (m *EventMatcher) matchCommandEvent(expected bson.Raw, evt capture.CommandEvent) error {
	kind, body, err := splitEventDoc(expected)
	if err != nil {
		return err
	}
	if kind != evt.Kind {
		return m.ctx.Errorf("event kind mismatch: expected %s, recorded %s", kind, evt.Kind)
	}

	elems, elemsErr := body.Elements()
	if elemsErr != nil {
		return types.NewConfigError("match", "invalid %s expectation: %v", kind, elemsErr)
	}

	for _, elem := range elems {
		key := elem.Key()
		val := elem.Value()

		var checkErr error
		switch key {
		case "commandName":
			checkErr = m.assertStringField(key, val, evt.CommandName)
		case "databaseName":
			checkErr = m.assertStringField(key, val, evt.DatabaseName)
		case "command":
			checkErr = m.assertDocField(key, val, evt.Command)
		case "reply":
			checkErr = m.assertDocField(key, val, evt.Reply)
		case "hasServiceId":
			checkErr = m.assertBoolField(key, val, evt.HasServiceID)
		case "hasServerConnectionId":
			checkErr = m.assertBoolField(key, val, evt.HasServerConnectionID)
		default:
			checkErr = types.NewConfigError("match", "unsupported %s expectation field %q", kind, key)
		}
		if checkErr != nil {
			return checkErr
		}
	}

	return nil
}

func (m *EventMatcher) matchPoolEvent(expected bson.Raw, evt capture.PoolEvent) error {
	kind, body, err := splitEventDoc(expected)
	if err != nil {
		return err
	}
	if kind != evt.Kind {
		return m.ctx.Errorf("event kind mismatch: expected %s, recorded %s", kind, evt.Kind)
	}

	elems, elemsErr := body.Elements()
	if elemsErr != nil {
		return types.NewConfigError("match", "invalid %s expectation: %v", kind, elemsErr)
	}

	for _, elem := range elems {
		key := elem.Key()
		val := elem.Value()

		var checkErr error
		switch key {
		case "reason":
			checkErr = m.assertStringField(key, val, evt.Reason)
		case "address":
			checkErr = m.assertStringField(key, val, evt.Address)
		case "hasServiceId":
			checkErr = m.assertBoolField(key, val, evt.HasServiceID)
		case "interruptInUseConnections":
			// The recorder does not distinguish interrupted check-outs;
			// accept the field without further checks.
		default:
			checkErr = types.NewConfigError("match", "unsupported %s expectation field %q", kind, key)
		}
		if checkErr != nil {
			return checkErr
		}
	}

	return nil
}

func (m *EventMatcher) assertStringField(name string, expected bson.RawValue, actual string) error {
	want, ok := expected.StringValueOK()
	if !ok {
		return types.NewConfigError("match", "event field %q requires a string", name)
	}
	if want != actual {
		return m.ctx.Errorf("event field %q mismatch: expected %q, recorded %q", name, want, actual)
	}

	return nil
}

func (m *EventMatcher) assertBoolField(name string, expected bson.RawValue, actual bool) error {
	want, ok := expected.BooleanOK()
	if !ok {
		return types.NewConfigError("match", "event field %q requires a boolean", name)
	}
	if want != actual {
		return m.ctx.Errorf("event field %q mismatch: expected %v, recorded %v", name, want, actual)
	}

	return nil
}

func (m *EventMatcher) assertDocField(name string, expected bson.RawValue, actual bson.Raw) error {
	if actual == nil {
		return m.ctx.Errorf("event field %q expected but the recorded event carries no document", name)
	}

	m.ctx.Push("matching event %s", name)
	defer m.ctx.Pop()

	return m.values.Match(expected, bson.RawValue{Type: bsontype.EmbeddedDocument, Value: actual})
}

// WaitFor polls cond every 10ms until it reports true or the timeout
// elapses, returning a timeout-flagged assertion error in the latter case.
func (m *EventMatcher) WaitFor(timeout time.Duration, cond func() bool, format string, args ...any) error {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return nil
		}
		if time.Now().After(deadline) {
			return m.ctx.TimeoutErrorf(format, args...)
		}
		time.Sleep(eventPollInterval)
	}
}

// splitEventDoc unwraps the single-key {eventKind: {…}} expectation shape.
func splitEventDoc(doc bson.Raw) (string, bson.Raw, error) {
	elems, err := doc.Elements()
	if err != nil || len(elems) != 1 {
		return "", nil, types.NewConfigError("match", "event expectations must be single-key documents")
	}

	body, ok := elems[0].Value().DocumentOK()
	if !ok {
		return "", nil, types.NewConfigError("match", "event expectation %q requires a document body", elems[0].Key())
	}

	return elems[0].Key(), body, nil
}

func eventKind(doc bson.Raw) string {
	kind, _, err := splitEventDoc(doc)
	if err != nil {
		return "(invalid)"
	}

	return kind
}
