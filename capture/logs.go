package capture

import (
	"fmt"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// Log levels as they appear in scenario expectations.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelError = "error"
)

// Log components as they appear in scenario expectations.
const (
	LogComponentCommand         = "command"
	LogComponentTopology        = "topology"
	LogComponentServerSelection = "serverSelection"
	LogComponentConnection      = "connection"
)

// LogMessage is a captured structured log record.
type LogMessage struct {
	// Level is the scenario-facing level name ("debug", "info", "error").
	Level string

	// Component is the driver component the message belongs to.
	Component string

	// Data is a document holding the message text (under "message") and
	// the structured key/value pairs attached to the record.
	Data bson.Raw
}

// LogRecorder captures structured log records emitted by a driver client.
//
// It implements the driver's options.LogSink interface: the driver calls
// Info with a verbosity level (0 maps to info, higher values to debug) and
// Error for error records. The component is recovered from the message
// text, since the sink interface does not carry it explicitly.
type LogRecorder struct {
	mu       sync.Mutex
	messages []LogMessage
}

// NewLogRecorder creates an empty log recorder.
func NewLogRecorder() *LogRecorder {
	return &LogRecorder{}
}

// Info records an info- or debug-level message. Part of options.LogSink.
func (r *LogRecorder) Info(level int, msg string, keysAndValues ...any) {
	name := LogLevelInfo
	if level > 0 {
		name = LogLevelDebug
	}
	r.append(name, msg, keysAndValues)
}

// Error records an error-level message. Part of options.LogSink.
func (r *LogRecorder) Error(err error, msg string, keysAndValues ...any) {
	kv := append([]any{}, keysAndValues...)
	if err != nil {
		kv = append(kv, "failure", err.Error())
	}
	r.append(LogLevelError, msg, kv)
}

// Messages returns a snapshot of all captured log records in capture order.
func (r *LogRecorder) Messages() []LogMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]LogMessage, len(r.messages))
	copy(out, r.messages)

	return out
}

func (r *LogRecorder) append(level, msg string, keysAndValues []any) {
	data := bson.D{{Key: "message", Value: msg}}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		data = append(data, bson.E{Key: key, Value: normalizeLogValue(keysAndValues[i+1])})
	}

	doc, err := bson.Marshal(data)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, LogMessage{
		Level:     level,
		Component: componentForMessage(msg),
		Data:      doc,
	})
}

// normalizeLogValue coerces values the BSON encoder cannot handle into
// strings.
func normalizeLogValue(v any) any {
	switch val := v.(type) {
	case string, int, int32, int64, float64, bool, nil:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprint(val)
	}
}

// componentForMessage maps a driver log message to its component. The sink
// interface does not expose the component, but the driver's message texts
// are stable per component.
func componentForMessage(msg string) string {
	switch {
	case strings.HasPrefix(msg, "Command "):
		return LogComponentCommand
	case strings.HasPrefix(msg, "Server selection "):
		return LogComponentServerSelection
	case strings.Contains(msg, "onnection"), strings.Contains(msg, "pool"):
		return LogComponentConnection
	case strings.Contains(msg, "opology"), strings.Contains(msg, "heartbeat"):
		return LogComponentTopology
	default:
		return LogComponentCommand
	}
}
