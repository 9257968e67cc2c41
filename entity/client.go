package entity

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/arloliu/veritas/capture"
	"github.com/arloliu/veritas/types"
)

// Client bundles a driver client with the recorders observing it.
type Client struct {
	// ID is the scenario entity id.
	ID string

	// Client is the underlying driver client.
	Client *mongo.Client

	// Commands records command monitoring events, nil when none are
	// observed.
	Commands *capture.CommandRecorder

	// Pools records connection pool events. Always attached so checked-out
	// connection counting works even when no pool events are observed.
	Pools *capture.PoolRecorder

	// Servers records server and topology description changes.
	Servers *capture.ServerRecorder

	// Logs captures structured driver log messages, nil when log
	// observation is not requested.
	Logs *capture.LogRecorder
}

// ClientSpec is a parsed client entity definition.
type ClientSpec struct {
	ID                       string
	URIOptions               bson.Raw
	ObserveEvents            []string
	IgnoredCommands          []string
	ObserveLogMessages       bson.Raw
	ObserveSensitiveCommands bool
	ServerAPIVersion         string
}

func parseClientSpec(doc bson.Raw) (*ClientSpec, error) {
	spec := &ClientSpec{}

	elems, err := doc.Elements()
	if err != nil {
		return nil, types.NewConfigError("entity", "invalid client entity document: %v", err)
	}
	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "id":
			id, ok := val.StringValueOK()
			if !ok {
				return nil, types.NewConfigError("entity", "client id must be a string")
			}
			spec.ID = id
		case "uriOptions":
			opts, ok := val.DocumentOK()
			if !ok {
				return nil, types.NewConfigError("entity", "client uriOptions must be a document")
			}
			spec.URIOptions = opts
		case "useMultipleMongoses":
			// Accepted for scenario compatibility; the harness always
			// connects with the configured URI.
			if _, ok := val.BooleanOK(); !ok {
				return nil, types.NewConfigError("entity", "client useMultipleMongoses must be a boolean")
			}
		case "observeEvents":
			kinds, err := stringArray(val)
			if err != nil {
				return nil, types.NewConfigError("entity", "client observeEvents: %v", err)
			}
			spec.ObserveEvents = kinds
		case "ignoreCommandMonitoringEvents":
			names, err := stringArray(val)
			if err != nil {
				return nil, types.NewConfigError("entity", "client ignoreCommandMonitoringEvents: %v", err)
			}
			spec.IgnoredCommands = names
		case "observeLogMessages":
			doc, ok := val.DocumentOK()
			if !ok {
				return nil, types.NewConfigError("entity", "client observeLogMessages must be a document")
			}
			spec.ObserveLogMessages = doc
		case "observeSensitiveCommands":
			sens, ok := val.BooleanOK()
			if !ok {
				return nil, types.NewConfigError("entity", "client observeSensitiveCommands must be a boolean")
			}
			spec.ObserveSensitiveCommands = sens
		case "serverApi":
			api, ok := val.DocumentOK()
			if !ok {
				return nil, types.NewConfigError("entity", "client serverApi must be a document")
			}
			version, err := api.LookupErr("version")
			if err != nil {
				return nil, types.NewConfigError("entity", "client serverApi requires a version")
			}
			v, ok := version.StringValueOK()
			if !ok {
				return nil, types.NewConfigError("entity", "client serverApi version must be a string")
			}
			spec.ServerAPIVersion = v
		default:
			return nil, types.NewConfigError("entity", "unsupported client entity option %q", elem.Key())
		}
	}

	if spec.ID == "" {
		return nil, types.NewConfigError("entity", "client entity requires an id")
	}

	return spec, nil
}

// buildClient connects a driver client per the spec, attaching recorders
// for the observed event kinds.
func buildClient(ctx context.Context, spec *ClientSpec, baseURI string) (*Client, error) {
	var commandKinds, poolKinds []string
	for _, kind := range spec.ObserveEvents {
		switch kind {
		case capture.CommandStarted, capture.CommandSucceeded, capture.CommandFailed:
			commandKinds = append(commandKinds, kind)
		case capture.PoolCreated, capture.PoolReady, capture.PoolCleared, capture.PoolClosed,
			capture.ConnectionCreated, capture.ConnectionReady, capture.ConnectionClosed,
			capture.ConnectionCheckOutStart, capture.ConnectionCheckOutFail,
			capture.ConnectionCheckedOut, capture.ConnectionCheckedIn:
			poolKinds = append(poolKinds, kind)
		case capture.ServerDescriptionChanged, capture.TopologyDescriptionChanged:
			// The server recorder is always attached below.
		default:
			return nil, types.NewConfigError("entity", "client %q observes unknown event kind %q", spec.ID, kind)
		}
	}

	ent := &Client{
		ID:      spec.ID,
		Pools:   capture.NewPoolRecorder(poolKinds),
		Servers: capture.NewServerRecorder(),
	}
	if len(commandKinds) > 0 {
		ent.Commands = capture.NewCommandRecorder(capture.CommandRecorderConfig{
			Observed:         commandKinds,
			IgnoredCommands:  spec.IgnoredCommands,
			ObserveSensitive: spec.ObserveSensitiveCommands,
		})
	}

	opts := options.Client().ApplyURI(baseURI)
	opts.SetPoolMonitor(ent.Pools.Monitor())
	opts.SetServerMonitor(ent.Servers.Monitor())
	if ent.Commands != nil {
		opts.SetMonitor(ent.Commands.Monitor())
	}

	if spec.ServerAPIVersion != "" {
		if spec.ServerAPIVersion != string(options.ServerAPIVersion1) {
			return nil, types.NewConfigError("entity", "client %q requests unsupported server API version %q", spec.ID, spec.ServerAPIVersion)
		}
		opts.SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1))
	}

	if len(spec.ObserveLogMessages) > 0 {
		ent.Logs = capture.NewLogRecorder()
		logOpts := options.Logger().SetSink(ent.Logs)
		if err := applyLogComponents(logOpts, spec.ObserveLogMessages); err != nil {
			return nil, err
		}
		opts.SetLoggerOptions(logOpts)
	}

	if err := applyURIOptions(opts, spec.URIOptions); err != nil {
		return nil, err
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, types.NewConfigError("entity", "connecting client %q: %v", spec.ID, err)
	}
	ent.Client = client

	return ent, nil
}

// applyLogComponents maps {component: maxLevel} pairs onto driver logger
// options.
func applyLogComponents(logOpts *options.LoggerOptions, doc bson.Raw) error {
	elems, err := doc.Elements()
	if err != nil {
		return types.NewConfigError("entity", "invalid observeLogMessages document: %v", err)
	}

	for _, elem := range elems {
		levelName, ok := elem.Value().StringValueOK()
		if !ok {
			return types.NewConfigError("entity", "observeLogMessages levels must be strings")
		}

		var level options.LogLevel
		switch levelName {
		case "debug", "trace":
			level = options.LogLevelDebug
		case "info", "notice", "warning", "error", "critical":
			level = options.LogLevelInfo
		default:
			return types.NewConfigError("entity", "unsupported log level %q", levelName)
		}

		var component options.LogComponent
		switch elem.Key() {
		case "command":
			component = options.LogComponentCommand
		case "topology":
			component = options.LogComponentTopology
		case "serverSelection":
			component = options.LogComponentServerSelection
		case "connection":
			component = options.LogComponentConnection
		case "all":
			component = options.LogComponentAll
		default:
			return types.NewConfigError("entity", "unsupported log component %q", elem.Key())
		}

		logOpts.SetComponentLevel(component, level)
	}

	return nil
}

// applyURIOptions overlays scenario uriOptions onto the client options.
func applyURIOptions(opts *options.ClientOptions, uriOpts bson.Raw) error {
	if len(uriOpts) == 0 {
		return nil
	}

	elems, err := uriOpts.Elements()
	if err != nil {
		return types.NewConfigError("entity", "invalid uriOptions document: %v", err)
	}

	for _, elem := range elems {
		key := elem.Key()
		val := elem.Value()

		switch key {
		case "retryWrites":
			b, ok := val.BooleanOK()
			if !ok {
				return badURIOption(key)
			}
			opts.SetRetryWrites(b)
		case "retryReads":
			b, ok := val.BooleanOK()
			if !ok {
				return badURIOption(key)
			}
			opts.SetRetryReads(b)
		case "directConnection":
			b, ok := val.BooleanOK()
			if !ok {
				return badURIOption(key)
			}
			opts.SetDirect(b)
		case "appname", "appName":
			s, ok := val.StringValueOK()
			if !ok {
				return badURIOption(key)
			}
			opts.SetAppName(s)
		case "heartbeatFrequencyMS":
			ms, ok := asInt(val)
			if !ok {
				return badURIOption(key)
			}
			opts.SetHeartbeatInterval(millis(ms))
		case "serverSelectionTimeoutMS":
			ms, ok := asInt(val)
			if !ok {
				return badURIOption(key)
			}
			opts.SetServerSelectionTimeout(millis(ms))
		case "socketTimeoutMS":
			ms, ok := asInt(val)
			if !ok {
				return badURIOption(key)
			}
			opts.SetSocketTimeout(millis(ms))
		case "connectTimeoutMS":
			ms, ok := asInt(val)
			if !ok {
				return badURIOption(key)
			}
			opts.SetConnectTimeout(millis(ms))
		case "timeoutMS":
			ms, ok := asInt(val)
			if !ok {
				return badURIOption(key)
			}
			opts.SetTimeout(millis(ms))
		case "maxPoolSize":
			n, ok := asInt(val)
			if !ok {
				return badURIOption(key)
			}
			opts.SetMaxPoolSize(uint64(n))
		case "minPoolSize":
			n, ok := asInt(val)
			if !ok {
				return badURIOption(key)
			}
			opts.SetMinPoolSize(uint64(n))
		case "maxIdleTimeMS":
			ms, ok := asInt(val)
			if !ok {
				return badURIOption(key)
			}
			opts.SetMaxConnIdleTime(millis(ms))
		case "waitQueueTimeoutMS":
			// The driver has no wait queue timeout; scenarios using it are
			// rejected so failures are explicit.
			return types.NewConfigError("entity", "uriOptions waitQueueTimeoutMS is not supported")
		case "w":
			wc, err := parseWriteConcern(singletonDoc("w", val))
			if err != nil {
				return err
			}
			opts.SetWriteConcern(wc)
		case "readConcernLevel":
			rc, err := parseReadConcern(singletonDoc("level", val))
			if err != nil {
				return err
			}
			opts.SetReadConcern(rc)
		default:
			return types.NewConfigError("entity", "unsupported uriOptions key %q", key)
		}
	}

	return nil
}

func badURIOption(key string) error {
	return types.NewConfigError("entity", "uriOptions %q carries an invalid value", key)
}

// singletonDoc rebuilds a one-element document so scalar uriOptions reuse
// the document-based option parsers.
func singletonDoc(key string, val bson.RawValue) bson.Raw {
	doc, _ := bson.Marshal(bson.D{{Key: key, Value: rawValueAny(val)}})

	return bson.Raw(doc)
}

func rawValueAny(val bson.RawValue) any {
	var out any
	_ = val.Unmarshal(&out)

	return out
}

func stringArray(val bson.RawValue) ([]string, error) {
	arr, ok := val.ArrayOK()
	if !ok {
		return nil, types.NewConfigError("entity", "expected an array of strings")
	}
	vals, err := arr.Values()
	if err != nil {
		return nil, types.NewConfigError("entity", "invalid array: %v", err)
	}

	out := make([]string, 0, len(vals))
	for _, v := range vals {
		s, ok := v.StringValueOK()
		if !ok {
			return nil, types.NewConfigError("entity", "expected an array of strings")
		}
		out = append(out, s)
	}

	return out, nil
}
