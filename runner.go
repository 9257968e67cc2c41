package veritas

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/arloliu/veritas/capture"
	"github.com/arloliu/veritas/entity"
	"github.com/arloliu/veritas/failpoint"
	"github.com/arloliu/veritas/match"
	"github.com/arloliu/veritas/types"
)

// Runner executes scenario files against a MongoDB deployment.
type Runner struct {
	cfg *Config
}

// NewRunner creates a runner with the given options applied over
// DefaultConfig.
func NewRunner(opts ...Option) *Runner {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return &Runner{cfg: cfg}
}

// TestResult is the verdict for one test case.
type TestResult struct {
	// Description is the test case description.
	Description string

	// Skipped reports the test did not run; SkipReason says why.
	Skipped    bool
	SkipReason string

	// Err is the test failure, nil on success.
	Err error
}

// RunFile executes every test case in a scenario file and returns their
// verdicts. A non-nil error means the file itself could not be run.
func (r *Runner) RunFile(ctx context.Context, file *ScenarioFile) ([]TestResult, error) {
	if file == nil {
		return nil, types.NewConfigError("runner", "nil scenario file")
	}

	results := make([]TestResult, 0, len(file.Tests))
	for i := range file.Tests {
		tc := &file.Tests[i]
		result := TestResult{Description: tc.Description}

		switch {
		case tc.SkipReason != "":
			result.Skipped = true
			result.SkipReason = tc.SkipReason
			r.cfg.Metrics.IncTestSkipped()
		case !r.requirementsMet(file.RunOnRequirements) || !r.requirementsMet(tc.RunOnRequirements):
			result.Skipped = true
			result.SkipReason = "deployment does not meet runOnRequirements"
			r.cfg.Metrics.IncTestSkipped()
		default:
			result.Err = r.runTest(ctx, file, tc)
			if result.Err != nil {
				r.cfg.Metrics.IncTestFailed()
				r.cfg.Logger.Error("test failed", "test", tc.Description, "error", result.Err)
			} else {
				r.cfg.Metrics.IncTestPassed()
			}
		}

		results = append(results, result)
	}

	return results, nil
}

// requirementsMet reports whether at least one requirement document in
// the list is satisfied. An empty list is always satisfied.
func (r *Runner) requirementsMet(requirements []bson.Raw) bool {
	if len(requirements) == 0 || r.cfg.RequirementsMet == nil {
		return true
	}

	for _, req := range requirements {
		var m map[string]any
		if err := bson.Unmarshal(req, &m); err != nil {
			continue
		}
		if r.cfg.RequirementsMet(m) {
			return true
		}
	}

	return false
}

// runTest executes one test case end to end, tearing entities and fail
// points down regardless of the verdict.
func (r *Runner) runTest(ctx context.Context, file *ScenarioFile, tc *TestCase) (err error) {
	run, err := r.newTestRun(ctx, tc.Description)
	if err != nil {
		return err
	}
	defer func() {
		if teardownErr := run.teardown(ctx); teardownErr != nil && err == nil {
			err = teardownErr
		}
	}()

	if err := run.reg.Create(ctx, file.CreateEntities); err != nil {
		return err
	}
	if err := run.prepareInitialData(ctx, file.InitialData); err != nil {
		return err
	}

	for i := range tc.Operations {
		if err := run.execute(ctx, &tc.Operations[i]); err != nil {
			return err
		}
	}

	if err := run.checkEvents(tc.ExpectEvents); err != nil {
		return err
	}
	if err := run.checkLogMessages(tc.ExpectLogMessages); err != nil {
		return err
	}

	return run.checkOutcome(ctx, tc.Outcome)
}

// sessionState is the harness-tracked view of a session entity.
type sessionState struct {
	dirty  bool
	pinned bool
	txn    string
}

// testRun is the per-test execution state.
type testRun struct {
	cfg    *Config
	reg    *entity.Registry
	actx   *match.AssertionContext
	values *match.ValueMatcher
	errorm *match.ErrorMatcher
	events *match.EventMatcher
	logm   *match.LogMatcher

	// util is the harness's own client for initial data and outcome
	// checks, independent of scenario clients.
	util *mongo.Client

	// shared is the state common to the primary flow and any thread
	// forks of this run.
	shared *runState
}

// runState is the mutable state a test run shares with its thread forks.
type runState struct {
	mu         sync.Mutex
	failPoints []*failpoint.FailPoint
	sessions   map[string]*sessionState
}

func (r *Runner) newTestRun(ctx context.Context, description string) (*testRun, error) {
	util, err := mongo.Connect(ctx, options.Client().ApplyURI(r.cfg.URI))
	if err != nil {
		return nil, types.NewConfigError("runner", "connecting utility client: %v", err)
	}

	actx := match.NewAssertionContext()
	actx.Push("test %q", description)

	reg := entity.NewRegistry(entity.RegistryConfig{
		URI:     r.cfg.URI,
		Logger:  r.cfg.Logger,
		Metrics: r.cfg.Metrics,
	})

	run := &testRun{
		cfg:    r.cfg,
		reg:    reg,
		actx:   actx,
		util:   util,
		shared: &runState{sessions: make(map[string]*sessionState)},
	}
	run.values = match.NewValueMatcher(reg, actx)
	run.errorm = match.NewErrorMatcher(reg, actx)
	run.events = match.NewEventMatcher(reg, actx)
	run.logm = match.NewLogMatcher(reg, actx)

	return run, nil
}

// fork creates a view of the run with its own assertion context, so
// operations executing on background threads never interleave context
// frames with the primary flow.
func (t *testRun) fork() *testRun {
	clone := *t
	actx := match.NewAssertionContext()
	clone.actx = actx
	clone.values = match.NewValueMatcher(t.reg, actx)
	clone.errorm = match.NewErrorMatcher(t.reg, actx)
	clone.events = match.NewEventMatcher(t.reg, actx)
	clone.logm = match.NewLogMatcher(t.reg, actx)

	return &clone
}

func (t *testRun) sessionState(id string) *sessionState {
	t.shared.mu.Lock()
	defer t.shared.mu.Unlock()

	state, ok := t.shared.sessions[id]
	if !ok {
		state = &sessionState{}
		t.shared.sessions[id] = state
	}

	return state
}

func (t *testRun) addFailPoint(fp *failpoint.FailPoint) {
	t.shared.mu.Lock()
	defer t.shared.mu.Unlock()
	t.shared.failPoints = append(t.shared.failPoints, fp)
	t.cfg.Metrics.IncFailPointInstalled()
}

// teardown clears fail points first so later scenarios see a clean
// server, then closes entities in reverse creation order, then the
// utility client.
func (t *testRun) teardown(ctx context.Context) error {
	var firstErr error

	t.shared.mu.Lock()
	failPoints := t.shared.failPoints
	t.shared.failPoints = nil
	t.shared.mu.Unlock()

	for _, fp := range failPoints {
		if err := fp.Disable(ctx); err != nil {
			t.cfg.Logger.Warn("disabling fail point failed", "name", fp.Name(), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("disabling fail point %q: %w", fp.Name(), err)
			}

			continue
		}
		t.cfg.Metrics.IncFailPointDisabled()
	}

	if err := t.reg.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.util.Disconnect(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// prepareInitialData drops and recreates each named collection with a
// majority write concern, then inserts the declared documents.
func (t *testRun) prepareInitialData(ctx context.Context, data []CollectionData) error {
	if len(data) == 0 {
		return nil
	}

	wc := &writeconcern.WriteConcern{W: "majority"}
	for _, cd := range data {
		db := t.util.Database(cd.DatabaseName, options.Database().SetWriteConcern(wc))
		coll := db.Collection(cd.CollectionName)

		if err := coll.Drop(ctx); err != nil {
			return types.NewConfigError("runner", "dropping %s.%s: %v", cd.DatabaseName, cd.CollectionName, err)
		}

		createOpts := options.CreateCollection()
		if len(cd.CreateOptions) > 0 {
			if err := applyCreateOptions(createOpts, cd.CreateOptions); err != nil {
				return err
			}
		}
		if err := db.CreateCollection(ctx, cd.CollectionName, createOpts); err != nil {
			return types.NewConfigError("runner", "creating %s.%s: %v", cd.DatabaseName, cd.CollectionName, err)
		}

		if len(cd.Documents) > 0 {
			docs := make([]any, len(cd.Documents))
			for i, doc := range cd.Documents {
				docs[i] = doc
			}
			if _, err := coll.InsertMany(ctx, docs); err != nil {
				return types.NewConfigError("runner", "seeding %s.%s: %v", cd.DatabaseName, cd.CollectionName, err)
			}
		}
	}

	return nil
}

// checkEvents verifies each expectEvents block against the recorders of
// the named client.
func (t *testRun) checkEvents(expectations []EventExpectation) error {
	for _, exp := range expectations {
		client, err := t.reg.Client(exp.Client)
		if err != nil {
			return err
		}

		eventType := exp.EventType
		if eventType == "" {
			eventType = "command"
		}

		switch eventType {
		case "command":
			var recorded []capture.CommandEvent
			if client.Commands != nil {
				recorded = client.Commands.Events()
			}
			if err := t.events.AssertCommandEvents(exp.Events, recorded, exp.IgnoreExtraEvents); err != nil {
				return err
			}
		case "cmap":
			if err := t.events.AssertPoolEvents(exp.Events, client.Pools.Events(), exp.IgnoreExtraEvents); err != nil {
				return err
			}
		case "sdam":
			if err := t.checkServerEvents(exp, client); err != nil {
				return err
			}
		default:
			return types.NewConfigError("runner", "unsupported expectEvents eventType %q", eventType)
		}
	}

	return nil
}

// checkServerEvents matches sdam expectations as an ordered subsequence;
// heartbeat chatter makes exact sdam streams impractical.
func (t *testRun) checkServerEvents(exp EventExpectation, client *entity.Client) error {
	recorded := client.Servers.Events()

	next := 0
	for i, expected := range exp.Events {
		matched := false
		for next < len(recorded) {
			evt := recorded[next]
			next++
			if t.events.MatchesServerEvent(expected, evt) {
				matched = true

				break
			}
		}
		if !matched {
			return t.actx.Errorf("no recorded sdam event matches expected event %d for client %q", i, exp.Client)
		}
	}

	return nil
}

// checkLogMessages verifies each expectLogMessages block against the log
// recorder of the named client.
func (t *testRun) checkLogMessages(expectations []LogExpectation) error {
	for _, exp := range expectations {
		client, err := t.reg.Client(exp.Client)
		if err != nil {
			return err
		}
		if client.Logs == nil {
			return types.NewConfigError("runner", "client %q does not observe log messages", exp.Client)
		}

		if err := t.logm.Assert(exp.Messages, client.Logs.Messages(), exp.IgnoreExtraMessages, exp.IgnoreMessages); err != nil {
			return err
		}
	}

	return nil
}

// checkOutcome verifies final collection contents: documents read back
// with majority read concern and sorted by _id must equal the expected
// list exactly.
func (t *testRun) checkOutcome(ctx context.Context, outcome []CollectionData) error {
	for _, cd := range outcome {
		t.actx.Push("outcome for %s.%s", cd.DatabaseName, cd.CollectionName)

		coll := t.util.Database(cd.DatabaseName).Collection(cd.CollectionName,
			options.Collection().
				SetReadConcern(readconcern.Majority()).
				SetReadPreference(readpref.Primary()))

		cursor, err := coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
		if err != nil {
			t.actx.Pop()

			return types.NewConfigError("runner", "reading outcome of %s.%s: %v", cd.DatabaseName, cd.CollectionName, err)
		}
		var actual []bson.Raw
		if err := cursor.All(ctx, &actual); err != nil {
			t.actx.Pop()

			return types.NewConfigError("runner", "reading outcome of %s.%s: %v", cd.DatabaseName, cd.CollectionName, err)
		}

		if len(actual) != len(cd.Documents) {
			t.actx.Pop()

			return t.actx.Errorf("document count mismatch in %s.%s: expected %d, found %d",
				cd.DatabaseName, cd.CollectionName, len(cd.Documents), len(actual))
		}
		for i, expected := range cd.Documents {
			err := t.values.MatchExact(
				bson.RawValue{Type: bsontype.EmbeddedDocument, Value: expected},
				bson.RawValue{Type: bsontype.EmbeddedDocument, Value: actual[i]},
			)
			if err != nil {
				t.actx.Pop()

				return err
			}
		}

		t.actx.Pop()
	}

	return nil
}

// applyCreateOptions maps initialData createOptions onto driver options.
func applyCreateOptions(opts *options.CreateCollectionOptions, doc bson.Raw) error {
	elems, err := doc.Elements()
	if err != nil {
		return types.NewConfigError("runner", "invalid createOptions document: %v", err)
	}

	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "capped":
			b, ok := val.BooleanOK()
			if !ok {
				return types.NewConfigError("runner", "createOptions capped must be a boolean")
			}
			opts.SetCapped(b)
		case "size":
			n, ok := intArg(val)
			if !ok {
				return types.NewConfigError("runner", "createOptions size must be a number")
			}
			opts.SetSizeInBytes(n)
		case "max":
			n, ok := intArg(val)
			if !ok {
				return types.NewConfigError("runner", "createOptions max must be a number")
			}
			opts.SetMaxDocuments(n)
		case "timeseries":
			body, ok := val.DocumentOK()
			if !ok {
				return types.NewConfigError("runner", "createOptions timeseries must be a document")
			}
			ts, err := parseTimeseriesOptions(body)
			if err != nil {
				return err
			}
			opts.SetTimeSeriesOptions(ts)
		default:
			return types.NewConfigError("runner", "unsupported createOptions key %q", elem.Key())
		}
	}

	return nil
}

func parseTimeseriesOptions(doc bson.Raw) (*options.TimeSeriesOptions, error) {
	ts := options.TimeSeries()

	elems, err := doc.Elements()
	if err != nil {
		return nil, types.NewConfigError("runner", "invalid timeseries document: %v", err)
	}
	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "timeField":
			s, ok := val.StringValueOK()
			if !ok {
				return nil, types.NewConfigError("runner", "timeseries timeField must be a string")
			}
			ts.SetTimeField(s)
		case "metaField":
			s, ok := val.StringValueOK()
			if !ok {
				return nil, types.NewConfigError("runner", "timeseries metaField must be a string")
			}
			ts.SetMetaField(s)
		case "granularity":
			s, ok := val.StringValueOK()
			if !ok {
				return nil, types.NewConfigError("runner", "timeseries granularity must be a string")
			}
			ts.SetGranularity(s)
		default:
			return nil, types.NewConfigError("runner", "unsupported timeseries key %q", elem.Key())
		}
	}

	return ts, nil
}

// intArg extracts an integral value from int32, int64, or whole doubles.
func intArg(v bson.RawValue) (int64, bool) {
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
