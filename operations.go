package veritas

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arloliu/veritas/capture"
	"github.com/arloliu/veritas/entity"
	"github.com/arloliu/veritas/failpoint"
	"github.com/arloliu/veritas/types"
)

const topologyPollInterval = 10 * time.Millisecond

// opFailPoint installs a fail point through a scenario client. The run
// disables it during teardown.
func opFailPoint(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	var doc bson.Raw
	clientID := ""
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "failPoint":
			d, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			doc = d
		case "client":
			clientID, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if doc == nil || clientID == "" {
		return opResult{}, missingArg(op, "failPoint and client")
	}

	client, err := r.reg.Client(clientID)
	if err != nil {
		return opResult{}, err
	}

	fp, opErr := failpoint.Install(ctx, client.Client, doc)
	if opErr != nil {
		if types.IsConfigError(opErr) {
			return opResult{}, opErr
		}

		return opResult{err: opErr}, nil
	}
	r.addFailPoint(fp)

	return emptyResult(), nil
}

// opTargetedFailPoint installs a fail point on the mongos a session is
// pinned to, using the session for server selection.
func opTargetedFailPoint(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	var doc bson.Raw
	sessID := ""
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "failPoint":
			d, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			doc = d
		case "session":
			sessID, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if doc == nil || sessID == "" {
		return opResult{}, missingArg(op, "failPoint and session")
	}

	sess, err := r.reg.Session(sessID)
	if err != nil {
		return opResult{}, err
	}
	client, err := r.reg.SessionClient(sessID)
	if err != nil {
		return opResult{}, err
	}
	if !r.sessionState(sessID).pinned {
		return opResult{}, r.actx.Errorf("session %q is not pinned to a server", sessID)
	}

	fp, opErr := failpoint.InstallTargeted(ctx, client.Client, sess, doc)
	if opErr != nil {
		if types.IsConfigError(opErr) {
			return opResult{}, opErr
		}

		return opResult{err: opErr}, nil
	}
	r.addFailPoint(fp)

	return emptyResult(), nil
}

// opCreateEntities creates additional entities mid-test.
func opCreateEntities(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	var entities []bson.Raw
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "entities":
			docs, ok := docsArg(val)
			if !ok {
				return false, badArg(op, key, "an array of documents")
			}
			entities = docs
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if entities == nil {
		return opResult{}, missingArg(op, "entities")
	}

	if err := r.reg.Create(ctx, entities); err != nil {
		return opResult{}, err
	}

	return emptyResult(), nil
}

// opRunOnThread submits one operation to a thread entity without waiting
// for it.
func opRunOnThread(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	threadID := ""
	var nested *Operation
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "thread":
			threadID, _ = val.StringValueOK()
		case "operation":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			var inner Operation
			if err := bson.Unmarshal(doc, &inner); err != nil {
				return false, types.NewConfigError("dispatch", "invalid runOnThread operation: %v", err)
			}
			nested = &inner
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if threadID == "" || nested == nil {
		return opResult{}, missingArg(op, "thread and operation")
	}

	thread, err := r.reg.Thread(threadID)
	if err != nil {
		return opResult{}, err
	}

	forked := r.fork()
	if _, err := thread.Submit(func() error {
		return forked.execute(ctx, nested)
	}); err != nil {
		return opResult{}, err
	}

	return emptyResult(), nil
}

// opWaitForThread joins every task submitted to a thread entity so far.
func opWaitForThread(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	threadID := ""
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "thread":
			threadID, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if threadID == "" {
		return opResult{}, missingArg(op, "thread")
	}

	thread, err := r.reg.Thread(threadID)
	if err != nil {
		return opResult{}, err
	}

	return opResult{}, thread.Wait(r.cfg.ThreadJoinTimeout)
}

// opWait sleeps for the given number of milliseconds.
func opWait(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	var ms int64 = -1
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "ms":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			ms = n
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if ms < 0 {
		return opResult{}, missingArg(op, "ms")
	}

	select {
	case <-time.After(millisDuration(ms)):
	case <-ctx.Done():
		return opResult{}, ctx.Err()
	}

	return emptyResult(), nil
}

// opWaitForEvent blocks until a client has recorded at least count
// events matching the expectation.
func opWaitForEvent(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	client, evtDoc, count, err := eventCountArgs(r, op)
	if err != nil {
		return opResult{}, err
	}

	waitErr := r.events.WaitFor(r.cfg.EventWaitTimeout, func() bool {
		return r.countEvents(client, evtDoc) >= count
	}, "client %q never recorded %d events matching %s", client.ID, count, eventSummary(evtDoc))

	return opResult{}, waitErr
}

// opAssertEventCount asserts the exact number of matching events a
// client has recorded.
func opAssertEventCount(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	client, evtDoc, count, err := eventCountArgs(r, op)
	if err != nil {
		return opResult{}, err
	}

	if got := r.countEvents(client, evtDoc); got != count {
		return opResult{}, r.actx.Errorf("client %q recorded %d events matching %s, want %d",
			client.ID, got, eventSummary(evtDoc), count)
	}

	return emptyResult(), nil
}

func eventCountArgs(r *testRun, op *Operation) (*entity.Client, bson.Raw, int, error) {
	clientID := ""
	var evtDoc bson.Raw
	count := -1
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "client":
			clientID, _ = val.StringValueOK()
		case "event":
			doc, ok := docArg(val)
			if !ok {
				return false, badArg(op, key, "a document")
			}
			evtDoc = doc
		case "count":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			count = int(n)
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return nil, nil, 0, err
	}
	if clientID == "" || evtDoc == nil || count < 0 {
		return nil, nil, 0, missingArg(op, "client, event and count")
	}

	client, err := r.reg.Client(clientID)
	if err != nil {
		return nil, nil, 0, err
	}

	return client, evtDoc, count, nil
}

// countEvents counts recorded events of any kind matching the wrapped
// expectation document.
func (t *testRun) countEvents(client *entity.Client, evtDoc bson.Raw) int {
	count := 0
	if client.Commands != nil {
		for _, evt := range client.Commands.Events() {
			if t.events.MatchesCommandEvent(evtDoc, evt) {
				count++
			}
		}
	}
	if client.Pools != nil {
		for _, evt := range client.Pools.Events() {
			if t.events.MatchesPoolEvent(evtDoc, evt) {
				count++
			}
		}
	}
	if client.Servers != nil {
		for _, evt := range client.Servers.Events() {
			if t.events.MatchesServerEvent(evtDoc, evt) {
				count++
			}
		}
	}

	return count
}

func eventSummary(evtDoc bson.Raw) string {
	elems, err := evtDoc.Elements()
	if err != nil || len(elems) != 1 {
		return "(invalid event)"
	}

	return elems[0].Key()
}

func opAssertNumberConnectionsCheckedOut(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	clientID := ""
	want := -1
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "client":
			clientID, _ = val.StringValueOK()
		case "connections":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			want = int(n)
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if clientID == "" || want < 0 {
		return opResult{}, missingArg(op, "client and connections")
	}

	client, err := r.reg.Client(clientID)
	if err != nil {
		return opResult{}, err
	}
	if got := client.Pools.CheckedOut(); got != want {
		return opResult{}, r.actx.Errorf("client %q has %d connections checked out, want %d", clientID, got, want)
	}

	return emptyResult(), nil
}

func opAssertSessionDirty(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return assertSessionDirty(r, op, true)
}

func opAssertSessionNotDirty(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return assertSessionDirty(r, op, false)
}

func assertSessionDirty(r *testRun, op *Operation, want bool) (opResult, error) {
	sessID, err := sessionArg(r, op)
	if err != nil {
		return opResult{}, err
	}

	if got := r.sessionState(sessID).dirty; got != want {
		return opResult{}, r.actx.Errorf("session %q dirty state is %v, want %v", sessID, got, want)
	}

	return emptyResult(), nil
}

func opAssertSessionPinned(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return assertSessionPinned(r, op, true)
}

func opAssertSessionUnpinned(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return assertSessionPinned(r, op, false)
}

func assertSessionPinned(r *testRun, op *Operation, want bool) (opResult, error) {
	sessID, err := sessionArg(r, op)
	if err != nil {
		return opResult{}, err
	}

	if got := r.sessionState(sessID).pinned; got != want {
		return opResult{}, r.actx.Errorf("session %q pinned state is %v, want %v", sessID, got, want)
	}

	return emptyResult(), nil
}

func opAssertSessionTransactionState(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	sessID := ""
	state := ""
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "session":
			sessID, _ = val.StringValueOK()
		case "state":
			state, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if sessID == "" || state == "" {
		return opResult{}, missingArg(op, "session and state")
	}
	if _, err := r.reg.Session(sessID); err != nil {
		return opResult{}, err
	}

	got := r.sessionState(sessID).txn
	if got == "" {
		got = "none"
	}
	if got != state {
		return opResult{}, r.actx.Errorf("session %q transaction state is %q, want %q", sessID, got, state)
	}

	return emptyResult(), nil
}

func sessionArg(r *testRun, op *Operation) (string, error) {
	sessID := ""
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "session":
			sessID, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return "", err
	}
	if sessID == "" {
		return "", missingArg(op, "session")
	}
	if _, err := r.reg.Session(sessID); err != nil {
		return "", err
	}

	return sessID, nil
}

func opAssertSameLsid(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return assertLsidComparison(r, op, true)
}

func opAssertDifferentLsid(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return assertLsidComparison(r, op, false)
}

// assertLsidComparison compares the lsid of a client's last two command
// started events.
func assertLsidComparison(r *testRun, op *Operation, wantSame bool) (opResult, error) {
	clientID := ""
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "client":
			clientID, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if clientID == "" {
		return opResult{}, missingArg(op, "client")
	}

	client, err := r.reg.Client(clientID)
	if err != nil {
		return opResult{}, err
	}
	if client.Commands == nil {
		return opResult{}, types.NewConfigError("dispatch", "client %q does not observe command events", clientID)
	}

	started := client.Commands.StartedEvents()
	if len(started) < 2 {
		return opResult{}, r.actx.Errorf("client %q recorded %d command started events, need at least 2", clientID, len(started))
	}

	last := started[len(started)-1].Command.Lookup("lsid")
	prev := started[len(started)-2].Command.Lookup("lsid")
	same := last.Equal(prev)
	if same != wantSame {
		verb := "differ"
		if wantSame {
			verb = "match"
		}

		return opResult{}, r.actx.Errorf("lsids of the last two commands on client %q do not %s", clientID, verb)
	}

	return emptyResult(), nil
}

func opAssertCollectionExists(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return assertCollectionExists(ctx, r, op, true)
}

func opAssertCollectionNotExists(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return assertCollectionExists(ctx, r, op, false)
}

// assertCollectionExists checks the server's collection catalog through
// the utility client, bypassing scenario clients and their fail points.
func assertCollectionExists(ctx context.Context, r *testRun, op *Operation, want bool) (opResult, error) {
	dbName, collName, err := namespaceArgs(op)
	if err != nil {
		return opResult{}, err
	}

	names, listErr := r.util.Database(dbName).ListCollectionNames(ctx, bson.D{{Key: "name", Value: collName}})
	if listErr != nil {
		return opResult{}, types.NewConfigError("dispatch", "listing collections of %q: %v", dbName, listErr)
	}

	exists := len(names) > 0
	if exists != want {
		if want {
			return opResult{}, r.actx.Errorf("collection %s.%s does not exist", dbName, collName)
		}

		return opResult{}, r.actx.Errorf("collection %s.%s exists", dbName, collName)
	}

	return emptyResult(), nil
}

func opAssertIndexExists(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return assertIndexExists(ctx, r, op, true)
}

func opAssertIndexNotExists(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	return assertIndexExists(ctx, r, op, false)
}

func assertIndexExists(ctx context.Context, r *testRun, op *Operation, want bool) (opResult, error) {
	dbName := ""
	collName := ""
	indexName := ""
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "databaseName":
			dbName, _ = val.StringValueOK()
		case "collectionName":
			collName, _ = val.StringValueOK()
		case "indexName":
			indexName, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if dbName == "" || collName == "" || indexName == "" {
		return opResult{}, missingArg(op, "databaseName, collectionName and indexName")
	}

	cursor, listErr := r.util.Database(dbName).Collection(collName).Indexes().List(ctx)
	if listErr != nil {
		return opResult{}, types.NewConfigError("dispatch", "listing indexes of %s.%s: %v", dbName, collName, listErr)
	}
	docs, listErr := drainCursor(ctx, cursor)
	if listErr != nil {
		return opResult{}, types.NewConfigError("dispatch", "listing indexes of %s.%s: %v", dbName, collName, listErr)
	}

	exists := false
	for _, doc := range docs {
		if name, ok := doc.Lookup("name").StringValueOK(); ok && name == indexName {
			exists = true

			break
		}
	}
	if exists != want {
		if want {
			return opResult{}, r.actx.Errorf("index %q on %s.%s does not exist", indexName, dbName, collName)
		}

		return opResult{}, r.actx.Errorf("index %q on %s.%s exists", indexName, dbName, collName)
	}

	return emptyResult(), nil
}

func namespaceArgs(op *Operation) (string, string, error) {
	dbName := ""
	collName := ""
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "databaseName":
			dbName, _ = val.StringValueOK()
		case "collectionName":
			collName, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return "", "", err
	}
	if dbName == "" || collName == "" {
		return "", "", missingArg(op, "databaseName and collectionName")
	}

	return dbName, collName, nil
}

// opWaitForPrimaryChange polls a client's observed topology until its
// primary differs from the one recorded in a prior topology entity.
func opWaitForPrimaryChange(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	clientID := ""
	priorID := ""
	timeout := r.cfg.PrimaryChangeTimeout
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "client":
			clientID, _ = val.StringValueOK()
		case "priorTopologyDescription":
			priorID, _ = val.StringValueOK()
		case "timeoutMS":
			n, ok := intArg(val)
			if !ok {
				return false, badArg(op, key, "a number")
			}
			timeout = millisDuration(n)
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if clientID == "" || priorID == "" {
		return opResult{}, missingArg(op, "client and priorTopologyDescription")
	}

	client, err := r.reg.Client(clientID)
	if err != nil {
		return opResult{}, err
	}
	prior, err := r.reg.Topology(priorID)
	if err != nil {
		return opResult{}, err
	}
	priorPrimary, _ := capture.PrimaryAddress(prior)

	deadline := time.Now().Add(timeout)
	for {
		if topo, ok := client.Servers.Topology(); ok {
			if primary, hasPrimary := capture.PrimaryAddress(topo); hasPrimary && primary != priorPrimary {
				return emptyResult(), nil
			}
		}
		if time.Now().After(deadline) {
			return opResult{}, r.actx.TimeoutErrorf("client %q saw no new primary within %s", clientID, timeout)
		}

		select {
		case <-time.After(topologyPollInterval):
		case <-ctx.Done():
			return opResult{}, ctx.Err()
		}
	}
}

// opRecordTopologyDescription snapshots a client's current topology
// description as an entity.
func opRecordTopologyDescription(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	clientID := ""
	id := ""
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "client":
			clientID, _ = val.StringValueOK()
		case "id":
			id, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if clientID == "" || id == "" {
		return opResult{}, missingArg(op, "client and id")
	}

	client, err := r.reg.Client(clientID)
	if err != nil {
		return opResult{}, err
	}
	topo, ok := client.Servers.Topology()
	if !ok {
		return opResult{}, types.NewConfigError("dispatch", "client %q has not observed a topology description yet", clientID)
	}
	if err := r.reg.StoreTopology(id, topo); err != nil {
		return opResult{}, err
	}

	return emptyResult(), nil
}

func opAssertTopologyType(ctx context.Context, r *testRun, op *Operation) (opResult, error) {
	topoID := ""
	want := ""
	err := walkArgs(op, func(key string, val bson.RawValue) (bool, error) {
		switch key {
		case "topologyDescription":
			topoID, _ = val.StringValueOK()
		case "topologyType":
			want, _ = val.StringValueOK()
		default:
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		return opResult{}, err
	}
	if topoID == "" || want == "" {
		return opResult{}, missingArg(op, "topologyDescription and topologyType")
	}

	topo, err := r.reg.Topology(topoID)
	if err != nil {
		return opResult{}, err
	}
	if got := topo.Kind.String(); got != want {
		return opResult{}, r.actx.Errorf("topology %q has type %s, want %s", topoID, got, want)
	}

	return emptyResult(), nil
}
