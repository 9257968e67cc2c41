package entity

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/description"
	"go.mongodb.org/mongo-driver/mongo/gridfs"

	"github.com/arloliu/veritas/internal/logging"
	"github.com/arloliu/veritas/internal/metrics"
	"github.com/arloliu/veritas/types"
)

// Cursor is the surface shared by driver cursors and change streams that
// scenario cursor operations rely on.
type Cursor interface {
	Next(ctx context.Context) bool
	TryNext(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

// RegistryConfig carries the harness-level settings entity construction
// needs.
type RegistryConfig struct {
	// URI is the base connection string client entities derive from.
	URI string

	// Logger receives teardown diagnostics. Defaults to a no-op logger.
	Logger types.Logger

	// Metrics counts entity lifecycle activity. Defaults to no-op metrics.
	Metrics types.MetricsCollector
}

// Registry owns every named entity a scenario creates and provides typed
// lookup, value storage, and reverse-order teardown.
type Registry struct {
	mu      sync.Mutex
	uri     string
	logger  types.Logger
	metrics types.MetricsCollector

	kinds map[string]types.EntityKind
	order []string

	clients     map[string]*Client
	databases   map[string]*mongo.Database
	collections map[string]*mongo.Collection
	sessions    map[string]mongo.Session
	sessOwner   map[string]string
	buckets     map[string]*gridfs.Bucket
	encryptions map[string]*mongo.ClientEncryption
	threads     map[string]*Thread
	cursors     map[string]Cursor
	topologies  map[string]description.Topology
	values      map[string]bson.RawValue
	docLists    map[string][]bson.Raw
	counters    map[string]int64
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewNopMetrics()
	}

	return &Registry{
		uri:         cfg.URI,
		logger:      logger,
		metrics:     collector,
		kinds:       make(map[string]types.EntityKind),
		clients:     make(map[string]*Client),
		databases:   make(map[string]*mongo.Database),
		collections: make(map[string]*mongo.Collection),
		sessions:    make(map[string]mongo.Session),
		sessOwner:   make(map[string]string),
		buckets:     make(map[string]*gridfs.Bucket),
		encryptions: make(map[string]*mongo.ClientEncryption),
		threads:     make(map[string]*Thread),
		cursors:     make(map[string]Cursor),
		topologies:  make(map[string]description.Topology),
		values:      make(map[string]bson.RawValue),
		docLists:    make(map[string][]bson.Raw),
		counters:    make(map[string]int64),
	}
}

// Create builds the entities described by a createEntities array, in
// declaration order. Each element is a single-key document naming the
// entity kind. A forward reference or duplicate id aborts creation.
func (r *Registry) Create(ctx context.Context, entities []bson.Raw) error {
	for _, doc := range entities {
		elems, err := doc.Elements()
		if err != nil || len(elems) != 1 {
			return types.NewConfigError("entity", "entity definitions must be single-key documents")
		}

		kind := elems[0].Key()
		body, ok := elems[0].Value().DocumentOK()
		if !ok {
			return types.NewConfigError("entity", "%s entity definition must be a document", kind)
		}

		switch kind {
		case "client":
			err = r.createClient(ctx, body)
		case "database":
			err = r.createDatabase(body)
		case "collection":
			err = r.createCollection(body)
		case "session":
			err = r.createSession(body)
		case "bucket":
			err = r.createBucket(body)
		case "clientEncryption":
			err = r.createClientEncryption(body)
		case "thread":
			err = r.createThread(body)
		default:
			err = types.NewConfigError("entity", "unsupported entity kind %q", kind)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *Registry) reserve(id string, kind types.EntityKind) error {
	if id == "" {
		return types.NewConfigError("entity", "%s entity requires an id", kind)
	}
	if existing, ok := r.kinds[id]; ok {
		return fmt.Errorf("entity %q already exists as %s: %w", id, existing, types.ErrEntityExists)
	}
	r.kinds[id] = kind
	r.order = append(r.order, id)

	return nil
}

func (r *Registry) createClient(ctx context.Context, body bson.Raw) error {
	spec, err := parseClientSpec(body)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.reserve(spec.ID, types.EntityClient); err != nil {
		return err
	}

	ent, err := buildClient(ctx, spec, r.uri)
	if err != nil {
		return err
	}
	r.clients[spec.ID] = ent

	return nil
}

func (r *Registry) createDatabase(body bson.Raw) error {
	spec, err := parseDatabaseSpec(body)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[spec.Client]
	if !ok {
		return types.NewConfigError("entity", "database %q references unknown client %q", spec.ID, spec.Client)
	}
	if err := r.reserve(spec.ID, types.EntityDatabase); err != nil {
		return err
	}
	r.databases[spec.ID] = client.Client.Database(spec.Name, spec.Options)

	return nil
}

func (r *Registry) createCollection(body bson.Raw) error {
	spec, err := parseCollectionSpec(body)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	db, ok := r.databases[spec.Database]
	if !ok {
		return types.NewConfigError("entity", "collection %q references unknown database %q", spec.ID, spec.Database)
	}
	if err := r.reserve(spec.ID, types.EntityCollection); err != nil {
		return err
	}
	r.collections[spec.ID] = db.Collection(spec.Name, spec.Options)

	return nil
}

func (r *Registry) createSession(body bson.Raw) error {
	spec, err := parseSessionSpec(body)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[spec.Client]
	if !ok {
		return types.NewConfigError("entity", "session %q references unknown client %q", spec.ID, spec.Client)
	}
	if err := r.reserve(spec.ID, types.EntitySession); err != nil {
		return err
	}

	sess, err := client.Client.StartSession(spec.Options)
	if err != nil {
		return types.NewConfigError("entity", "starting session %q: %v", spec.ID, err)
	}
	r.sessions[spec.ID] = sess
	r.sessOwner[spec.ID] = spec.Client

	return nil
}

func (r *Registry) createBucket(body bson.Raw) error {
	spec, err := parseBucketSpec(body)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	db, ok := r.databases[spec.Database]
	if !ok {
		return types.NewConfigError("entity", "bucket %q references unknown database %q", spec.ID, spec.Database)
	}
	if err := r.reserve(spec.ID, types.EntityBucket); err != nil {
		return err
	}

	bucket, err := gridfs.NewBucket(db, spec.Options)
	if err != nil {
		return types.NewConfigError("entity", "creating bucket %q: %v", spec.ID, err)
	}
	r.buckets[spec.ID] = bucket

	return nil
}

func (r *Registry) createClientEncryption(body bson.Raw) error {
	spec, err := parseClientEncryptionSpec(body)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	keyVault, ok := r.clients[spec.KeyVaultClient]
	if !ok {
		return types.NewConfigError("entity", "clientEncryption %q references unknown client %q", spec.ID, spec.KeyVaultClient)
	}
	if err := r.reserve(spec.ID, types.EntityClientEncryption); err != nil {
		return err
	}

	ce, err := mongo.NewClientEncryption(keyVault.Client, spec.Options)
	if err != nil {
		return types.NewConfigError("entity", "creating clientEncryption %q: %v", spec.ID, err)
	}
	r.encryptions[spec.ID] = ce

	return nil
}

func (r *Registry) createThread(body bson.Raw) error {
	id, err := body.LookupErr("id")
	if err != nil {
		return types.NewConfigError("entity", "thread entity requires an id")
	}
	threadID, ok := id.StringValueOK()
	if !ok {
		return types.NewConfigError("entity", "thread id must be a string")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.reserve(threadID, types.EntityThread); err != nil {
		return err
	}
	r.threads[threadID] = NewThread(threadID)

	return nil
}

// Client returns the named client entity.
func (r *Registry) Client(id string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.clients[id]
	if !ok {
		return nil, notFound(id, types.EntityClient)
	}

	return ent, nil
}

// Clients returns every client entity in creation order.
func (r *Registry) Clients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Client, 0, len(r.clients))
	for _, id := range r.order {
		if ent, ok := r.clients[id]; ok {
			out = append(out, ent)
		}
	}

	return out
}

// Database returns the named database entity.
func (r *Registry) Database(id string) (*mongo.Database, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	db, ok := r.databases[id]
	if !ok {
		return nil, notFound(id, types.EntityDatabase)
	}

	return db, nil
}

// Collection returns the named collection entity.
func (r *Registry) Collection(id string) (*mongo.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	coll, ok := r.collections[id]
	if !ok {
		return nil, notFound(id, types.EntityCollection)
	}

	return coll, nil
}

// Session returns the named session entity.
func (r *Registry) Session(id string) (mongo.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, notFound(id, types.EntitySession)
	}

	return sess, nil
}

// SessionClient returns the client entity the named session was started
// from. Targeted fail points are cleared through it.
func (r *Registry) SessionClient(id string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.sessOwner[id]
	if !ok {
		return nil, notFound(id, types.EntitySession)
	}
	client, ok := r.clients[owner]
	if !ok {
		return nil, notFound(owner, types.EntityClient)
	}

	return client, nil
}

// Bucket returns the named GridFS bucket entity.
func (r *Registry) Bucket(id string) (*gridfs.Bucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.buckets[id]
	if !ok {
		return nil, notFound(id, types.EntityBucket)
	}

	return bucket, nil
}

// ClientEncryption returns the named client-encryption entity.
func (r *Registry) ClientEncryption(id string) (*mongo.ClientEncryption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ce, ok := r.encryptions[id]
	if !ok {
		return nil, notFound(id, types.EntityClientEncryption)
	}

	return ce, nil
}

// Thread returns the named thread entity.
func (r *Registry) Thread(id string) (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	thread, ok := r.threads[id]
	if !ok {
		return nil, notFound(id, types.EntityThread)
	}

	return thread, nil
}

// Threads returns every thread entity.
func (r *Registry) Threads() []*Thread {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Thread, 0, len(r.threads))
	for _, id := range r.order {
		if thread, ok := r.threads[id]; ok {
			out = append(out, thread)
		}
	}

	return out
}

// StoreCursor registers a cursor entity under the given id.
func (r *Registry) StoreCursor(id string, cur Cursor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.reserve(id, types.EntityCursor); err != nil {
		return err
	}
	r.cursors[id] = cur

	return nil
}

// Cursor returns the named cursor entity.
func (r *Registry) Cursor(id string) (Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.cursors[id]
	if !ok {
		return nil, notFound(id, types.EntityCursor)
	}

	return cur, nil
}

// CloseCursor closes and removes the named cursor entity.
func (r *Registry) CloseCursor(ctx context.Context, id string) error {
	r.mu.Lock()
	cur, ok := r.cursors[id]
	if ok {
		delete(r.cursors, id)
		delete(r.kinds, id)
	}
	r.mu.Unlock()

	if !ok {
		return notFound(id, types.EntityCursor)
	}

	return cur.Close(ctx)
}

// StoreTopology registers a topology description snapshot under the given
// id.
func (r *Registry) StoreTopology(id string, topo description.Topology) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.reserve(id, types.EntityTopologyDescription); err != nil {
		return err
	}
	r.topologies[id] = topo

	return nil
}

// Topology returns the named topology description snapshot.
func (r *Registry) Topology(id string) (description.Topology, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	topo, ok := r.topologies[id]
	if !ok {
		return description.Topology{}, notFound(id, types.EntityTopologyDescription)
	}

	return topo, nil
}

// StoreValue saves an operation result under the given id, overwriting any
// previous value with the same id. Loop iterations re-save results each
// pass.
func (r *Registry) StoreValue(id string, val bson.RawValue) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.kinds[id]; !ok {
		r.kinds[id] = types.EntityValue
		r.order = append(r.order, id)
	}
	r.values[id] = val
}

// CreateDocList registers an empty document-list entity (loop failure and
// error buckets).
func (r *Registry) CreateDocList(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.reserve(id, types.EntityDocumentList); err != nil {
		return err
	}
	r.docLists[id] = nil

	return nil
}

// AppendDocs appends documents to a document-list entity.
func (r *Registry) AppendDocs(id string, docs ...bson.Raw) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.docLists[id]; !ok {
		return notFound(id, types.EntityDocumentList)
	}
	r.docLists[id] = append(r.docLists[id], docs...)

	return nil
}

// DocList returns a snapshot of a document-list entity.
func (r *Registry) DocList(id string) ([]bson.Raw, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	docs, ok := r.docLists[id]
	if !ok {
		return nil, notFound(id, types.EntityDocumentList)
	}

	out := make([]bson.Raw, len(docs))
	copy(out, docs)

	return out, nil
}

// CreateCounter registers a zero-valued counter entity (loop iteration and
// success totals).
func (r *Registry) CreateCounter(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.reserve(id, types.EntityCounter); err != nil {
		return err
	}
	r.counters[id] = 0

	return nil
}

// AddToCounter adds delta to a counter entity.
func (r *Registry) AddToCounter(id string, delta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.counters[id]; !ok {
		return notFound(id, types.EntityCounter)
	}
	r.counters[id] += delta

	return nil
}

// Counter returns the current value of a counter entity.
func (r *Registry) Counter(id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.counters[id]
	if !ok {
		return 0, notFound(id, types.EntityCounter)
	}

	return n, nil
}

// EntityValue renders the named stored value, counter, or document list as
// a BSON value. Implements the resolver interface used by placeholder
// matching.
func (r *Registry) EntityValue(id string) (bson.RawValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if val, ok := r.values[id]; ok {
		return val, nil
	}
	if n, ok := r.counters[id]; ok {
		return marshalValue(n)
	}
	if docs, ok := r.docLists[id]; ok {
		arr := make(bson.A, len(docs))
		for i, doc := range docs {
			arr[i] = doc
		}

		return marshalValue(arr)
	}

	return bson.RawValue{}, notFound(id, types.EntityValue)
}

// SessionID returns the logical session id document of the named session.
// Implements the resolver interface used by placeholder matching.
func (r *Registry) SessionID(id string) (bson.Raw, error) {
	sess, err := r.Session(id)
	if err != nil {
		return nil, err
	}

	return sess.ID(), nil
}

// Close tears entities down in reverse creation order: threads join,
// cursors close, sessions end, clients disconnect. Teardown continues past
// individual failures; the first error is returned.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	r.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]

		r.mu.Lock()
		kind := r.kinds[id]
		r.mu.Unlock()

		switch kind {
		case types.EntityThread:
			r.threads[id].Close()
		case types.EntityCursor:
			if err := r.cursors[id].Close(ctx); err != nil {
				r.logger.Warn("closing cursor entity failed", "id", id, "error", err)
				record(err)
			}
		case types.EntitySession:
			r.sessions[id].EndSession(ctx)
		case types.EntityClientEncryption:
			if err := r.encryptions[id].Close(ctx); err != nil {
				r.logger.Warn("closing clientEncryption entity failed", "id", id, "error", err)
				record(err)
			}
		case types.EntityClient:
			if err := r.clients[id].Client.Disconnect(ctx); err != nil {
				r.logger.Warn("disconnecting client entity failed", "id", id, "error", err)
				record(err)
			}
		}
	}

	r.mu.Lock()
	r.kinds = make(map[string]types.EntityKind)
	r.order = nil
	r.mu.Unlock()

	return firstErr
}

func notFound(id string, kind types.EntityKind) error {
	return fmt.Errorf("no %s entity named %q: %w", kind, id, types.ErrEntityNotFound)
}

func marshalValue(v any) (bson.RawValue, error) {
	typ, data, err := bson.MarshalValue(v)
	if err != nil {
		return bson.RawValue{}, err
	}

	return bson.RawValue{Type: typ, Value: data}, nil
}
