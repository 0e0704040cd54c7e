// Package mongostore implements runstate.Store backed by MongoDB.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"cadpilot.dev/cadpilot/runtime/runstate"
)

const (
	defaultCollection = "run_states"
	defaultOpTimeout  = 5 * time.Second
)

// Options configures the Mongo-backed run state store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
	// TTL is how long a run's state is retained after it reaches a
	// terminal status. Defaults to runstate.DefaultTTL.
	TTL time.Duration
}

// Store implements runstate.Store by delegating to a MongoDB collection.
// Documents are keyed by run_id with a unique index; an expires_at TTL
// index reaps terminal runs after Options.TTL.
type Store struct {
	coll    *mongodriver.Collection
	client  *mongodriver.Client
	timeout time.Duration
	ttl     time.Duration
}

// New constructs a Store, ensuring the unique run_id index and TTL index
// exist on the target collection.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = runstate.DefaultTTL
	}

	coll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return &Store{coll: coll, client: opts.Client, timeout: timeout, ttl: ttl}, nil
}

// Ping verifies connectivity to the MongoDB deployment; satisfies a
// health-check Pinger contract used by the process's readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

// Save upserts the RunState document for state.RunID. Documents for
// terminal runs carry an expires_at set to UpdatedAt+TTL so MongoDB's TTL
// monitor reaps them; non-terminal runs carry no expiry.
func (s *Store) Save(ctx context.Context, state runstate.RunState) error {
	if state.RunID == "" {
		return errors.New("mongostore: run id is required")
	}
	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = now
	}
	doc, err := toDocument(state, s.ttl)
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": state.RunID}
	update := bson.M{
		"$set": doc,
		"$setOnInsert": bson.M{
			"created_at": doc.CreatedAt,
		},
	}
	_, err = s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// Load retrieves the RunState for runID.
func (s *Store) Load(ctx context.Context, runID string) (runstate.RunState, error) {
	if runID == "" {
		return runstate.RunState{}, errors.New("mongostore: run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc stateDocument
	if err := s.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return runstate.RunState{}, runstate.ErrNotFound
		}
		return runstate.RunState{}, err
	}
	return doc.toRunState()
}

// Delete removes the stored RunState for runID, if any.
func (s *Store) Delete(ctx context.Context, runID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"run_id": runID})
	return err
}

// ListActive returns the run ids whose status has not reached a terminal
// state (i.e. documents with no expires_at set).
func (s *Store) ListActive(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"expires_at": bson.M{"$exists": false}},
		options.Find().SetProjection(bson.M{"run_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var row struct {
			RunID string `bson:"run_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		ids = append(ids, row.RunID)
	}
	return ids, cur.Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	models := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
	_, err := coll.Indexes().CreateMany(ctx, models)
	return err
}

// stateDocument is the BSON-serializable shape of a RunState. TaskGraph,
// CurrentScript, ExecutionResult, and ValidationResult are stored as raw
// JSON blobs rather than nested BSON documents: they originate as
// JSON-schema-validated LLM output (taskgraph, validation) or subprocess
// output (execution result) and round-tripping through encoding/json keeps
// their shape byte-identical to what the audit log records, instead of
// introducing a second, BSON-flavored encoding to keep in sync.
type stateDocument struct {
	RunID            string    `bson:"run_id"`
	UserPrompt       string    `bson:"user_prompt"`
	TaskGraph        []byte    `bson:"task_graph,omitempty"`
	CurrentScript    []byte    `bson:"current_script,omitempty"`
	ExecutionResult  []byte    `bson:"execution_result,omitempty"`
	ValidationResult []byte    `bson:"validation_result,omitempty"`
	Iteration        int       `bson:"iteration"`
	Refining         bool      `bson:"refining"`
	MaxIterations    int       `bson:"max_iterations"`
	Status           string    `bson:"status"`
	Error            []byte    `bson:"error,omitempty"`
	CreatedAt        time.Time `bson:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
	CorrelationID    string    `bson:"correlation_id"`
	ExpiresAt        time.Time `bson:"expires_at,omitempty"`
}

func toDocument(s runstate.RunState, ttl time.Duration) (stateDocument, error) {
	doc := stateDocument{
		RunID:         s.RunID,
		UserPrompt:    s.UserPrompt,
		Iteration:     s.Iteration,
		Refining:      s.Refining,
		MaxIterations: s.MaxIterations,
		Status:        string(s.Status),
		CreatedAt:     s.CreatedAt.UTC(),
		UpdatedAt:     s.UpdatedAt.UTC(),
		CorrelationID: s.CorrelationID,
	}
	if s.Status.Terminal() {
		doc.ExpiresAt = doc.UpdatedAt.Add(ttl)
	}
	var err error
	if s.TaskGraph != nil {
		if doc.TaskGraph, err = json.Marshal(s.TaskGraph); err != nil {
			return stateDocument{}, err
		}
	}
	if s.CurrentScript != nil {
		if doc.CurrentScript, err = json.Marshal(s.CurrentScript); err != nil {
			return stateDocument{}, err
		}
	}
	if s.ExecutionResult != nil {
		if doc.ExecutionResult, err = json.Marshal(s.ExecutionResult); err != nil {
			return stateDocument{}, err
		}
	}
	if s.ValidationResult != nil {
		if doc.ValidationResult, err = json.Marshal(s.ValidationResult); err != nil {
			return stateDocument{}, err
		}
	}
	if s.Error != nil {
		if doc.Error, err = json.Marshal(s.Error); err != nil {
			return stateDocument{}, err
		}
	}
	return doc, nil
}

func (doc stateDocument) toRunState() (runstate.RunState, error) {
	s := runstate.RunState{
		RunID:         doc.RunID,
		UserPrompt:    doc.UserPrompt,
		Iteration:     doc.Iteration,
		Refining:      doc.Refining,
		MaxIterations: doc.MaxIterations,
		Status:        runstate.Status(doc.Status),
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
		CorrelationID: doc.CorrelationID,
	}
	if len(doc.TaskGraph) > 0 {
		if err := json.Unmarshal(doc.TaskGraph, &s.TaskGraph); err != nil {
			return runstate.RunState{}, err
		}
	}
	if len(doc.CurrentScript) > 0 {
		if err := json.Unmarshal(doc.CurrentScript, &s.CurrentScript); err != nil {
			return runstate.RunState{}, err
		}
	}
	if len(doc.ExecutionResult) > 0 {
		if err := json.Unmarshal(doc.ExecutionResult, &s.ExecutionResult); err != nil {
			return runstate.RunState{}, err
		}
	}
	if len(doc.ValidationResult) > 0 {
		if err := json.Unmarshal(doc.ValidationResult, &s.ValidationResult); err != nil {
			return runstate.RunState{}, err
		}
	}
	if len(doc.Error) > 0 {
		if err := json.Unmarshal(doc.Error, &s.Error); err != nil {
			return runstate.RunState{}, err
		}
	}
	return s, nil
}
