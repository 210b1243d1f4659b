package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stepflow/pkg/api"
)

// MongoStore is a RecordStore and Leaser backed by a MongoDB collection.
// Terminal records with a retention window also carry expire_on, a date
// field with a TTL index, so MongoDB removes them even if no sweep runs.
type MongoStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

var (
	_ RecordStore = (*MongoStore)(nil)
	_ Leaser      = (*MongoStore)(nil)
)

// NewMongoStore creates a Mongo-backed record store.
// dbName defaults to "stepflow" if empty, collName defaults to "executions".
func NewMongoStore(client *mongo.Client, dbName, collName string) *MongoStore {
	if dbName == "" {
		dbName = "stepflow"
	}
	if collName == "" {
		collName = "executions"
	}
	return &MongoStore{
		coll: client.Database(dbName).Collection(collName),
		now:  time.Now,
	}
}

// NewMongoPersistence wires records, leases and history onto one database.
func NewMongoPersistence(ctx context.Context, client *mongo.Client, dbName string) (Persistence, error) {
	store := NewMongoStore(client, dbName, "")
	if err := store.EnsureIndexes(ctx); err != nil {
		return Persistence{}, err
	}
	history := NewMongoHistoryStore(client, dbName, "")
	if err := history.EnsureIndexes(ctx); err != nil {
		return Persistence{}, err
	}
	return Persistence{Records: store, History: history, Leases: store}, nil
}

// EnsureIndexes creates the status, workflow and TTL indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "workflow_id", Value: 1}}},
		{Keys: bson.D{{Key: "expire_on", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
	})
	if err != nil {
		return fmt.Errorf("mongo: create indexes: %w", err)
	}
	return nil
}

type mongoRecordDoc struct {
	JobID        string     `bson:"_id"`
	WorkflowID   string     `bson:"workflow_id"`
	CurrentState string     `bson:"current_state"`
	Payload      []byte     `bson:"payload,omitempty"`
	Attempt      int        `bson:"attempt"`
	Status       string     `bson:"status"`
	Reason       string     `bson:"reason,omitempty"`
	CreatedAt    int64      `bson:"created_at"`
	UpdatedAt    int64      `bson:"updated_at"`
	DeadlineAt   int64      `bson:"deadline_at"`
	ResumeAt     int64      `bson:"resume_at"`
	RetryAt      int64      `bson:"retry_at"`
	ExpiresAt    int64      `bson:"expires_at"`
	ExpireOn     *time.Time `bson:"expire_on,omitempty"`
	Version      int64      `bson:"version"`

	LeaseOwner     string `bson:"lease_owner"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
}

func toMongoDoc(rec *api.ExecutionRecord) (mongoRecordDoc, error) {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return mongoRecordDoc{}, err
	}
	reason, err := encodeReason(rec.Reason)
	if err != nil {
		return mongoRecordDoc{}, err
	}
	doc := mongoRecordDoc{
		JobID:        rec.JobID,
		WorkflowID:   rec.WorkflowID,
		CurrentState: rec.CurrentState,
		Payload:      payload,
		Attempt:      rec.Attempt,
		Status:       string(rec.Status),
		Reason:       reason,
		CreatedAt:    toNanos(rec.CreatedAt),
		UpdatedAt:    toNanos(rec.UpdatedAt),
		DeadlineAt:   toNanos(rec.DeadlineAt),
		ResumeAt:     toNanos(rec.ResumeAt),
		RetryAt:      toNanos(rec.RetryAt),
		ExpiresAt:    toNanos(rec.ExpiresAt),
		Version:      rec.Version,
	}
	if rec.Status.IsTerminal() && !rec.ExpiresAt.IsZero() {
		at := rec.ExpiresAt.UTC()
		doc.ExpireOn = &at
	}
	return doc, nil
}

func (d mongoRecordDoc) record() (*api.ExecutionRecord, error) {
	rec := &api.ExecutionRecord{
		JobID:        d.JobID,
		WorkflowID:   d.WorkflowID,
		CurrentState: d.CurrentState,
		Attempt:      d.Attempt,
		Version:      d.Version,
	}
	return fillRecord(rec, d.Payload, d.Status, d.Reason,
		d.CreatedAt, d.UpdatedAt, d.DeadlineAt, d.ResumeAt, d.RetryAt, d.ExpiresAt)
}

func (s *MongoStore) Create(ctx context.Context, rec *api.ExecutionRecord) error {
	doc, err := toMongoDoc(rec)
	if err != nil {
		return err
	}
	doc.Version = 1
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	rec.Version = 1
	return nil
}

func (s *MongoStore) Get(ctx context.Context, jobID string) (*api.ExecutionRecord, error) {
	var doc mongoRecordDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, api.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find execution: %w", err)
	}
	return doc.record()
}

func (s *MongoStore) Put(ctx context.Context, rec *api.ExecutionRecord) error {
	doc, err := toMongoDoc(rec)
	if err != nil {
		return err
	}

	set := bson.M{
		"current_state": doc.CurrentState,
		"payload":       doc.Payload,
		"attempt":       doc.Attempt,
		"status":        doc.Status,
		"reason":        doc.Reason,
		"updated_at":    doc.UpdatedAt,
		"deadline_at":   doc.DeadlineAt,
		"resume_at":     doc.ResumeAt,
		"retry_at":      doc.RetryAt,
		"expires_at":    doc.ExpiresAt,
	}
	update := bson.M{"$set": set, "$inc": bson.M{"version": 1}}
	if doc.ExpireOn != nil {
		set["expire_on"] = *doc.ExpireOn
	} else {
		update["$unset"] = bson.M{"expire_on": ""}
	}

	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": rec.JobID, "version": rec.Version}, update)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.Get(ctx, rec.JobID); err != nil {
			return err
		}
		return api.ErrConcurrentModification
	}
	rec.Version++
	return nil
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]mongoRecordDoc, error) {
	cur, err := s.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []mongoRecordDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *MongoStore) List(ctx context.Context, filter api.ExecutionFilter) ([]*api.ExecutionRecord, error) {
	q := bson.M{}
	if filter.WorkflowID != "" {
		q["workflow_id"] = filter.WorkflowID
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	docs, err := s.find(ctx, q, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	out := make([]*api.ExecutionRecord, 0, len(docs))
	for _, d := range docs {
		rec, err := d.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MongoStore) ListDue(ctx context.Context, now, staleBefore time.Time) ([]string, error) {
	n := now.UnixNano()
	or := bson.A{
		bson.M{"deadline_at": bson.M{"$gt": 0, "$lte": n}},
		bson.M{"status": string(api.StatusSuspended), "resume_at": bson.M{"$gt": 0, "$lte": n}},
		bson.M{"status": string(api.StatusRunning), "retry_at": bson.M{"$gt": 0, "$lte": n}},
	}
	if !staleBefore.IsZero() {
		or = append(or, bson.M{
			"status":     string(api.StatusRunning),
			"retry_at":   0,
			"updated_at": bson.M{"$lte": staleBefore.UnixNano()},
		})
	}
	q := bson.M{
		"status": bson.M{"$in": bson.A{string(api.StatusRunning), string(api.StatusSuspended)}},
		"$or":    or,
	}
	docs, err := s.find(ctx, q,
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list due executions: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.JobID)
	}
	return ids, nil
}

func (s *MongoStore) Delete(ctx context.Context, jobID string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": jobID})
	return err
}

func (s *MongoStore) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	q := bson.M{
		"status": bson.M{"$in": bson.A{
			string(api.StatusSucceeded), string(api.StatusFailed), string(api.StatusAborted),
		}},
		"expires_at": bson.M{"$gt": 0, "$lte": now.UnixNano()},
	}
	docs, err := s.find(ctx, q, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("find expired executions: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.JobID)
	}
	if _, err := s.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return nil, fmt.Errorf("purge executions: %w", err)
	}
	return ids, nil
}

func (s *MongoStore) TryAcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{
			"_id": jobID,
			"$or": bson.A{
				bson.M{"lease_owner": ""},
				bson.M{"lease_expires_at": bson.M{"$lte": now.UnixNano()}},
				bson.M{"lease_owner": owner},
			},
		},
		bson.M{"$set": bson.M{"lease_owner": owner, "lease_expires_at": now.Add(ttl).UnixNano()}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) RenewLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": jobID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_expires_at": s.now().Add(ttl).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *MongoStore) ReleaseLease(ctx context.Context, jobID, owner string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": jobID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_owner": "", "lease_expires_at": int64(0)}},
	)
	return err
}

// MongoHistoryStore keeps transition history in its own collection.
type MongoHistoryStore struct {
	coll *mongo.Collection
}

var _ HistoryStore = (*MongoHistoryStore)(nil)

// NewMongoHistoryStore creates a history store; collName defaults to
// "execution_transitions".
func NewMongoHistoryStore(client *mongo.Client, dbName, collName string) *MongoHistoryStore {
	if dbName == "" {
		dbName = "stepflow"
	}
	if collName == "" {
		collName = "execution_transitions"
	}
	return &MongoHistoryStore{coll: client.Database(dbName).Collection(collName)}
}

func (h *MongoHistoryStore) EnsureIndexes(ctx context.Context) error {
	_, err := h.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "version", Value: 1}},
	})
	return err
}

type mongoEventDoc struct {
	JobID      string `bson:"job_id"`
	WorkflowID string `bson:"workflow_id"`
	Version    int64  `bson:"version"`
	At         int64  `bson:"at"`
	From       string `bson:"from"`
	To         string `bson:"to"`
	Status     string `bson:"status"`
	Detail     string `bson:"detail,omitempty"`
}

func (h *MongoHistoryStore) Append(ctx context.Context, ev api.TransitionEvent) error {
	_, err := h.coll.InsertOne(ctx, mongoEventDoc{
		JobID:      ev.JobID,
		WorkflowID: ev.WorkflowID,
		Version:    ev.Version,
		At:         toNanos(ev.At),
		From:       ev.From,
		To:         ev.To,
		Status:     string(ev.Status),
		Detail:     ev.Detail,
	})
	return err
}

func (h *MongoHistoryStore) List(ctx context.Context, jobID string) ([]api.TransitionEvent, error) {
	cur, err := h.coll.Find(ctx, bson.M{"job_id": jobID},
		options.Find().SetSort(bson.D{{Key: "version", Value: 1}, {Key: "at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []mongoEventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]api.TransitionEvent, 0, len(docs))
	for _, d := range docs {
		out = append(out, api.TransitionEvent{
			JobID:      d.JobID,
			WorkflowID: d.WorkflowID,
			Version:    d.Version,
			At:         fromNanos(d.At),
			From:       d.From,
			To:         d.To,
			Status:     api.Status(d.Status),
			Detail:     d.Detail,
		})
	}
	return out, nil
}

func (h *MongoHistoryStore) Delete(ctx context.Context, jobID string) error {
	_, err := h.coll.DeleteMany(ctx, bson.M{"job_id": jobID})
	return err
}
