package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:        ObjectID,
//	  task:       []byte,    // gob-encoded Task
//	  not_before: int64,     // unix nanos
//	  seq:        int64,     // enqueue order
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue in db. collName defaults to
// "orchestration_tasks".
func NewMongoQueue(db *mongo.Database, collName string) *MongoQueue {
	if collName == "" {
		collName = "orchestration_tasks"
	}
	return &MongoQueue{
		coll:         db.Collection(collName),
		pollInterval: 100 * time.Millisecond,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	Task      []byte `bson:"task"`
	NotBefore int64  `bson:"not_before"`
	Seq       int64  `bson:"seq"`
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	now := time.Now()
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	doc := mongoQueueDoc{
		Task:      data,
		NotBefore: t.EnqueuedAt.UnixNano(),
		Seq:       now.UnixNano(),
	}
	if !t.NotBefore.IsZero() {
		doc.NotBefore = t.NotBefore.UnixNano()
	}

	_, err = q.coll.InsertOne(ctx, doc)
	return err
}

// Dequeue blocks (via polling) until a due task is available or ctx is
// cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	// Use a reusable timer to avoid allocating a new timer on every idle poll.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	opts := options.FindOneAndDelete().SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "seq", Value: 1}})
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var doc mongoQueueDoc
		err := q.coll.FindOneAndDelete(ctx, bson.M{"not_before": bson.M{"$lte": time.Now().UnixNano()}}, opts).Decode(&doc)
		if err == nil {
			return DecodeTask(doc.Task)
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}

		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Warn("mongo_queue_len_failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
