package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoLease struct {
	Key       string `bson:"_id"`
	Owner     string `bson:"owner"`
	ExpiresAt int64  `bson:"expires_at"`
}

// MongoLocker keeps one document per lease in orchestration_locks.
type MongoLocker struct {
	coll *mongo.Collection

	Now func() time.Time
}

func NewMongoLocker(db *mongo.Database) *MongoLocker {
	return &MongoLocker{coll: db.Collection("orchestration_locks"), Now: time.Now}
}

func (m *MongoLocker) holder(ctx context.Context, key string) (string, bool, error) {
	var doc mongoLease
	err := m.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return doc.Owner, true, nil
}

func (m *MongoLocker) AcquireLock(ctx context.Context, kf KeyFactory, owner string, expiresAt time.Time) (Result, error) {
	key := kf.LockKey()
	filter := bson.M{
		"_id": key,
		"$or": bson.A{
			bson.M{"owner": owner},
			bson.M{"owner": ""},
			bson.M{"expires_at": bson.M{"$lte": m.Now().UnixNano()}},
		},
	}
	update := bson.M{"$set": bson.M{"owner": owner, "expires_at": expiresAt.UnixNano()}}

	_, err := m.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err == nil {
		return Result{Succeeded: true}, nil
	}
	// A live lease held by someone else makes the upsert collide on _id.
	if !mongo.IsDuplicateKeyError(err) {
		return Result{}, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	cur, _, err := m.holder(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("read lock holder %q: %w", key, err)
	}
	return Result{LockedBy: cur}, nil
}

func (m *MongoLocker) ReleaseLock(ctx context.Context, kf KeyFactory, data SyncData) (Result, error) {
	key := kf.LockKey()
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": key, "owner": data.Owner})
	if err != nil {
		return Result{}, fmt.Errorf("release lock %q: %w", key, err)
	}
	if res.DeletedCount > 0 {
		return Result{Succeeded: true}, nil
	}
	cur, found, err := m.holder(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("read lock holder %q: %w", key, err)
	}
	if !found {
		return Result{Succeeded: true}, nil
	}
	return Result{LockedBy: cur}, nil
}
