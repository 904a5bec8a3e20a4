package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/orchestra/pkg/api"
)

// MongoStore is a Store backed by MongoDB. Instances, pointers and events
// live in separate collections; an instance document keeps the ordered list
// of its pointer ids and its finalized branches.
type MongoStore struct {
	instances *mongo.Collection
	pointers  *mongo.Collection
	events    *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

type mongoInstanceDoc struct {
	ID           string   `bson:"_id"`
	Key          string   `bson:"orchestration_key"`
	DefinitionID string   `bson:"definition_id"`
	Version      int      `bson:"version"`
	Data         []byte   `bson:"data,omitempty"`
	Status       string   `bson:"status"`
	CreatedAt    int64    `bson:"created_at"`
	CompletedAt  int64    `bson:"completed_at"`
	IdleTimeout  int64    `bson:"idle_timeout"`
	Trace        string   `bson:"trace"`
	PointerIDs   []string `bson:"pointer_ids"`
	Finalized    []int    `bson:"finalized"`
}

type mongoEventDoc struct {
	ID               string `bson:"_id"`
	Name             string `bson:"name"`
	Key              string `bson:"event_key"`
	OrchestrationKey string `bson:"orchestration_key"`
	Data             []byte `bson:"data,omitempty"`
	CreatedAt        int64  `bson:"created_at"`
	ProcessedAt      int64  `bson:"processed_at"`
	Seq              int64  `bson:"seq"`
}

// NewMongoStore creates a Mongo-backed store in database dbName (default
// "orchestra") and ensures its indexes.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "orchestra"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		instances: db.Collection("orchestrations"),
		pointers:  db.Collection("execution_pointers"),
		events:    db.Collection("orchestration_events"),
	}

	if _, err := s.instances.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "orchestration_key", Value: 1}}},
		{Keys: bson.D{{Key: "definition_id", Value: 1}, {Key: "status", Value: 1}}},
	}); err != nil {
		return nil, err
	}
	if _, err := s.pointers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "instance_id", Value: 1}},
	}); err != nil {
		return nil, err
	}
	if _, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "orchestration_key", Value: 1}, {Key: "processed_at", Value: 1}, {Key: "seq", Value: 1}},
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *mongoInstanceDoc) toInstance() (*api.Instance, error) {
	data, err := DecodeValue[any](d.Data)
	if err != nil {
		return nil, err
	}
	return &api.Instance{
		ID:                d.ID,
		Key:               d.Key,
		DefinitionID:      d.DefinitionID,
		Version:           d.Version,
		Data:              data,
		Status:            api.InstanceStatus(d.Status),
		CreatedAt:         fromNanos(d.CreatedAt),
		CompletedAt:       fromNanos(d.CompletedAt),
		WorkerIdleTimeout: time.Duration(d.IdleTimeout),
		Trace:             d.Trace,
	}, nil
}

func (s *MongoStore) CreateNewOrchestration(ctx context.Context, inst *api.Instance) error {
	data, err := EncodeValue(inst.Data)
	if err != nil {
		return err
	}
	doc := mongoInstanceDoc{
		ID:           inst.ID,
		Key:          inst.Key,
		DefinitionID: inst.DefinitionID,
		Version:      inst.Version,
		Data:         data,
		Status:       string(inst.Status),
		CreatedAt:    toNanos(inst.CreatedAt),
		CompletedAt:  toNanos(inst.CompletedAt),
		IdleTimeout:  int64(inst.WorkerIdleTimeout),
		Trace:        inst.Trace,
		PointerIDs:   []string{},
		Finalized:    []int{},
	}
	var recs []any
	for _, p := range inst.Pointers {
		rec, err := newPointerRecord(inst.ID, p)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
		doc.PointerIDs = append(doc.PointerIDs, p.ID)
	}
	doc.Finalized = append(doc.Finalized, inst.FinalizedBranches...)

	if len(recs) > 0 {
		if _, err := s.pointers.InsertMany(ctx, recs); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return ErrAlreadyExists
			}
			return err
		}
	}
	if _, err := s.instances.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *MongoStore) updateInstance(ctx context.Context, id string, update bson.M) error {
	res, err := s.instances.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrInstanceNotFound
	}
	return nil
}

func (s *MongoStore) UpdateOrchestrationStatus(ctx context.Context, id string, status api.InstanceStatus, completedAt time.Time) error {
	set := bson.M{"status": string(status)}
	if !completedAt.IsZero() {
		set["completed_at"] = toNanos(completedAt)
	}
	return s.updateInstance(ctx, id, bson.M{"$set": set})
}

func (s *MongoStore) UpdateOrchestrationData(ctx context.Context, id string, data any) error {
	encoded, err := EncodeValue(data)
	if err != nil {
		return err
	}
	return s.updateInstance(ctx, id, bson.M{"$set": bson.M{"data": encoded}})
}

func (s *MongoStore) AddExecutionPointer(ctx context.Context, instanceID string, p *api.ExecutionPointer) error {
	rec, err := newPointerRecord(instanceID, p)
	if err != nil {
		return err
	}
	if err := s.updateInstance(ctx, instanceID, bson.M{"$push": bson.M{"pointer_ids": p.ID}}); err != nil {
		return err
	}
	_, err = s.pointers.InsertOne(ctx, rec)
	return err
}

func (s *MongoStore) AddNestedExecutionPointer(ctx context.Context, instanceID, containerID string, p *api.ExecutionPointer) error {
	container, err := s.GetStepExecutionPointer(ctx, instanceID, containerID)
	if err != nil {
		return err
	}
	nested := joinNested(append(container.Nested, p.ID))
	if _, err := s.pointers.UpdateOne(ctx,
		bson.M{"_id": containerID, "instance_id": instanceID},
		bson.M{"$set": bson.M{colNested: nested}},
	); err != nil {
		return err
	}
	return s.AddExecutionPointer(ctx, instanceID, p)
}

func (s *MongoStore) GetStepExecutionPointer(ctx context.Context, instanceID, pointerID string) (*api.ExecutionPointer, error) {
	var rec pointerRecord
	err := s.pointers.FindOne(ctx, bson.M{"_id": pointerID, "instance_id": instanceID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrPointerNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toPointer()
}

func (s *MongoStore) loadDoc(ctx context.Context, id string) (*mongoInstanceDoc, error) {
	var doc mongoInstanceDoc
	err := s.instances.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, api.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *MongoStore) GetExecutionPointers(ctx context.Context, instanceID string) ([]*api.ExecutionPointer, error) {
	doc, err := s.loadDoc(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	cur, err := s.pointers.Find(ctx, bson.M{"instance_id": instanceID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	byID := make(map[string]*api.ExecutionPointer)
	for cur.Next(ctx) {
		var rec pointerRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		p, err := rec.toPointer()
		if err != nil {
			return nil, err
		}
		byID[p.ID] = p
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	out := make([]*api.ExecutionPointer, 0, len(doc.PointerIDs))
	for _, id := range doc.PointerIDs {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MongoStore) UpdateExecutionPointer(ctx context.Context, instanceID, pointerID string, patch *api.PointerPatch) error {
	cols, err := patchColumns(patch)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}
	set := bson.M{}
	for _, c := range cols {
		set[c.column] = c.value
	}
	res, err := s.pointers.UpdateOne(ctx, bson.M{"_id": pointerID, "instance_id": instanceID}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrPointerNotFound
	}
	return nil
}

func (s *MongoStore) AddFinalizedBranch(ctx context.Context, instanceID string, stepID int) error {
	return s.updateInstance(ctx, instanceID, bson.M{"$addToSet": bson.M{"finalized": stepID}})
}

func (s *MongoStore) GetFinalizedBranchIds(ctx context.Context, instanceID string) ([]int, error) {
	doc, err := s.loadDoc(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return doc.Finalized, nil
}

func (s *MongoStore) GetOrchestrationInstance(ctx context.Context, id string) (*api.Instance, error) {
	doc, err := s.loadDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.toInstance()
}

func (s *MongoStore) findInstances(ctx context.Context, filter bson.M) ([]*api.Instance, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.instances.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.Instance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := doc.toInstance()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, cur.Err()
}

func (s *MongoStore) GetOrchestrationInstancesByKey(ctx context.Context, key string) ([]*api.Instance, error) {
	return s.findInstances(ctx, bson.M{"orchestration_key": key})
}

func (s *MongoStore) GetAllUnfinishedInstances(ctx context.Context, definitionID string) ([]*api.Instance, error) {
	return s.findInstances(ctx, bson.M{
		"definition_id": definitionID,
		"status":        bson.M{"$nin": bson.A{string(api.InstanceCompleted), string(api.InstanceTerminated)}},
	})
}

func (s *MongoStore) GetRunnableInstances(ctx context.Context, now time.Time) ([]string, error) {
	candidates, err := s.findInstances(ctx, bson.M{
		"status": bson.M{"$in": bson.A{string(api.InstanceRunning), string(api.InstanceExecuting)}},
	})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, inst := range candidates {
		if inst.Pointers, err = s.GetExecutionPointers(ctx, inst.ID); err != nil {
			return nil, err
		}
		events, err := s.GetUnprocessedEvents(ctx, inst.Key)
		if err != nil {
			return nil, err
		}
		if IsRunnable(inst, events, now) {
			out = append(out, inst.ID)
		}
	}
	return out, nil
}

func (s *MongoStore) SaveNewEvent(ctx context.Context, ev *api.Event) error {
	data, err := EncodeValue(ev.Data)
	if err != nil {
		return err
	}
	_, err = s.events.InsertOne(ctx, mongoEventDoc{
		ID:               ev.ID,
		Name:             ev.Name,
		Key:              ev.Key,
		OrchestrationKey: ev.OrchestrationKey,
		Data:             data,
		CreatedAt:        toNanos(ev.CreatedAt),
		ProcessedAt:      toNanos(ev.ProcessedAt),
		Seq:              time.Now().UnixNano(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *MongoStore) GetUnprocessedEvents(ctx context.Context, orchestrationKey string) ([]*api.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cur, err := s.events.Find(ctx, bson.M{"orchestration_key": orchestrationKey, "processed_at": int64(0)}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.Event
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		data, err := DecodeValue[any](doc.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, &api.Event{
			ID:               doc.ID,
			Name:             doc.Name,
			Key:              doc.Key,
			OrchestrationKey: doc.OrchestrationKey,
			Data:             data,
			CreatedAt:        fromNanos(doc.CreatedAt),
		})
	}
	return out, cur.Err()
}

func (s *MongoStore) SetProcessedUtc(ctx context.Context, eventID string, at time.Time) error {
	res, err := s.events.UpdateOne(ctx, bson.M{"_id": eventID}, bson.M{"$set": bson.M{"processed_at": toNanos(at)}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrEventNotFound
	}
	return nil
}
