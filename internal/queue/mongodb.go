package queue

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
)

type mongoMessage struct {
	ID         string    `bson:"_id"`
	FeedURL    string    `bson:"feedUrl"`
	EnqueuedAt time.Time `bson:"enqueuedAt"`
	Attempt    int       `bson:"attempt"`
	Status     string    `bson:"status"`
	VisibleAt  time.Time `bson:"visibleAt"`
	LastError  string    `bson:"lastError,omitempty"`
}

// MongoQueue stores messages as documents in one collection. Claims are a
// single FindOneAndUpdate, so two workers never receive the same delivery.
type MongoQueue struct {
	coll       *mongo.Collection
	visibility time.Duration
	now        func() time.Time
	closer     func() error
}

// NewMongoQueue uses coll for queue documents
func NewMongoQueue(coll *mongo.Collection, visibility time.Duration) *MongoQueue {
	return &MongoQueue{
		coll:       coll,
		visibility: visibility,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (q *MongoQueue) ensureIndexes(ctx context.Context) error {
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "status", Value: 1}, {Key: "visibleAt", Value: 1}},
		Options: options.Index().SetName("status_visible"),
	})
	if err != nil {
		return errors.Wrap(err, "failed to create queue index")
	}
	return nil
}

func (q *MongoQueue) Enqueue(ctx context.Context, req models.RunRequest) error {
	doc := mongoMessage{
		ID:         req.ID,
		FeedURL:    req.FeedURL,
		EnqueuedAt: req.EnqueuedAt,
		Attempt:    req.Attempt,
		Status:     statusPending,
		VisibleAt:  q.now(),
	}
	if _, err := q.coll.InsertOne(ctx, doc); err != nil {
		return errors.Wrapf(err, "failed to enqueue run for %s", req.FeedURL)
	}
	return nil
}

func (q *MongoQueue) Dequeue(ctx context.Context) (*models.RunRequest, error) {
	now := q.now()
	filter := bson.M{
		"status":    bson.M{"$in": bson.A{statusPending, statusRunning}},
		"visibleAt": bson.M{"$lte": now},
	}
	// Pipeline update so an expired claim (status still running) counts as a delivery.
	update := mongo.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "attempt", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{"$status", statusRunning}}},
			bson.D{{Key: "$add", Value: bson.A{"$attempt", 1}}},
			"$attempt",
		}}}},
		{Key: "status", Value: statusRunning},
		{Key: "visibleAt", Value: now.Add(q.visibility)},
	}}}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "visibleAt", Value: 1}, {Key: "enqueuedAt", Value: 1}}).
		SetReturnDocument(options.After)

	var doc mongoMessage
	err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim queue message")
	}

	return &models.RunRequest{
		ID:         doc.ID,
		FeedURL:    doc.FeedURL,
		EnqueuedAt: doc.EnqueuedAt,
		Attempt:    doc.Attempt,
	}, nil
}

func (q *MongoQueue) Ack(ctx context.Context, id string) error {
	res, err := q.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrapf(err, "failed to ack %s", id)
	}
	if res.DeletedCount == 0 {
		return errors.Wrapf(ErrNotFound, "ack %s", id)
	}
	return nil
}

func (q *MongoQueue) Requeue(ctx context.Context, id string, attempt int, delay time.Duration) error {
	update := bson.M{"$set": bson.M{
		"status":    statusPending,
		"attempt":   attempt,
		"visibleAt": q.now().Add(delay),
	}}
	return q.updateOne(ctx, id, update, "requeue")
}

func (q *MongoQueue) DeadLetter(ctx context.Context, id string, reason string) error {
	update := bson.M{"$set": bson.M{"status": statusDead, "lastError": reason}}
	return q.updateOne(ctx, id, update, "dead-letter")
}

func (q *MongoQueue) updateOne(ctx context.Context, id string, update bson.M, op string) error {
	res, err := q.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return errors.Wrapf(err, "failed to %s %s", op, id)
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(ErrNotFound, "%s %s", op, id)
	}
	return nil
}

func (q *MongoQueue) Close() error {
	if q.closer != nil {
		return q.closer()
	}
	return nil
}
