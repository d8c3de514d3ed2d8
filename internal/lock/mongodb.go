package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cyderes/job-import-service/internal/errors"
)

// MongoLeaseManager implements Manager with lease documents:
// {_id: key, owner, expiresAt}. An expired lease can be taken over, so a
// crashed worker blocks its feed for at most the TTL.
type MongoLeaseManager struct {
	coll *mongo.Collection
	ttl  time.Duration
	now  func() time.Time
}

// NewMongoLeaseManager uses coll for lease documents
func NewMongoLeaseManager(coll *mongo.Collection, ttl time.Duration) *MongoLeaseManager {
	return &MongoLeaseManager{
		coll: coll,
		ttl:  ttl,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MongoLeaseManager) TryAcquire(ctx context.Context, key string) (Lock, error) {
	owner := uuid.NewString()
	now := m.now()

	// Matches a free or expired lease; if the document exists and is live the
	// upsert collides on _id and reports a duplicate key.
	filter := bson.M{"_id": key, "expiresAt": bson.M{"$lte": now}}
	update := bson.M{"$set": bson.M{"owner": owner, "expiresAt": now.Add(m.ttl), "acquiredAt": now}}

	_, err := m.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to acquire lease for %s", key)
	}
	return &mongoLease{coll: m.coll, key: key, owner: owner}, nil
}

type mongoLease struct {
	coll  *mongo.Collection
	key   string
	owner string
}

func (l *mongoLease) Release(ctx context.Context) error {
	_, err := l.coll.DeleteOne(ctx, bson.M{"_id": l.key, "owner": l.owner})
	if err != nil {
		return errors.Wrapf(err, "failed to release lease for %s", l.key)
	}
	return nil
}
