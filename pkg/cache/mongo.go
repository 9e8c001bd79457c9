package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoDoc is the stored form of a cache entry. Counters created by Incr
// use Count instead of Value.
type mongoDoc struct {
	Key       string     `bson:"_id"`
	Value     []byte     `bson:"value,omitempty"`
	Count     *int64     `bson:"count,omitempty"`
	ExpiresAt *time.Time `bson:"expiresAt,omitempty"`
}

func (d mongoDoc) bytes() []byte {
	if d.Count != nil {
		return []byte(strconv.FormatInt(*d.Count, 10))
	}
	return d.Value
}

// MongoStore is a networked Store backed by a MongoDB collection. A TTL
// index removes expired documents eventually; reads filter on expiresAt so
// expiry is exact regardless of when the index runs.
type MongoStore struct {
	client     *mongo.Client
	coll       *mongo.Collection
	now        func() time.Time
	ownsClient bool
}

// NewMongoStore connects to uri and uses database.collection for entries
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: connect mongo: %v", ErrUnavailable, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping mongo: %v", ErrUnavailable, err)
	}

	store := NewMongoStoreFromCollection(client.Database(database).Collection(collection))
	store.client = client
	store.ownsClient = true

	if err := store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

// NewMongoStoreFromCollection wraps an existing collection. The caller keeps
// ownership of the client.
func NewMongoStoreFromCollection(coll *mongo.Collection) *MongoStore {
	return &MongoStore{
		coll: coll,
		now:  time.Now,
	}
}

// EnsureIndexes creates the TTL index on expiresAt
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("%w: create ttl index: %v", ErrUnavailable, err)
	}
	return nil
}

func liveFilter(key string, now time.Time) bson.M {
	return bson.M{
		"_id": key,
		"$or": bson.A{
			bson.M{"expiresAt": bson.M{"$exists": false}},
			bson.M{"expiresAt": bson.M{"$gt": now}},
		},
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (s *MongoStore) find(ctx context.Context, key string) (*mongoDoc, error) {
	var doc mongoDoc
	err := s.coll.FindOne(ctx, liveFilter(key, s.now())).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("find", err)
	}
	return &doc, nil
}

// Get returns the value stored at key
func (s *MongoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	doc, err := s.find(ctx, key)
	if err != nil || doc == nil {
		return nil, false, err
	}
	return doc.bytes(), true, nil
}

// Set replaces the value at key
func (s *MongoStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	doc := mongoDoc{Key: key, Value: value}
	if doc.Value == nil {
		doc.Value = []byte{}
	}
	if ttl > 0 {
		expiresAt := s.now().Add(ttl)
		doc.ExpiresAt = &expiresAt
	}

	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return unavailable("set", err)
	}
	return nil
}

// Del removes key
func (s *MongoStore) Del(ctx context.Context, key string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return unavailable("del", err)
	}
	return nil
}

// Exists reports whether key is live
func (s *MongoStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, liveFilter(key, s.now()), options.Count().SetLimit(1))
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of key
func (s *MongoStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	doc, err := s.find(ctx, key)
	if err != nil {
		return Missing, err
	}
	if doc == nil {
		return Missing, nil
	}
	if doc.ExpiresAt == nil {
		return NoExpiry, nil
	}
	return remaining(*doc.ExpiresAt, s.now()), nil
}

// Incr atomically increments the counter at key with a single upsert.
// An expired counter is deleted first so the upsert starts a new window.
func (s *MongoStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := s.now()

	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": key, "expiresAt": bson.M{"$lte": now}}); err != nil {
		return 0, Missing, unavailable("incr", err)
	}

	update := bson.M{"$inc": bson.M{"count": int64(1)}}
	if window > 0 {
		update["$setOnInsert"] = bson.M{"expiresAt": now.Add(window)}
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc mongoDoc
	var err error
	// Two concurrent upserts on a fresh key can race to insert; the loser
	// gets a duplicate key error and succeeds on the retry as an update.
	for attempt := 0; attempt < 2; attempt++ {
		err = s.coll.FindOneAndUpdate(ctx, bson.M{"_id": key}, update, opts).Decode(&doc)
		if err == nil || !mongo.IsDuplicateKeyError(err) {
			break
		}
	}
	if err != nil {
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Code == 14 { // TypeMismatch: value is not a counter
			return 0, Missing, ErrNotInteger
		}
		return 0, Missing, unavailable("incr", err)
	}
	if doc.Count == nil {
		return 0, Missing, ErrNotInteger
	}

	ttl := NoExpiry
	if doc.ExpiresAt != nil {
		ttl = remaining(*doc.ExpiresAt, now)
	}
	return *doc.Count, ttl, nil
}

// Sweep deletes expired documents without waiting for the TTL monitor
func (s *MongoStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lte": s.now()}})
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	return int(res.DeletedCount), nil
}

// Close disconnects the client if the store created it
func (s *MongoStore) Close() error {
	if !s.ownsClient || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
