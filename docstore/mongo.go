package docstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ensure interfaces are implemented
var (
	_ Connector = (*MongoConnector)(nil)
	_ Database  = (*mongoDatabase)(nil)
	_ Cursor    = (*mongo.Cursor)(nil)
)

// DefaultConnectTimeout bounds server selection when connecting.
const DefaultConnectTimeout = 10 * time.Second

// MongoConnector opens MongoDB databases with the official driver.
type MongoConnector struct {
	// ConnectTimeout bounds the initial connect and ping.
	ConnectTimeout time.Duration
}

// NewMongoConnector creates a MongoConnector. A zero timeout uses DefaultConnectTimeout.
func NewMongoConnector(timeout time.Duration) *MongoConnector {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &MongoConnector{ConnectTimeout: timeout}
}

// Connect dials uri, verifies the server is reachable and returns a handle on database.
func (c *MongoConnector) Connect(ctx context.Context, uri, database string) (Database, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(c.ConnectTimeout).
		SetConnectTimeout(c.ConnectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &mongoDatabase{client: client, db: client.Database(database)}, nil
}

type mongoDatabase struct {
	client *mongo.Client
	db     *mongo.Database
}

func (m *mongoDatabase) Name() string {
	return m.db.Name()
}

func (m *mongoDatabase) ListCollections(ctx context.Context) ([]string, error) {
	specs, err := m.db.ListCollectionSpecifications(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}

	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		// views cannot be read back into or inserted into
		if spec.Type != "" && spec.Type != "collection" {
			continue
		}
		if IsSystemCollection(spec.Name) {
			continue
		}
		names = append(names, spec.Name)
	}
	return names, nil
}

func (m *mongoDatabase) Count(ctx context.Context, collection string) (int64, error) {
	n, err := m.db.Collection(collection).EstimatedDocumentCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return n, nil
}

func (m *mongoDatabase) Find(ctx context.Context, collection string, batchSize int) (Cursor, error) {
	opts := options.Find()
	if batchSize > 0 {
		opts.SetBatchSize(int32(batchSize))
	}

	cur, err := m.db.Collection(collection).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor on %s: %w", collection, err)
	}
	return cur, nil
}

func (m *mongoDatabase) InsertMany(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	docs := make([]any, len(records))
	for i, r := range records {
		docs[i] = r
	}

	// Unordered lets the server apply the batch in one pass; a duplicate key
	// still fails the whole call.
	_, err := m.db.Collection(collection).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", collection, err)
	}
	return nil
}

func (m *mongoDatabase) DeleteMany(ctx context.Context, collection string) (int64, error) {
	res, err := m.db.Collection(collection).DeleteMany(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("failed to clear %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

func (m *mongoDatabase) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
