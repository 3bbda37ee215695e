// Package docstore abstracts the document database a transfer reads from or
// writes to. Every method is a blocking call that may wait on the network.
package docstore

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrCollectionNotFound is returned by in-memory databases for unknown collections.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrClosed is returned when a database is used after Close.
	ErrClosed = errors.New("database closed")
)

// Record is a single document. Field order is preserved so exported lines
// round-trip byte-for-byte through import.
type Record = bson.D

// Cursor is a server-side handle over a query's result set.
// *mongo.Cursor satisfies it.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

// Database is one logical database on a connected server.
type Database interface {
	// Name returns the database name.
	Name() string

	// ListCollections returns the user collection names in listing order.
	ListCollections(ctx context.Context) ([]string, error)

	// Count returns the number of documents in a collection.
	Count(ctx context.Context, collection string) (int64, error)

	// Find opens a cursor over every document in a collection. batchSize is a
	// hint for how many documents the server returns per round trip.
	Find(ctx context.Context, collection string, batchSize int) (Cursor, error)

	// InsertMany inserts records into a collection in one bulk call.
	InsertMany(ctx context.Context, collection string, records []Record) error

	// DeleteMany removes every document from a collection.
	DeleteMany(ctx context.Context, collection string) (int64, error)

	// Close releases the underlying connection.
	Close(ctx context.Context) error
}

// Connector opens databases.
type Connector interface {
	Connect(ctx context.Context, uri, database string) (Database, error)
}

// IsSystemCollection reports whether name is a server-managed collection
// that transfers skip.
func IsSystemCollection(name string) bool {
	return strings.HasPrefix(name, "system.")
}
