package docstore

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// ensure interfaces are implemented
var (
	_ Connector = (*MemoryConnector)(nil)
	_ Database  = (*MemoryDatabase)(nil)
)

// CursorFault makes a cursor fail with Err after yielding After documents.
type CursorFault struct {
	After int
	Err   error
}

// MemoryConnector hands out in-memory databases keyed by uri and name.
// It backs tests.
type MemoryConnector struct {
	mu  sync.Mutex
	dbs map[string]*MemoryDatabase

	// ConnectErr, when set, is returned by every Connect call.
	ConnectErr error
}

// NewMemoryConnector creates an empty MemoryConnector.
func NewMemoryConnector() *MemoryConnector {
	return &MemoryConnector{dbs: make(map[string]*MemoryDatabase)}
}

// Database returns (creating if needed) the database for uri and name.
func (c *MemoryConnector) Database(uri, name string) *MemoryDatabase {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := uri + "/" + name
	db, ok := c.dbs[key]
	if !ok {
		db = NewMemoryDatabase(name)
		c.dbs[key] = db
	}
	return db
}

// Connect implements Connector.
func (c *MemoryConnector) Connect(ctx context.Context, uri, database string) (Database, error) {
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	db := c.Database(uri, database)
	db.mu.Lock()
	db.closed = false
	db.mu.Unlock()
	return db, nil
}

// MemoryDatabase is a Database held entirely in memory.
type MemoryDatabase struct {
	mu     sync.Mutex
	name   string
	order  []string
	colls  map[string][]Record
	closed bool

	// Fault injection, keyed by collection name.
	CountErr    map[string]error
	InsertErr   map[string]error
	DeleteErr   map[string]error
	CursorFault map[string]CursorFault

	// Inserts counts InsertMany calls per collection.
	Inserts map[string]int
}

// NewMemoryDatabase creates an empty database.
func NewMemoryDatabase(name string) *MemoryDatabase {
	return &MemoryDatabase{
		name:        name,
		colls:       make(map[string][]Record),
		CountErr:    make(map[string]error),
		InsertErr:   make(map[string]error),
		DeleteErr:   make(map[string]error),
		CursorFault: make(map[string]CursorFault),
		Inserts:     make(map[string]int),
	}
}

// Seed replaces the contents of a collection, creating it if needed.
func (m *MemoryDatabase) Seed(collection string, records ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(collection)
	m.colls[collection] = append([]Record(nil), records...)
}

// Documents returns a copy of a collection's documents.
func (m *MemoryDatabase) Documents(collection string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.colls[collection]...)
}

// Closed reports whether Close has been called since the last Connect.
func (m *MemoryDatabase) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MemoryDatabase) ensure(collection string) {
	if _, ok := m.colls[collection]; !ok {
		m.order = append(m.order, collection)
		m.colls[collection] = nil
	}
}

// Name implements Database.
func (m *MemoryDatabase) Name() string { return m.name }

// ListCollections implements Database.
func (m *MemoryDatabase) ListCollections(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	names := make([]string, 0, len(m.order))
	for _, name := range m.order {
		if !IsSystemCollection(name) {
			names = append(names, name)
		}
	}
	return names, nil
}

// Count implements Database.
func (m *MemoryDatabase) Count(ctx context.Context, collection string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.CountErr[collection]; err != nil {
		return 0, err
	}
	return int64(len(m.colls[collection])), nil
}

// Find implements Database.
func (m *MemoryDatabase) Find(ctx context.Context, collection string, batchSize int) (Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	docs, ok := m.colls[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	cur := &memoryCursor{docs: append([]Record(nil), docs...), pos: -1}
	if fault, ok := m.CursorFault[collection]; ok {
		cur.fault = &fault
	}
	return cur, nil
}

// InsertMany implements Database.
func (m *MemoryDatabase) InsertMany(ctx context.Context, collection string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := m.InsertErr[collection]; err != nil {
		return err
	}
	m.ensure(collection)
	m.colls[collection] = append(m.colls[collection], records...)
	m.Inserts[collection]++
	return nil
}

// DeleteMany implements Database.
func (m *MemoryDatabase) DeleteMany(ctx context.Context, collection string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if err := m.DeleteErr[collection]; err != nil {
		return 0, err
	}
	n := int64(len(m.colls[collection]))
	m.ensure(collection)
	m.colls[collection] = nil
	return n, nil
}

// Close implements Database.
func (m *MemoryDatabase) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryCursor struct {
	docs  []Record
	pos   int
	fault *CursorFault
	err   error
}

func (c *memoryCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if c.fault != nil && c.pos+1 >= c.fault.After {
		c.err = c.fault.Err
		return false
	}
	if c.pos+1 >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

// Decode round-trips through BSON so callers see the same types a server cursor yields.
func (c *memoryCursor) Decode(val any) error {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return fmt.Errorf("cursor not positioned on a document")
	}
	data, err := bson.Marshal(c.docs[c.pos])
	if err != nil {
		return err
	}
	return bson.Unmarshal(data, val)
}

func (c *memoryCursor) Err() error { return c.err }

func (c *memoryCursor) Close(ctx context.Context) error { return nil }
