package store

//go:generate mockgen -source=pkg/store/store.go -destination=pkg/mock/store/store_mock.go -package=mock

import (
	"context"
	"errors"
	"time"
)

// NoExpiry is returned by TTL for keys that persist forever. Passing it to
// Restore creates a key without expiration.
const NoExpiry = time.Duration(0)

var (
	// ErrKeyNotFound is returned when a key disappeared between enumeration
	// and transfer, usually because it expired.
	ErrKeyNotFound = errors.New("key not found")
)

// Client is the capability set the migration engine needs from one store
// connection. Implementations are bound to a single logical database and
// must be safe for concurrent use.
type Client interface {
	// Scan returns one page of key names and the cursor to continue from.
	// A returned cursor of 0 means the iteration is complete.
	Scan(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error)
	// TTL returns the remaining time to live of key, or NoExpiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Dump returns the serialized value of key.
	Dump(ctx context.Context, key string) ([]byte, error)
	// Restore writes a serialized value. Without replace an existing key
	// is left untouched and restored is false.
	Restore(ctx context.Context, key string, ttl time.Duration, payload []byte, replace bool) (restored bool, err error)
	// KeyCount is the approximate number of keys in the database as
	// reported by the server statistics.
	KeyCount(ctx context.Context) (int64, error)
	// DBSize is the exact number of keys in the database.
	DBSize(ctx context.Context) (int64, error)
	// ClusterNodes returns the raw cluster topology description.
	ClusterNodes(ctx context.Context) (string, error)
	FlushDB(ctx context.Context) error

	Addr() string
	Close() error
}

// Dialer opens clients. Dial connects to a single node, DialCluster to a
// cluster deployment reachable through the seed address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Client, error)
	DialCluster(ctx context.Context, seed string) (Client, error)
}
