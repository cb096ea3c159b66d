package store

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
)

// RedisClient implements Client on top of a single node go-redis client.
type RedisClient struct {
	cmd  redis.UniversalClient
	addr string
	db   int
}

var _ Client = &RedisClient{}

func NewRedisClient(cmd redis.UniversalClient, addr string, db int) *RedisClient {
	return &RedisClient{
		cmd:  cmd,
		addr: addr,
		db:   db,
	}
}

func (c *RedisClient) Scan(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error) {
	return c.cmd.Scan(ctx, cursor, "", count).Result()
}

func (c *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.cmd.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	switch {
	case ttl == time.Duration(-2):
		return 0, ErrKeyNotFound
	case ttl == time.Duration(-1):
		return NoExpiry, nil
	case ttl <= 0:
		// expires within the current millisecond
		return 0, ErrKeyNotFound
	}
	return ttl, nil
}

func (c *RedisClient) Dump(ctx context.Context, key string) ([]byte, error) {
	payload, err := c.cmd.Dump(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (c *RedisClient) Restore(ctx context.Context, key string, ttl time.Duration, payload []byte, replace bool) (bool, error) {
	var err error
	if replace {
		err = c.cmd.RestoreReplace(ctx, key, ttl, string(payload)).Err()
	} else {
		err = c.cmd.Restore(ctx, key, ttl, string(payload)).Err()
	}
	if err != nil {
		if IsBusyKey(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *RedisClient) KeyCount(ctx context.Context) (int64, error) {
	info, err := c.cmd.Info(ctx, "keyspace").Result()
	if err != nil {
		return 0, err
	}
	return ParseKeyspace(info, c.db)
}

func (c *RedisClient) DBSize(ctx context.Context) (int64, error) {
	return c.cmd.DBSize(ctx).Result()
}

func (c *RedisClient) ClusterNodes(ctx context.Context) (string, error) {
	return c.cmd.ClusterNodes(ctx).Result()
}

func (c *RedisClient) FlushDB(ctx context.Context) error {
	return c.cmd.FlushDB(ctx).Err()
}

func (c *RedisClient) Addr() string {
	return c.addr
}

func (c *RedisClient) Close() error {
	return c.cmd.Close()
}

// RedisClusterClient routes writes through a go-redis cluster client.
// Statistics are summed over every primary. Enumeration is not supported:
// keys are scanned per shard with a dedicated RedisClient.
type RedisClusterClient struct {
	*RedisClient
	cluster *redis.ClusterClient
}

var _ Client = &RedisClusterClient{}

func NewRedisClusterClient(cluster *redis.ClusterClient, seed string) *RedisClusterClient {
	return &RedisClusterClient{
		RedisClient: NewRedisClient(cluster, seed, 0),
		cluster:     cluster,
	}
}

func (c *RedisClusterClient) Scan(context.Context, uint64, int64) ([]string, uint64, error) {
	return nil, 0, errors.New("scan is not supported on a cluster client, scan every shard instead")
}

func (c *RedisClusterClient) KeyCount(ctx context.Context) (int64, error) {
	return c.sumOverPrimaries(ctx, func(ctx context.Context, node *redis.Client) (int64, error) {
		info, err := node.Info(ctx, "keyspace").Result()
		if err != nil {
			return 0, err
		}
		return ParseKeyspace(info, 0)
	})
}

func (c *RedisClusterClient) DBSize(ctx context.Context) (int64, error) {
	return c.sumOverPrimaries(ctx, func(ctx context.Context, node *redis.Client) (int64, error) {
		return node.DBSize(ctx).Result()
	})
}

func (c *RedisClusterClient) FlushDB(ctx context.Context) error {
	return c.cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		return node.FlushDB(ctx).Err()
	})
}

func (c *RedisClusterClient) sumOverPrimaries(ctx context.Context, f func(context.Context, *redis.Client) (int64, error)) (int64, error) {
	total := atomic.NewInt64(0)
	err := c.cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		n, err := f(ctx, node)
		if err != nil {
			return errors.Wrapf(err, "node %s", node.Options().Addr)
		}
		total.Add(n)
		return nil
	})
	return total.Load(), err
}

// IsBusyKey reports whether err is the reply to RESTORE on an existing key.
func IsBusyKey(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYKEY")
}

// ParseKeyspace extracts the key count of database db from the keyspace
// section of INFO. A database missing from the section is empty.
//
//	# Keyspace
//	db0:keys=1523,expires=12,avg_ttl=0
func ParseKeyspace(info string, db int) (int64, error) {
	prefix := "db" + strconv.Itoa(db) + ":"
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		for _, field := range strings.Split(strings.TrimPrefix(line, prefix), ",") {
			name, value, ok := strings.Cut(field, "=")
			if !ok || name != "keys" {
				continue
			}
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, errors.Wrapf(err, "malformed keyspace line %q", line)
			}
			return n, nil
		}
		return 0, errors.Errorf("malformed keyspace line %q", line)
	}
	return 0, sc.Err()
}
