package store

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/pg-sharding/rcopy/pkg/config"
	"github.com/pg-sharding/rcopy/pkg/models/rerror"
	"github.com/pg-sharding/rcopy/pkg/rlog"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	retry "github.com/sethvargo/go-retry"
)

// RedisDialer opens go-redis backed clients for one configured endpoint.
type RedisDialer struct {
	Endpoint config.Endpoint
	DB       int
	Timeout  time.Duration
	PoolSize int
	// Retries bounds the connection attempts beyond the first ping.
	Retries uint64
	// AnnouncedHosts makes cluster connections use the addresses announced
	// by the nodes instead of the configured host.
	AnnouncedHosts bool
}

var _ Dialer = &RedisDialer{}

func (d *RedisDialer) Dial(ctx context.Context, addr string) (Client, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, rerror.Wrap(rerror.RCOPY_CONFIG_ERROR, errors.Wrapf(err, "bad address %q", addr))
	}
	tlsConfig, err := d.Endpoint.TLS.Init(host)
	if err != nil {
		return nil, rerror.Wrap(rerror.RCOPY_CONFIG_ERROR, err)
	}

	cl := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     d.Endpoint.User,
		Password:     d.Endpoint.Password,
		DB:           d.DB,
		TLSConfig:    tlsConfig,
		DialTimeout:  d.Timeout,
		ReadTimeout:  d.Timeout,
		WriteTimeout: d.Timeout,
		PoolSize:     d.PoolSize,
	})

	if err := ping(ctx, cl, addr, d.Retries); err != nil {
		_ = cl.Close()
		return nil, err
	}
	rlog.Zero.Debug().Str("addr", addr).Int("db", d.DB).Msg("connected")
	return NewRedisClient(cl, addr, d.DB), nil
}

func (d *RedisDialer) DialCluster(ctx context.Context, seed string) (Client, error) {
	if d.DB != 0 {
		return nil, rerror.Newf(rerror.RCOPY_CONFIG_ERROR, "cluster deployment at %s only has db 0, got db %d", seed, d.DB)
	}
	host, _, err := net.SplitHostPort(seed)
	if err != nil {
		return nil, rerror.Wrap(rerror.RCOPY_CONFIG_ERROR, errors.Wrapf(err, "bad address %q", seed))
	}
	tlsConfig, err := d.Endpoint.TLS.Init(host)
	if err != nil {
		return nil, rerror.Wrap(rerror.RCOPY_CONFIG_ERROR, err)
	}

	opts := &redis.ClusterOptions{
		Addrs:        []string{seed},
		Username:     d.Endpoint.User,
		Password:     d.Endpoint.Password,
		DialTimeout:  d.Timeout,
		ReadTimeout:  d.Timeout,
		WriteTimeout: d.Timeout,
		PoolSize:     d.PoolSize,
	}
	if d.AnnouncedHosts {
		opts.TLSConfig = tlsConfig
	} else {
		opts.Dialer = pinnedHostDialer(host, d.Timeout, tlsConfig)
	}

	cc := redis.NewClusterClient(opts)
	if err := ping(ctx, cc, seed, d.Retries); err != nil {
		_ = cc.Close()
		return nil, err
	}
	rlog.Zero.Debug().Str("addr", seed).Msg("connected to cluster")
	return NewRedisClusterClient(cc, seed), nil
}

// pinnedHostDialer keeps the port announced by a cluster node and replaces
// its host. Managed deployments announce addresses that are only routable
// inside their own network.
func pinnedHostDialer(host string, timeout time.Duration, tlsConfig *tls.Config) func(ctx context.Context, network, addr string) (net.Conn, error) {
	netDialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 5 * time.Minute,
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		target := net.JoinHostPort(host, port)
		if tlsConfig == nil {
			return netDialer.DialContext(ctx, network, target)
		}
		td := &tls.Dialer{NetDialer: netDialer, Config: tlsConfig}
		return td.DialContext(ctx, network, target)
	}
}

func ping(ctx context.Context, cmd redis.UniversalClient, addr string, retries uint64) error {
	backoff := retry.WithMaxRetries(retries, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := cmd.Ping(ctx).Err()
		if err == nil {
			return nil
		}
		if isAuthError(err) {
			return err
		}
		rlog.Zero.Debug().Err(err).Str("addr", addr).Msg("ping failed, retrying")
		return retry.RetryableError(err)
	})
	if err != nil {
		return rerror.Wrap(rerror.RCOPY_CONNECTION_ERROR, errors.Wrapf(err, "connect to %s", addr))
	}
	return nil
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "WRONGPASS") ||
		strings.HasPrefix(msg, "NOAUTH") ||
		strings.Contains(msg, "invalid password") ||
		strings.Contains(msg, "invalid username-password")
}
