package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/gob"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-p2p/internal/config"
	"github.com/brocaar/lorawan"
)

const deviceSessionKeyTempl = "%sp2p:device:%s"

// RedisBackend stores the device-session records in Redis.
type RedisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisBackend creates a new RedisBackend. Depending on the
// configuration, a cluster, failover or single-server client is used.
func NewRedisBackend(c config.Config) (*RedisBackend, error) {
	log.Info("storage: setting up Redis client")
	if len(c.Redis.Servers) == 0 {
		return nil, errors.New("at least one redis server must be configured")
	}

	var tlsConfig *tls.Config
	if c.Redis.TLSEnabled {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	var client redis.UniversalClient
	if c.Redis.Cluster {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:     c.Redis.Servers,
			PoolSize:  c.Redis.PoolSize,
			Password:  c.Redis.Password,
			TLSConfig: tlsConfig,
		})
	} else if c.Redis.MasterName != "" {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       c.Redis.MasterName,
			SentinelAddrs:    c.Redis.Servers,
			SentinelPassword: c.Redis.Password,
			DB:               c.Redis.Database,
			PoolSize:         c.Redis.PoolSize,
			TLSConfig:        tlsConfig,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:      c.Redis.Servers[0],
			DB:        c.Redis.Database,
			Password:  c.Redis.Password,
			PoolSize:  c.Redis.PoolSize,
			TLSConfig: tlsConfig,
		})
	}

	return NewRedisBackendWithClient(client, c.Redis.KeyPrefix), nil
}

// NewRedisBackendWithClient creates a RedisBackend using the given client.
func NewRedisBackendWithClient(client redis.UniversalClient, keyPrefix string) *RedisBackend {
	return &RedisBackend{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (b *RedisBackend) key(devEUI lorawan.EUI64) string {
	return fmt.Sprintf(deviceSessionKeyTempl, b.keyPrefix, devEUI)
}

// SaveDeviceSessionRecord implements Backend.
func (b *RedisBackend) SaveDeviceSessionRecord(ctx context.Context, r DeviceSessionRecord) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	backendQueryCounter("redis", "save").Inc()
	if err := b.client.Set(ctx, b.key(r.DevEUI), buf.Bytes(), 0).Err(); err != nil {
		return errors.Wrap(err, "set error")
	}

	return nil
}

// GetDeviceSessionRecord implements Backend.
func (b *RedisBackend) GetDeviceSessionRecord(ctx context.Context, devEUI lorawan.EUI64) (DeviceSessionRecord, error) {
	var r DeviceSessionRecord

	backendQueryCounter("redis", "get").Inc()
	val, err := b.client.Get(ctx, b.key(devEUI)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return r, ErrDoesNotExist
		}
		return r, errors.Wrap(err, "get error")
	}

	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&r); err != nil {
		return r, errors.Wrap(err, "gob decode error")
	}

	return r, nil
}

// DeleteDeviceSessionRecord implements Backend.
func (b *RedisBackend) DeleteDeviceSessionRecord(ctx context.Context, devEUI lorawan.EUI64) error {
	backendQueryCounter("redis", "delete").Inc()
	val, err := b.client.Del(ctx, b.key(devEUI)).Result()
	if err != nil {
		return errors.Wrap(err, "delete error")
	}
	if val == 0 {
		return ErrDoesNotExist
	}

	return nil
}

// Ping implements Backend.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping error")
	}
	return nil
}

// Close implements Backend.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
