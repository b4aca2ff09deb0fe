// Package redis implements the persistent certificate tier using Redis, for
// deployments where several instances share one cache.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/Aikoze/b2-smime-service/pkg/certstore"
)

// DefaultPrefix namespaces the keys written by the store
const DefaultPrefix = "b2smime:"

// Store implements certstore.Backend using Redis.
//
// Each certificate is a string key {prefix}cert:{code}; the set
// {prefix}certs indexes the stored codes.
type Store struct {
	client *redis.Client
	prefix string
}

// Config holds Redis connection settings
type Config struct {
	URL    string
	Prefix string
}

var _ certstore.Backend = (*Store)(nil)

// NewStore connects to Redis
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewStoreWithClient(client, cfg.Prefix), nil
}

// NewStoreWithClient wraps an existing client
func NewStoreWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Load returns the PEM text stored for code
func (s *Store) Load(ctx context.Context, code string) (string, error) {
	key := s.certKey(code)
	pemText, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", certstore.ErrNotFound
	}
	if err != nil {
		return "", &certstore.StorageError{Op: "read", Path: key, Err: err}
	}
	return pemText, nil
}

// Save stores the certificate unless one is already stored for code
func (s *Store) Save(ctx context.Context, code, pemText string) error {
	key := s.certKey(code)
	created, err := s.client.SetNX(ctx, key, pemText, 0).Result()
	if err != nil {
		return &certstore.StorageError{Op: "write", Path: key, Err: err}
	}
	if !created {
		return certstore.ErrExists
	}
	if err := s.client.SAdd(ctx, s.indexKey(), code).Err(); err != nil {
		return &certstore.StorageError{Op: "index", Path: s.indexKey(), Err: err}
	}
	return nil
}

// List returns the sorted codes of all stored certificates
func (s *Store) List(ctx context.Context) ([]string, error) {
	codes, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, &certstore.StorageError{Op: "list", Path: s.indexKey(), Err: err}
	}
	sort.Strings(codes)
	return codes, nil
}

func (s *Store) certKey(code string) string {
	return s.prefix + "cert:" + code
}

func (s *Store) indexKey() string {
	return s.prefix + "certs"
}
