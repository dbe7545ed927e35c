package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lending:cart:"

// Store はユーザーごとのカートを保存します
type Store interface {
	Get(ctx context.Context, owner string) (*Cart, error)
	Save(ctx context.Context, owner string, c *Cart) error
	Clear(ctx context.Context, owner string) error
}

// RedisStore はカートをJSONとしてRedisに保存します
// 最後の更新から ttl が経過したカートは破棄されます
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// NewRedisClient は Redis クライアントを作成して疎通を確認します
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return client, nil
}

func cartKey(owner string) string {
	return keyPrefix + strings.ToLower(owner)
}

// Get はカートを取得します。保存されていない場合は空のカートを返します
func (s *RedisStore) Get(ctx context.Context, owner string) (*Cart, error) {
	data, err := s.client.Get(ctx, cartKey(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Cart{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	var c Cart
	if err := jsoniter.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode cart: %w", err)
	}
	return &c, nil
}

func (s *RedisStore) Save(ctx context.Context, owner string, c *Cart) error {
	data, err := jsoniter.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode cart: %w", err)
	}
	if err := s.client.Set(ctx, cartKey(owner), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save cart: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, owner string) error {
	if err := s.client.Del(ctx, cartKey(owner)).Err(); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}

// MemoryStore はローカル実行用のカート保存先です
type MemoryStore struct {
	mu    sync.Mutex
	carts map[string]Cart
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: make(map[string]Cart)}
}

func (s *MemoryStore) Get(ctx context.Context, owner string) (*Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.carts[cartKey(owner)]
	if !ok {
		return &Cart{}, nil
	}
	c.Lines = append(c.Lines[:0:0], c.Lines...)
	return &c, nil
}

func (s *MemoryStore) Save(ctx context.Context, owner string, c *Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *c
	stored.Lines = append(c.Lines[:0:0], c.Lines...)
	s.carts[cartKey(owner)] = stored
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.carts, cartKey(owner))
	return nil
}
