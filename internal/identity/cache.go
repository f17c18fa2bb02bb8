package identity

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// VerdictCache memoizes revocation checks so a chatty sync session does not
// hit the account store on every message. Entries expire quickly; a revoke
// through this process invalidates immediately.
type VerdictCache interface {
	Get(token string) (revoked bool, ok bool)
	Set(token string, revoked bool)
}

// verdictTTL bounds staleness of a cached "not revoked" verdict.
const verdictTTL = 30 * time.Second

// NewCache builds a verdict cache of the given kind: "memory" or "redis".
func NewCache(kind, redisAddr string, redisDB int, prefix string) (VerdictCache, error) {
	switch kind {
	case "", "memory":
		return &memoryCache{c: gocache.New(verdictTTL, 2*verdictTTL)}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: redisAddr, DB: redisDB})
		return &redisCache{client: client, prefix: prefix}, nil
	default:
		return nil, fmt.Errorf("unknown cache kind %q", kind)
	}
}

type memoryCache struct {
	c *gocache.Cache
}

func (m *memoryCache) Get(token string) (bool, bool) {
	v, ok := m.c.Get(token)
	if !ok {
		return false, false
	}
	return v.(bool), true
}

func (m *memoryCache) Set(token string, revoked bool) {
	m.c.Set(token, revoked, gocache.DefaultExpiration)
}

type redisCache struct {
	client *redis.Client
	prefix string
}

func (r *redisCache) key(token string) string {
	return r.prefix + ":verdict:" + token
}

func (r *redisCache) Get(token string) (bool, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := r.client.Get(ctx, r.key(token)).Result()
	if err != nil {
		return false, false
	}
	return v == "revoked", true
}

func (r *redisCache) Set(token string, revoked bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v := "ok"
	if revoked {
		v = "revoked"
	}
	_ = r.client.Set(ctx, r.key(token), v, verdictTTL).Err()
}
