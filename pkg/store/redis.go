package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Redis struct {
	Connection *redis.Client
}

func NewRedis(addr, password string, db int) (store Redis, err error) {
	store.Connection = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err = store.Connection.Ping(ctx).Err(); err != nil {
		err = fmt.Errorf("store: redis ping failed: %w", err)
	}

	return
}
