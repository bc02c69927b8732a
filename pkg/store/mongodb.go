package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const timeout = 10 * time.Second

type Mongo struct {
	Client *mongo.Client
}

func NewMongo(uri string) (store Mongo, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store.Client, err = mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return
	}

	if err = store.Client.Ping(ctx, nil); err != nil {
		return
	}

	return
}
