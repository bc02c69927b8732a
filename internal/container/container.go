// Package container wires the dispatch core together: stores, index, push
// bus, voice gateway, event sinks, dispatcher, and resolver. Construction is
// all-or-nothing; an unreachable required backend fails startup.
package container

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/onhand/dispatch-core/internal/auth"
	bookingdomain "github.com/onhand/dispatch-core/internal/booking/domain"
	bookingpg "github.com/onhand/dispatch-core/internal/booking/repository/postgres"
	bookingservice "github.com/onhand/dispatch-core/internal/booking/service"
	"github.com/onhand/dispatch-core/internal/config"
	"github.com/onhand/dispatch-core/internal/dispatch"
	"github.com/onhand/dispatch-core/internal/dispatch/acceptance"
	"github.com/onhand/dispatch-core/internal/events"
	"github.com/onhand/dispatch-core/internal/geo"
	grpcserver "github.com/onhand/dispatch-core/internal/grpc"
	offerdomain "github.com/onhand/dispatch-core/internal/offer/domain"
	offerpg "github.com/onhand/dispatch-core/internal/offer/repository/postgres"
	"github.com/onhand/dispatch-core/internal/platform/middleware"
	providerdomain "github.com/onhand/dispatch-core/internal/provider/domain"
	providerpg "github.com/onhand/dispatch-core/internal/provider/repository/postgres"
	providerredis "github.com/onhand/dispatch-core/internal/provider/repository/redis"
	"github.com/onhand/dispatch-core/internal/push"
	"github.com/onhand/dispatch-core/internal/push/fanout"
	"github.com/onhand/dispatch-core/internal/storage"
	"github.com/onhand/dispatch-core/internal/voice"
	natsbroker "github.com/onhand/dispatch-core/pkg/broker/nats"
	"github.com/onhand/dispatch-core/pkg/broker/rabbitmq"
	"github.com/onhand/dispatch-core/pkg/store"
)

// Container holds every constructed component
type Container struct {
	Config *config.Config
	Logger *zap.Logger

	SQL        *store.SQL
	Redis      *store.Redis
	Mongo      *store.Mongo
	ClickHouse *store.ClickHouse
	NATS       *natsbroker.Client
	RabbitMQ   *rabbitmq.RabbitMQ

	Bookings  bookingdomain.Repository
	Offers    offerdomain.Repository
	Providers providerdomain.Repository
	Tx        storage.TxManager

	Verifier       *auth.Verifier
	AuthMiddleware *middleware.AuthMiddleware

	Index      *geo.Index
	Hub        *push.Hub
	Fanout     *fanout.RedisFanout
	Voice      *voice.Gateway
	Events     *events.Publisher
	Metrics    *dispatch.Metrics
	Locks      *dispatch.LockTable
	Dispatcher     *dispatch.Dispatcher
	Resolver       *acceptance.Resolver
	BookingService *bookingservice.Service
	GRPC           *grpcserver.Server
}

// New wires the container from configuration
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Container, error) {
	c := &Container{Config: cfg, Logger: logger}

	if err := c.initStores(cfg); err != nil {
		return nil, err
	}

	c.Verifier = auth.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer)
	c.AuthMiddleware = middleware.NewAuthMiddleware(c.Verifier)

	c.Index = geo.NewIndex(c.Providers, cfg.Dispatch.LocationFreshness, nil)
	c.Locks = dispatch.NewLockTable()
	c.Metrics = dispatch.NewMetrics(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)

	c.Events = events.NewPublisher(jsOrNil(c.NATS), cfg.NATS.Subject, cfg.App.Name, logger)
	if c.ClickHouse != nil {
		ledger, err := events.NewLedger(ctx, c.ClickHouse.Connection, logger)
		if err != nil {
			return nil, fmt.Errorf("container: ledger init failed: %w", err)
		}
		c.Events.AddSink(ledger)
	}

	if c.RabbitMQ != nil {
		queue, err := voice.NewAMQPQueue(c.RabbitMQ.Channel, cfg.RabbitMQ.Queue)
		if err != nil {
			return nil, fmt.Errorf("container: voice queue init failed: %w", err)
		}
		c.Voice = voice.NewGateway(queue, nil)
	} else {
		c.Voice = voice.NewGateway(voice.NewMemoryQueue(), nil)
	}

	policy := push.NewAccessPolicy(c.Bookings, c.Offers)
	c.Hub = push.NewHub(cfg.Push, c.Verifier, policy, nil, logger)

	c.Dispatcher = dispatch.NewDispatcher(
		cfg.Dispatch, c.Bookings, c.Offers, c.Providers,
		c.Index, c.Hub, c.Voice, c.Events, c.Locks, c.Metrics, logger, nil,
	)
	c.Resolver = acceptance.NewResolver(
		c.Tx, c.Bookings, c.Offers, c.Providers,
		c.Hub, c.Voice, c.Events, c.Locks, c.Metrics, logger, nil,
		cfg.Dispatch.AcceptRetryMax,
	)
	c.Hub.SetActions(&pushActions{resolver: c.Resolver})

	if c.Redis != nil {
		c.Fanout = fanout.NewRedisFanout(c.Redis.Connection, uuid.New().String(), logger)
		c.Hub.SetFanout(c.Fanout)
		c.Fanout.Start(ctx, c.Hub)
	}

	if c.Mongo != nil {
		audit := events.NewPushAudit(
			c.Mongo.Client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection),
			logger,
		)
		c.Hub.SetRecorder(audit)
	}

	c.BookingService = bookingservice.NewService(c.Bookings, c.Offers, c.Dispatcher)
	c.GRPC = grpcserver.NewServer(cfg.Server.GRPCPort, logger)

	return c, nil
}

// initStores connects the external backends. Postgres is mandatory; the
// rest attach when enabled.
func (c *Container) initStores(cfg *config.Config) error {
	sqlStore, err := store.NewSQL(cfg.Database.GetDSN())
	if err != nil {
		return fmt.Errorf("container: postgres init failed: %w", err)
	}
	c.SQL = sqlStore

	c.Bookings = bookingpg.NewBookingRepository(sqlStore.Connection)
	c.Offers = offerpg.NewOfferRepository(sqlStore.Connection)
	c.Providers = providerpg.NewProviderRepository(sqlStore.Connection)
	c.Tx = storage.NewPgTxManager(sqlStore.Connection)

	if cfg.Redis.Enabled {
		redisStore, err := store.NewRedis(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.Database)
		if err != nil {
			return fmt.Errorf("container: redis init failed: %w", err)
		}
		c.Redis = &redisStore
		c.Providers = providerredis.NewLocationCache(c.Providers, redisStore.Connection, cfg.Dispatch.LocationFreshness)
	}

	if cfg.NATS.Enabled {
		natsClient, err := natsbroker.New(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("container: nats init failed: %w", err)
		}
		c.NATS = natsClient
		if err := events.EnsureStream(natsClient.JS, cfg.NATS.Stream, cfg.NATS.Subject); err != nil {
			return fmt.Errorf("container: nats stream init failed: %w", err)
		}
	}

	if cfg.RabbitMQ.Enabled {
		mq, err := rabbitmq.New(cfg.RabbitMQ.URL)
		if err != nil {
			return fmt.Errorf("container: rabbitmq init failed: %w", err)
		}
		c.RabbitMQ = mq
	}

	if cfg.Mongo.Enabled {
		mongoStore, err := store.NewMongo(cfg.Mongo.URI)
		if err != nil {
			return fmt.Errorf("container: mongo init failed: %w", err)
		}
		c.Mongo = &mongoStore
	}

	if cfg.ClickHouse.Enabled {
		ch, err := store.NewClickHouse(cfg.ClickHouse.Addr, cfg.ClickHouse.Database, cfg.ClickHouse.Username, cfg.ClickHouse.Password)
		if err != nil {
			return fmt.Errorf("container: clickhouse init failed: %w", err)
		}
		c.ClickHouse = ch
	}

	return nil
}

// Close releases every external client
func (c *Container) Close() {
	if c.Fanout != nil {
		c.Fanout.Stop()
	}
	if c.SQL != nil {
		c.SQL.Connection.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Connection.Close()
	}
	if c.NATS != nil {
		c.NATS.Close()
	}
	if c.RabbitMQ != nil {
		_ = c.RabbitMQ.Close()
	}
	if c.Mongo != nil {
		_ = c.Mongo.Client.Disconnect(context.Background())
	}
	if c.ClickHouse != nil {
		_ = c.ClickHouse.Close()
	}
}

// pushActions adapts the acceptance resolver to the push bus contract
type pushActions struct {
	resolver *acceptance.Resolver
}

func (a *pushActions) OfferSeen(ctx context.Context, providerID, offerID string) error {
	return a.resolver.Seen(ctx, providerID, offerID)
}

func (a *pushActions) OfferAccept(ctx context.Context, providerID, offerID string) (push.AcceptResult, error) {
	outcome, bookingID, err := a.resolver.Accept(ctx, providerID, offerID)
	return push.AcceptResult{Outcome: outcome, BookingID: bookingID}, err
}

func (a *pushActions) OfferDecline(ctx context.Context, providerID, offerID, reason string) error {
	return a.resolver.Decline(ctx, providerID, offerID, reason)
}

func (a *pushActions) ProviderLocation(ctx context.Context, identity auth.Identity, orderID string, lat, lon float64, accuracy *float64) error {
	return a.resolver.ShareLocation(ctx, identity, orderID, lat, lon, accuracy)
}

func jsOrNil(c *natsbroker.Client) nats.JetStreamContext {
	if c == nil {
		return nil
	}
	return c.JS
}
