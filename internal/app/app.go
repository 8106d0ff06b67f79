// Package app wires the broker's configuration, storage adapters, and
// engines into a single process-wide App. It is the shared core used by
// cmd/broq-server.
package app

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/broq/broq/internal/common"
	"github.com/broq/broq/internal/ew"
	"github.com/broq/broq/internal/interfaces"
	"github.com/broq/broq/internal/jobengine"
	"github.com/broq/broq/internal/pubsub"
	"github.com/broq/broq/internal/pubsubengine"
	"github.com/broq/broq/internal/storage/mongops"
	"github.com/broq/broq/internal/storage/redismi"
)

// App holds every initialized dependency the broker needs: config, logger,
// storage adapters, engines, and the pub/sub bus. It is the shared core
// used by cmd/broq-server.
type App struct {
	Config *common.Config
	Logger *common.Logger

	MI  interfaces.MetadataIndex
	PS  interfaces.PayloadStore
	PSB interfaces.PubSubBus

	JobEngine    *jobengine.Engine
	PubSubEngine *pubsubengine.Engine
	WSHub        *pubsub.WSHub

	StartupTime time.Time

	redisClient redis.UniversalClient
	mongoClient *mongo.Client
	ewCancel    context.CancelFunc

	queueMu     sync.Mutex
	knownQueues []string
}

// NewApp loads configuration from the given TOML paths (later paths
// override earlier ones), connects to the Metadata Index and Payload
// Store, and wires the Job Engine and Pub/Sub Engine. The Expiration
// Watcher is started separately by StartExpirationWatcher.
func NewApp(configPaths ...string) (*App, error) {
	config, err := common.LoadConfig(configPaths...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewAppFromConfig(config)
}

// NewAppFromConfig wires the broker from an already-resolved Config,
// letting callers apply CLI flag overrides before any adapter captures a
// config value (the prefix in particular is baked into every key name).
func NewAppFromConfig(config *common.Config) (*App, error) {
	startupStart := time.Now()

	logger := common.NewLogger(config.Logging.Level)

	if config.FreePort {
		freeUpPort(config.Server.Host, config.Server.Port, logger)
	}

	redisClient := newRedisClient(config)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to metadata index: %w", err)
	}

	mongoCtx, mongoCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer mongoCancel()
	mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(config.Mongo.ConnectionURI()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to payload store: %w", err)
	}
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pingCancel()
	if err := mongoClient.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping payload store: %w", err)
	}

	mi := redismi.New(redisClient, config.Prefix)
	ps := mongops.New(mongoClient, config.Mongo.Database, config.Prefix)

	var psb interfaces.PubSubBus
	if config.PubSub.Backend == "redis" {
		psb = pubsub.NewRedisBus(redisClient)
	} else {
		psb = pubsub.NewBus()
	}

	jobEngine := jobengine.New(mi, ps, logger)
	pubsubEngine := pubsubengine.New(psb, ps, mi, config.Prefix, logger)
	wsHub := pubsub.NewWSHub(logger)

	a := &App{
		Config:       config,
		Logger:       logger,
		MI:           mi,
		PS:           ps,
		PSB:          psb,
		JobEngine:    jobEngine,
		PubSubEngine: pubsubEngine,
		WSHub:        wsHub,
		StartupTime:  startupStart,
		redisClient:  redisClient,
		mongoClient:  mongoClient,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("app initialized")

	return a, nil
}

// newRedisClient builds a Redis UniversalClient, choosing a Sentinel
// failover client when Sentinel is enabled and a standalone client
// otherwise.
func newRedisClient(config *common.Config) redis.UniversalClient {
	if config.Sentinel.Enabled {
		hosts := append([]string(nil), config.Sentinel.Hosts...)
		if config.Sentinel.Shuffle {
			rand.Shuffle(len(hosts), func(i, j int) { hosts[i], hosts[j] = hosts[j], hosts[i] })
		}
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       config.Sentinel.ClusterName,
			SentinelAddrs:    hosts,
			SentinelPassword: config.Sentinel.Password,
			DB:               config.Sentinel.DB,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr(),
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
}

// freeUpPort dials the configured host:port; if something answers, it logs
// a warning so an operator can kill the squatter. The broker does not
// forcibly terminate the other process itself — identifying and killing an
// arbitrary PID from inside the broker is out of scope.
func freeUpPort(host string, port int, logger *common.Logger) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return
	}
	conn.Close()
	logger.Warn().Str("addr", addr).Msg("configured port is already in use; free_port cannot force a bind, the squatting process must be stopped manually")
}

// StartQueue registers a queue so the Job Engine can serve take/count
// against it, and includes it in the orphan-recovery sweep run by
// RecoverOrphans.
func (a *App) StartQueue(ctx context.Context, queue string) error {
	if err := a.JobEngine.CreateQueue(ctx, queue); err != nil {
		return err
	}
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	for _, known := range a.knownQueues {
		if known == queue {
			return nil
		}
	}
	a.knownQueues = append(a.knownQueues, queue)
	return nil
}

// RecoverOrphans runs unstale(queue, ttl=0) across every queue registered
// via StartQueue, reclaiming jobs left in_progress by a prior crash before
// the broker accepts new take calls.
func (a *App) RecoverOrphans(ctx context.Context) {
	a.queueMu.Lock()
	queues := append([]string(nil), a.knownQueues...)
	a.queueMu.Unlock()
	for _, queue := range queues {
		n, err := a.JobEngine.Unstale(ctx, queue, 0)
		if err != nil {
			a.Logger.Warn().Str("queue", queue).Err(err).Msg("orphan recovery failed for queue")
			continue
		}
		if n > 0 {
			a.Logger.Info().Str("queue", queue).Int("recovered", n).Msg("recovered orphaned in-progress jobs on startup")
		}
	}
}

// StartExpirationWatcher launches the Expiration Watcher in the background.
// It runs until Close cancels its context.
func (a *App) StartExpirationWatcher() {
	ctx, cancel := context.WithCancel(context.Background())
	a.ewCancel = cancel

	watcher := ew.New(a.MI, a.PS, a.Config.Prefix, a.Logger)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			a.Logger.Error().Err(err).Msg("expiration watcher stopped unexpectedly")
		}
	}()
}

// StartWSHub launches the admin WebSocket job-event feed's broadcast loop.
func (a *App) StartWSHub() {
	stop := make(chan struct{})
	go a.WSHub.Run(stop)
}

// Close releases every resource held by the App: stops the Expiration
// Watcher, then closes the Mongo and Redis connections.
func (a *App) Close() {
	if a.ewCancel != nil {
		a.ewCancel()
		a.ewCancel = nil
	}
	if a.mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.mongoClient.Disconnect(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("error disconnecting payload store")
		}
		a.mongoClient = nil
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("error closing metadata index connection")
		}
		a.redisClient = nil
	}
}
