package repositories

import (
	"context"

	"relaycast/internal/core/ports"
	"relaycast/internal/infrastructure/repositories/memory"
	redisrepo "relaycast/internal/infrastructure/repositories/redis"
	"relaycast/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks repository implementations. Peers and running HLS
// streams are always process local; the stream directory moves to Redis
// when it is enabled and reachable.
type RepositoryFactory struct {
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{logger: logger}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory stream directory",
				"error", err,
			)
		} else {
			factory.redisClient = client
		}
	}

	if factory.redisClient == nil {
		logger.Info("using memory stream directory")
	}
	return factory
}

func (f *RepositoryFactory) CreatePeerRepository() ports.PeerRepository {
	return memory.NewMemoryPeerRepository()
}

func (f *RepositoryFactory) CreateHlsStreamRepository() ports.HlsStreamRepository {
	return memory.NewMemoryHlsStreamRepository()
}

func (f *RepositoryFactory) CreateStreamDirectory() ports.StreamDirectory {
	if f.redisClient != nil {
		return redisrepo.NewRedisStreamDirectory(f.redisClient)
	}
	return memory.NewMemoryStreamDirectory()
}

// RedisClient returns the shared client, or nil when running without Redis.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}
