package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = keyPrefix + "schema:version"
	currentSchemaVersion = 2
)

// Migration represents a database migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
	Down    func(ctx context.Context, client *redis.Client) error
}

// Migrate applies every migration newer than the stored schema version.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	version, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if version >= currentSchemaVersion {
		logger.Debugw("redis schema up to date", "version", version)
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= version {
			continue
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
		logger.Infow("redis migration applied", "version", migration.Version)
	}
	return nil
}

// getSchemaVersion gets the current schema version from Redis
func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil // No version set, start from 0
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// setSchemaVersion sets the schema version in Redis
func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

// getMigrations returns all migrations in order
func getMigrations() []Migration {
	return []Migration{
		{
			// drop keys left by the pre-HLS peer registry
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				return deleteByPattern(ctx, client, keyPrefix+"peer:*")
			},
			Down: func(ctx context.Context, client *redis.Client) error {
				return nil
			},
		},
		{
			// the stream directory stores records as JSON strings; older
			// deployments kept hashes under the same prefix
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				ids, err := client.SMembers(ctx, activeStreamKey).Result()
				if err != nil {
					return err
				}
				for _, id := range ids {
					key := hlsPrefix + id
					kind, err := client.Type(ctx, key).Result()
					if err != nil {
						return err
					}
					if kind != "string" {
						if err := client.Del(ctx, key).Err(); err != nil {
							return err
						}
						client.SRem(ctx, activeStreamKey, id)
					}
				}
				return nil
			},
			Down: func(ctx context.Context, client *redis.Client) error {
				return deleteByPattern(ctx, client, hlsPrefix+"*")
			},
		},
	}
}

func deleteByPattern(ctx context.Context, client *redis.Client, pattern string) error {
	iter := client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
