package di

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"school-portal/internal/querycache"
	"school-portal/internal/querycache/adapter/gateway"
	httpadapter "school-portal/internal/querycache/adapter/http"
	"school-portal/internal/querycache/adapter/persistence/memory"
	"school-portal/internal/querycache/adapter/persistence/mongodb"
	redisstream "school-portal/internal/querycache/adapter/persistence/redis"
	"school-portal/internal/querycache/config"
	"school-portal/internal/querycache/domain/repository"
	"school-portal/internal/shared/logger"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// Container represents a dependency injection container with proper lifecycle management
type Container struct {
	mu        sync.RWMutex
	services  map[reflect.Type]interface{}
	factories map[reflect.Type]func() (interface{}, error)

	Config *config.QueryCacheConfig
	Logger logger.Logger

	// Connections, set only for the drivers that need them
	MongoClient *mongo.Client
	RedisClient *redis.Client

	Remote     repository.RemoteStore
	ErrorSink  repository.ErrorSink
	QueryCache *querycache.Module
}

// NewContainer creates a container for cfg.
func NewContainer(cfg *config.QueryCacheConfig, log logger.Logger) *Container {
	if cfg == nil {
		cfg = config.DefaultQueryCacheConfig()
	}
	if log == nil {
		log = logger.NewLogger()
	}
	return &Container{
		services:  make(map[reflect.Type]interface{}),
		factories: make(map[reflect.Type]func() (interface{}, error)),
		Config:    cfg,
		Logger:    log,
	}
}

// InitializeStore connects the remote document store selected by STORE_DRIVER.
func (c *Container) InitializeStore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var remote repository.RemoteStore
	switch c.Config.Driver {
	case config.DriverMemory:
		store, err := memory.NewDocumentStore(nil, c.Logger)
		if err != nil {
			return fmt.Errorf("failed to create in-memory store: %w", err)
		}
		c.services[reflect.TypeOf(store)] = store
		remote = store
	case config.DriverMongoDB:
		client, err := mongodb.Connect(ctx, c.Config.Mongo.URI)
		if err != nil {
			return err
		}
		c.MongoClient = client
		remote = mongodb.NewRemoteStore(client.Database(c.Config.Mongo.Database), c.Config.Mongo.ChangeStreams, nil, c.Logger)
	case config.DriverGateway:
		store, err := gateway.NewRemoteStore(gateway.Config{
			BaseURL:       c.Config.Gateway.URL,
			WebSocketPath: c.Config.Realtime.WebSocketPath,
			Timeout:       c.Config.Gateway.Timeout,
		}, nil, c.Logger)
		if err != nil {
			return err
		}
		remote = store
	default:
		return fmt.Errorf("unknown store driver %q", c.Config.Driver)
	}

	c.Remote = remote
	c.Logger.Infof("Remote store initialized with driver %s", c.Config.Driver)
	return nil
}

// InitializeRedis connects Redis and the diagnostics error stream when enabled.
func (c *Container) InitializeRedis(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.Config.Redis.Enabled {
		return nil
	}
	client := config.NewRedisClient(&c.Config.Redis)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to Redis at %s: %w", c.Config.Redis.GetAddr(), err)
	}
	c.RedisClient = client
	c.ErrorSink = redisstream.NewErrorStream(client, c.Config.Redis.StreamKey, c.Config.Redis.StreamMaxLength, c.Logger)
	c.Logger.Infof("Redis error stream %s initialized", c.Config.Redis.StreamKey)
	return nil
}

// InitializeQueryCache builds the query cache module on the initialized store.
func (c *Container) InitializeQueryCache() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Remote == nil {
		return fmt.Errorf("remote store must be initialized before the query cache")
	}

	opts := []querycache.Option{}
	if c.ErrorSink != nil {
		opts = append(opts, querycache.WithErrorSink(c.ErrorSink))
	}
	if c.RedisClient != nil {
		client := c.RedisClient
		opts = append(opts, querycache.WithProbe("redis", httpadapter.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})))
	}

	module, err := querycache.NewModule(c.Config, c.Remote, c.Logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create query cache module: %w", err)
	}
	c.QueryCache = module
	c.services[reflect.TypeOf(module)] = module
	return nil
}

// Register registers a service instance
func (c *Container) Register(service interface{}) error {
	if service == nil {
		return fmt.Errorf("cannot register a nil service")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.services[reflect.TypeOf(service)] = service
	return nil
}

// RegisterFactory registers a factory function for a service
func (c *Container) RegisterFactory(serviceType reflect.Type, factory func() (interface{}, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.factories[serviceType] = factory
	return nil
}

// Resolve resolves a service by type
func (c *Container) Resolve(serviceType reflect.Type) (interface{}, error) {
	c.mu.RLock()
	if service, exists := c.services[serviceType]; exists {
		c.mu.RUnlock()
		return service, nil
	}
	factory, exists := c.factories[serviceType]
	c.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("service of type %v not registered", serviceType)
	}

	service, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// a concurrent Resolve may have won
	if existing, ok := c.services[serviceType]; ok {
		return existing, nil
	}
	c.services[serviceType] = service
	return service, nil
}

// GetService is a generic helper for resolving services
func GetService[T any](c *Container) (T, error) {
	var zero T
	serviceType := reflect.TypeOf((*T)(nil)).Elem()

	service, err := c.Resolve(serviceType)
	if err != nil {
		return zero, err
	}

	if typedService, ok := service.(T); ok {
		return typedService, nil
	}

	return zero, fmt.Errorf("service is not of expected type %T", zero)
}

// GetQueryCacheModule returns the query cache module instance
func (c *Container) GetQueryCacheModule() *querycache.Module {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.QueryCache
}

// HealthCheck pings every connected backend.
func (c *Container) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.MongoClient != nil {
		if err := c.MongoClient.Ping(ctx, nil); err != nil {
			return fmt.Errorf("MongoDB health check failed: %w", err)
		}
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("Redis health check failed: %w", err)
		}
	}
	return nil
}

// Cleanup performs cleanup of registered services with proper shutdown order
func (c *Container) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	if c.QueryCache != nil {
		c.QueryCache.Close()
		c.QueryCache = nil
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis: %w", err))
		}
		c.RedisClient = nil
	}
	if c.MongoClient != nil {
		if err := c.MongoClient.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to disconnect MongoDB: %w", err))
		}
		c.MongoClient = nil
	}

	for _, service := range c.services {
		if cleaner, ok := service.(interface{ Cleanup(context.Context) error }); ok {
			if err := cleaner.Cleanup(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to cleanup service: %w", err))
			}
		}
	}

	c.services = make(map[reflect.Type]interface{})
	c.factories = make(map[reflect.Type]func() (interface{}, error))

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}

// Close gracefully shuts down all services in the container with timeout
func (c *Container) Close() error {
	c.Logger.Info("Closing DI container resources...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.Cleanup(ctx); err != nil {
		c.Logger.Warnf("Cleanup errors occurred: %v", err)
		return err
	}

	c.Logger.Info("DI container resources closed")
	return nil
}
