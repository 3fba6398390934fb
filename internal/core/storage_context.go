package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"wbkv/internal/agents"
	"wbkv/internal/common"
	"wbkv/internal/config"
	"wbkv/internal/logger"
	"wbkv/internal/storage"
)

var (
	ErrShutdownTimeout   = agents.ErrShutdownTimeout
	ErrContextClosed     = errors.New("core: storage context is closed")
	ErrStoreAlreadyOpen  = errors.New("core: a store with this name is already open")
	ErrUnknownEngineKind = errors.New("core: unknown storage engine")
	ErrReservedName      = errors.New("core: store name is reserved")
	ErrCorruptFlatStore  = errors.New("core: saved flat store cannot be loaded")
)

// StorageContext owns one engine and the background machinery that writes
// to it. Every store opened on a context shares its pipeline.
type StorageContext struct {
	Configuration config.SystemConfiguration

	engine        common.Engine
	pipeline      agents.Pipeline
	cancelAgents  context.CancelFunc
	shrinkStopped <-chan struct{}

	mutex        sync.Mutex
	stores       map[string]struct{}
	closed       bool
	engineClosed bool

	flatMutex  sync.Mutex
	flatStores map[string]FlatStore
	flatColumn common.Column
}

func OpenEngine(cfg config.SystemConfiguration) (common.Engine, error) {
	switch cfg.StorageEngine {
	case config.EnginePebble:
		opts := storage.DefaultPebbleOptions()
		if cfg.PebbleCacheSizeInBytes > 0 {
			opts.CacheSizeInBytes = cfg.PebbleCacheSizeInBytes
		}
		opts.SyncWrites = cfg.EnableDiskDurability
		opts.EnableExistenceProbe = cfg.EnableExistenceProbe
		return storage.OpenPebbleEngine(cfg.DataDirectoryPath, opts)
	case config.EngineMemory:
		return storage.NewMemoryEngine(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngineKind, cfg.StorageEngine)
	}
}

func NewStorageContext(cfg config.SystemConfiguration) (*StorageContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	engine, err := OpenEngine(cfg)
	if err != nil {
		return nil, err
	}
	return NewStorageContextWithEngine(cfg, engine), nil
}

// NewStorageContextWithEngine takes ownership of an already opened engine.
func NewStorageContextWithEngine(cfg config.SystemConfiguration, engine common.Engine) *StorageContext {
	options := agents.OptionsFromConfiguration(cfg)

	var pipeline agents.Pipeline
	if cfg.PipelineMode == config.PipelineDirect {
		pipeline = agents.NewWriteQueue(engine, options)
	} else {
		pipeline = agents.NewFlushQueue(engine, options)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc := &StorageContext{
		Configuration: cfg,
		engine:        engine,
		pipeline:      pipeline,
		cancelAgents:  cancel,
		stores:        make(map[string]struct{}),
		flatStores:    make(map[string]FlatStore),
	}
	sc.shrinkStopped = agents.StartShrinkAgentInBackground(ctx, cfg.BufferShrinkInterval(), pipeline)

	logger.LogInfoEvent("Storage context ready: engine=%s pipeline=%s buffers=%s",
		cfg.StorageEngine, cfg.PipelineMode, humanize.IBytes(uint64(cfg.BufferInitialCapacityInBytes)))
	return sc
}

func (sc *StorageContext) Engine() common.Engine {
	return sc.engine
}

func (sc *StorageContext) Pipeline() agents.Pipeline {
	return sc.pipeline
}

// Register reserves a store name for the lifetime of the store.
func (sc *StorageContext) Register(name string) error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	if sc.closed {
		return ErrContextClosed
	}
	if name == FlatStoreColumn {
		return fmt.Errorf("%w: %s", ErrReservedName, name)
	}
	if _, ok := sc.stores[name]; ok {
		return fmt.Errorf("%w: %s", ErrStoreAlreadyOpen, name)
	}
	sc.stores[name] = struct{}{}
	return nil
}

func (sc *StorageContext) Unregister(name string) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	delete(sc.stores, name)
}

func (sc *StorageContext) isClosed() bool {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	return sc.closed
}

// Sync waits until every operation accepted so far is written and flushed.
func (sc *StorageContext) Sync(ctx context.Context) error {
	return sc.pipeline.Barrier(ctx, true)
}

// Close saves the flat stores, drains the pipeline and closes the engine.
// When the pipeline does not drain within timeout the engine is left open and
// ErrShutdownTimeout returned.
func (sc *StorageContext) Close(timeout time.Duration) error {
	sc.mutex.Lock()
	sc.closed = true
	sc.mutex.Unlock()

	sc.flatMutex.Lock()
	saveErr := sc.saveAllLocked(true)
	clear(sc.flatStores)
	sc.flatMutex.Unlock()
	if saveErr != nil {
		logger.LogErrorEvent("Saving flat stores at shutdown failed: %v", saveErr)
	}

	sc.cancelAgents()
	<-sc.shrinkStopped

	started := time.Now()
	if err := sc.pipeline.AwaitExit(timeout); err != nil {
		logger.LogErrorEvent("Storage context shutdown timed out after %v, engine left open: %v", timeout, err)
		return errors.Join(saveErr, err)
	}

	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	if sc.engineClosed {
		return saveErr
	}
	sc.engineClosed = true
	if err := sc.engine.Close(); err != nil {
		return errors.Join(saveErr, fmt.Errorf("failed to close engine: %w", err))
	}
	logger.LogInfoEvent("Storage context closed in %v", time.Since(started))
	return saveErr
}
