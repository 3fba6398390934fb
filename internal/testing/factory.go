package testing

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"wbkv/internal/config"
	"wbkv/internal/core"
	"wbkv/internal/storage"
)

type TestSystemFactory struct {
	t        testing.TB
	RootDir  string
	contexts []*core.StorageContext
}

func NewTestFactory(t testing.TB) *TestSystemFactory {
	dir := "./test_data_factory_" + filepath.Base(t.Name())
	os.RemoveAll(dir)
	os.MkdirAll(dir, 0755)

	return &TestSystemFactory{
		t:       t,
		RootDir: dir,
	}
}

// Cleanup closes every context the factory created and removes its directory.
func (f *TestSystemFactory) Cleanup() {
	for _, sc := range f.contexts {
		sc.Close(10 * time.Second)
	}
	f.contexts = nil
	os.RemoveAll(f.RootDir)
}

// Configuration returns a pebble configuration rooted in the factory directory
// with short poll and retry intervals.
func (f *TestSystemFactory) Configuration(opts ...func(*config.SystemConfiguration)) config.SystemConfiguration {
	cfg := config.DefaultConfiguration()
	cfg.DataDirectoryPath = filepath.Join(f.RootDir, "data")
	cfg.LogDirectoryPath = filepath.Join(f.RootDir, "logs")
	cfg.FlushPollIntervalInMilliseconds = 2
	cfg.EngineWriteRetryBackoffInMilliseconds = 1
	cfg.PebbleCacheSizeInBytes = 8 * 1024 * 1024
	cfg.ValueCacheCapacityCount = 1024

	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (f *TestSystemFactory) CreateSystem(opts ...func(*config.SystemConfiguration)) *core.StorageContext {
	sc, err := core.NewStorageContext(f.Configuration(opts...))
	if err != nil {
		f.t.Fatalf("Factory failed to create storage context: %v", err)
	}
	f.contexts = append(f.contexts, sc)
	return sc
}

// ReopenEngine opens the factory's pebble directory directly, bypassing any
// cache. The caller closes it.
func (f *TestSystemFactory) ReopenEngine() *storage.PebbleEngine {
	engine, err := storage.OpenPebbleEngine(filepath.Join(f.RootDir, "data"), storage.DefaultPebbleOptions())
	if err != nil {
		f.t.Fatalf("Factory failed to reopen engine: %v", err)
	}
	return engine
}

func InMemory(cfg *config.SystemConfiguration) {
	cfg.StorageEngine = config.EngineMemory
}

func Direct(cfg *config.SystemConfiguration) {
	cfg.PipelineMode = config.PipelineDirect
}
