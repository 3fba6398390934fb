package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const ConfigurationTemplate = `{
  "data_directory_path": "./data",
  "log_directory_path": "./logs",
  "server_port": 8080,
  "storage_engine": "pebble",
  "pipeline_mode": "batched",
  "write_queue_capacity": 65536,
  "flush_batch_size": 1024,
  "flush_poll_interval_in_milliseconds": 50,
  "wait_for_flush": true,
  "flush_after_batch": true,
  "buffer_initial_capacity_in_bytes": 65536,
  "buffer_shrink_interval_in_seconds": 60,
  "buffer_shrink_gap_threshold_in_bytes": 1024,
  "value_cache_capacity_count": 40000,
  "engine_write_retry_count": 3,
  "engine_write_retry_backoff_in_milliseconds": 20,
  "shutdown_timeout_in_seconds": 30,
  "enable_existence_probe": true,
  "enable_disk_durability": false,
  "pebble_cache_size_in_bytes": 67108864,
  "value_compression": "none",
  "authentication_secret": "CHANGE_ME",
  "maximum_cpu_count": 0,
  "enable_pprof_profiling": false,
  "log_severity_level": "INFO"
}`

const (
	DefaultServerPort                      = 8080
	DefaultWriteQueueCapacity              = 65536
	DefaultFlushBatchSize                  = 1024
	DefaultFlushPollIntervalInMilliseconds = 50
	DefaultBufferInitialCapacityInBytes    = 64 * 1024
	DefaultBufferShrinkIntervalInSeconds   = 60
	DefaultBufferShrinkGapThresholdInBytes = 1024
	DefaultValueCacheCapacityCount         = 40000
	DefaultEngineWriteRetryCount           = 3
	DefaultEngineWriteRetryBackoffInMillis = 20
	DefaultShutdownTimeoutInSeconds        = 30
	DefaultPebbleCacheSizeInBytes          = 64 * 1024 * 1024
	EnginePebble                           = "pebble"
	EngineMemory                           = "memory"
	PipelineBatched                        = "batched"
	PipelineDirect                         = "direct"
)

var ErrInvalidConfiguration = errors.New("invalid configuration")

type SystemConfiguration struct {
	DataDirectoryPath                     string `json:"data_directory_path"`
	LogDirectoryPath                      string `json:"log_directory_path"`
	ServerPort                            int    `json:"server_port"`
	StorageEngine                         string `json:"storage_engine"`
	PipelineMode                          string `json:"pipeline_mode"`
	WriteQueueCapacity                    int    `json:"write_queue_capacity"`
	FlushBatchSize                        int    `json:"flush_batch_size"`
	FlushPollIntervalInMilliseconds       int    `json:"flush_poll_interval_in_milliseconds"`
	WaitForFlush                          bool   `json:"wait_for_flush"`
	FlushAfterBatch                       bool   `json:"flush_after_batch"`
	BufferInitialCapacityInBytes          int    `json:"buffer_initial_capacity_in_bytes"`
	BufferShrinkIntervalInSeconds         int    `json:"buffer_shrink_interval_in_seconds"`
	BufferShrinkGapThresholdInBytes       int    `json:"buffer_shrink_gap_threshold_in_bytes"`
	ValueCacheCapacityCount               int    `json:"value_cache_capacity_count"`
	EngineWriteRetryCount                 int    `json:"engine_write_retry_count"`
	EngineWriteRetryBackoffInMilliseconds int    `json:"engine_write_retry_backoff_in_milliseconds"`
	ShutdownTimeoutInSeconds              int    `json:"shutdown_timeout_in_seconds"`
	EnableExistenceProbe                  bool   `json:"enable_existence_probe"`
	EnableDiskDurability                  bool   `json:"enable_disk_durability"`
	PebbleCacheSizeInBytes                int64  `json:"pebble_cache_size_in_bytes"`
	ValueCompression                      string `json:"value_compression"`
	AuthenticationToken                   string `json:"authentication_token"`
	AuthenticationSecret                  string `json:"authentication_secret"`
	MaximumCpuCount                       int    `json:"maximum_cpu_count"`
	EnablePprofProfiling                  bool   `json:"enable_pprof_profiling"`
	LogSeverityLevel                      string `json:"log_severity_level"`
}

// DefaultConfiguration returns the values used for any field a file omits.
func DefaultConfiguration() SystemConfiguration {
	return SystemConfiguration{
		DataDirectoryPath:                     "./data",
		LogDirectoryPath:                      "./logs",
		ServerPort:                            DefaultServerPort,
		StorageEngine:                         EnginePebble,
		PipelineMode:                          PipelineBatched,
		WriteQueueCapacity:                    DefaultWriteQueueCapacity,
		FlushBatchSize:                        DefaultFlushBatchSize,
		FlushPollIntervalInMilliseconds:       DefaultFlushPollIntervalInMilliseconds,
		WaitForFlush:                          true,
		FlushAfterBatch:                       true,
		BufferInitialCapacityInBytes:          DefaultBufferInitialCapacityInBytes,
		BufferShrinkIntervalInSeconds:         DefaultBufferShrinkIntervalInSeconds,
		BufferShrinkGapThresholdInBytes:       DefaultBufferShrinkGapThresholdInBytes,
		ValueCacheCapacityCount:               DefaultValueCacheCapacityCount,
		EngineWriteRetryCount:                 DefaultEngineWriteRetryCount,
		EngineWriteRetryBackoffInMilliseconds: DefaultEngineWriteRetryBackoffInMillis,
		ShutdownTimeoutInSeconds:              DefaultShutdownTimeoutInSeconds,
		EnableExistenceProbe:                  true,
		EnableDiskDurability:                  false,
		PebbleCacheSizeInBytes:                DefaultPebbleCacheSizeInBytes,
		ValueCompression:                      "none",
		AuthenticationSecret:                  "DEFAULT_SECRET_CHANGE_ME_IN_PROD",
		MaximumCpuCount:                       0,
		EnablePprofProfiling:                  false,
		LogSeverityLevel:                      "INFO",
	}
}

func LoadConfigurationFromFile(filePath string) (SystemConfiguration, error) {
	config := DefaultConfiguration()

	if filePath != "" {
		file, err := os.Open(filePath)
		if err != nil {
			return config, fmt.Errorf("failed to open configuration file: %w", err)
		}
		defer file.Close()

		if err := json.NewDecoder(file).Decode(&config); err != nil {
			return config, fmt.Errorf("failed to decode configuration json: %w", err)
		}
	}
	return config, config.Validate()
}

func (c SystemConfiguration) Validate() error {
	var problems []string
	switch c.StorageEngine {
	case EnginePebble, EngineMemory:
	default:
		problems = append(problems, fmt.Sprintf("storage_engine %q is not one of pebble, memory", c.StorageEngine))
	}
	switch c.PipelineMode {
	case PipelineBatched, PipelineDirect:
	default:
		problems = append(problems, fmt.Sprintf("pipeline_mode %q is not one of batched, direct", c.PipelineMode))
	}
	if c.WriteQueueCapacity <= 0 {
		problems = append(problems, "write_queue_capacity must be positive")
	}
	if c.FlushBatchSize <= 0 {
		problems = append(problems, "flush_batch_size must be positive")
	}
	if c.FlushPollIntervalInMilliseconds <= 0 {
		problems = append(problems, "flush_poll_interval_in_milliseconds must be positive")
	}
	if c.BufferInitialCapacityInBytes < 0 || c.BufferShrinkGapThresholdInBytes < 0 {
		problems = append(problems, "buffer sizes must not be negative")
	}
	if c.EngineWriteRetryCount < 0 {
		problems = append(problems, "engine_write_retry_count must not be negative")
	}
	if c.ValueCacheCapacityCount < 0 {
		problems = append(problems, "value_cache_capacity_count must not be negative")
	}
	if c.StorageEngine == EnginePebble && c.DataDirectoryPath == "" {
		problems = append(problems, "data_directory_path is required for the pebble engine")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

func (c SystemConfiguration) FlushPollInterval() time.Duration {
	return time.Duration(c.FlushPollIntervalInMilliseconds) * time.Millisecond
}

func (c SystemConfiguration) BufferShrinkInterval() time.Duration {
	return time.Duration(c.BufferShrinkIntervalInSeconds) * time.Second
}

func (c SystemConfiguration) EngineWriteRetryBackoff() time.Duration {
	return time.Duration(c.EngineWriteRetryBackoffInMilliseconds) * time.Millisecond
}

func (c SystemConfiguration) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutInSeconds) * time.Second
}
