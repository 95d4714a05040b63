package config

import "time"

// Config holds docmill configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Processing ProcessingCfg `mapstructure:"processing" yaml:"processing"`
	Queue      QueueCfg      `mapstructure:"queue" yaml:"queue"`
	Planner    PlannerCfg    `mapstructure:"planner" yaml:"planner"`
	Thumbnails ThumbnailCfg  `mapstructure:"thumbnails" yaml:"thumbnails"`
	LogLevel   string        `mapstructure:"log_level" yaml:"log_level"` // debug, info, warn, error
}

// ProcessingCfg governs task execution and retry windows.
type ProcessingCfg struct {
	// MaxAttempts is the maximum delivery attempts for a page task.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// TaskTimeoutSeconds is the configured per-task execution limit.
	TaskTimeoutSeconds int `mapstructure:"task_timeout_seconds" yaml:"task_timeout_seconds"`
	// DeployCeilingSeconds is a deployment-imposed execution ceiling
	// (e.g. a serverless limit). Zero means no ceiling.
	DeployCeilingSeconds int `mapstructure:"deploy_ceiling_seconds" yaml:"deploy_ceiling_seconds"`
	// TimeoutSafetyBufferSeconds is subtracted from the ceiling when it
	// is lower than the configured task timeout.
	TimeoutSafetyBufferSeconds int `mapstructure:"timeout_safety_buffer_seconds" yaml:"timeout_safety_buffer_seconds"`
	// RetryWindowSeconds bounds how long a task type keeps retrying,
	// independent of the per-failure wait.
	RetryWindowSeconds int `mapstructure:"retry_window_seconds" yaml:"retry_window_seconds"`
	// MaxProcessingTimeSeconds caps whole-document processing and sets
	// the recovery checkpoint TTL.
	MaxProcessingTimeSeconds int `mapstructure:"max_processing_time_seconds" yaml:"max_processing_time_seconds"`
}

// QueueCfg configures the task queue workers.
type QueueCfg struct {
	Workers             int `mapstructure:"workers" yaml:"workers"`
	PollIntervalMillis  int `mapstructure:"poll_interval_millis" yaml:"poll_interval_millis"`
	LockDurationSeconds int `mapstructure:"lock_duration_seconds" yaml:"lock_duration_seconds"`
}

// PlannerCfg configures chunked processing and memory estimates.
type PlannerCfg struct {
	// ChunkThreshold is the page count above which chunked processing is used.
	ChunkThreshold int `mapstructure:"chunk_threshold" yaml:"chunk_threshold"`
	// ChunkSize is the number of pages per chunk.
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size"`
	// CheckpointThreshold is the page count above which a checkpoint
	// schedule is generated.
	CheckpointThreshold int `mapstructure:"checkpoint_threshold" yaml:"checkpoint_threshold"`
	// MemoryLimitMB caps the memory a processing run may plan for.
	MemoryLimitMB int `mapstructure:"memory_limit_mb" yaml:"memory_limit_mb"`
	// PageMemoryMB is the estimated per-page memory cost.
	PageMemoryMB int `mapstructure:"page_memory_mb" yaml:"page_memory_mb"`
}

// ThumbnailCfg configures thumbnail generation.
type ThumbnailCfg struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	DPI     int  `mapstructure:"dpi" yaml:"dpi"`
}

// TaskTimeout returns the configured per-task timeout.
func (p ProcessingCfg) TaskTimeout() time.Duration {
	return time.Duration(p.TaskTimeoutSeconds) * time.Second
}

// EffectiveTimeout returns the task timeout after applying the deployment
// ceiling: when the ceiling is lower than the configured timeout, the
// effective value is the ceiling minus the safety buffer.
func (p ProcessingCfg) EffectiveTimeout() time.Duration {
	timeout := p.TaskTimeout()
	if p.DeployCeilingSeconds <= 0 {
		return timeout
	}
	ceiling := time.Duration(p.DeployCeilingSeconds) * time.Second
	if ceiling >= timeout {
		return timeout
	}
	buffer := time.Duration(p.TimeoutSafetyBufferSeconds) * time.Second
	effective := ceiling - buffer
	if effective <= 0 {
		effective = ceiling
	}
	return effective
}

// RetryWindow returns the absolute retry deadline window for a task.
func (p ProcessingCfg) RetryWindow() time.Duration {
	return time.Duration(p.RetryWindowSeconds) * time.Second
}

// MaxProcessingTime returns the whole-document processing cap.
func (p ProcessingCfg) MaxProcessingTime() time.Duration {
	return time.Duration(p.MaxProcessingTimeSeconds) * time.Second
}

// PollInterval returns the queue polling interval.
func (q QueueCfg) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMillis) * time.Millisecond
}

// LockDuration returns how long a claimed task stays locked.
func (q QueueCfg) LockDuration() time.Duration {
	return time.Duration(q.LockDurationSeconds) * time.Second
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Processing: ProcessingCfg{
			MaxAttempts:                3,
			TaskTimeoutSeconds:         300,
			DeployCeilingSeconds:       0,
			TimeoutSafetyBufferSeconds: 30,
			RetryWindowSeconds:         1800,
			MaxProcessingTimeSeconds:   3600,
		},
		Queue: QueueCfg{
			Workers:             4,
			PollIntervalMillis:  250,
			LockDurationSeconds: 600,
		},
		Planner: PlannerCfg{
			ChunkThreshold:      100,
			ChunkSize:           25,
			CheckpointThreshold: 200,
			MemoryLimitMB:       1024,
			PageMemoryMB:        8,
		},
		Thumbnails: ThumbnailCfg{
			Enabled: true,
			DPI:     72,
		},
		LogLevel: "info",
	}
}
