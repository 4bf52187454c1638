// Package config provides centralized configuration management for the actor.
// It defines configuration structures for the training step, the collective
// transport and the observability stack, and supports validation, default
// values, and environment-based configuration loading.
package config

import (
	"fmt"
	"time"

	"github.com/openeeap/rlactor/pkg/types"
	"github.com/openeeap/rlactor/pkg/validator"
)

// ============================================================================
// Main Configuration Structure
// ============================================================================

// Config represents the complete worker configuration
type Config struct {
	// Actor holds the per-step training hyper-parameters
	Actor ActorConfig `mapstructure:"actor" yaml:"actor" json:"actor"`

	// Collective configures the sequence-parallel group transport
	Collective CollectiveConfig `mapstructure:"collective" yaml:"collective" json:"collective"`

	// Server configures the diagnostics HTTP endpoint
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`

	// Observability configuration
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability" json:"observability"`

	// Publisher configures where per-step metrics are sent
	Publisher PublisherConfig `mapstructure:"publisher" yaml:"publisher" json:"publisher"`
}

// ============================================================================
// Actor Configuration
// ============================================================================

// ActorConfig holds the training-step hyper-parameters of one worker
type ActorConfig struct {
	// Enable packing (padding removal) before the model forward
	UseRemovePadding bool `mapstructure:"use_remove_padding" yaml:"use_remove_padding" json:"use_remove_padding"`

	// Sequence-parallel shard width, 1 disables sharding
	UlyssesSequenceParallelSize int `mapstructure:"ulysses_sequence_parallel_size" yaml:"ulysses_sequence_parallel_size" json:"ulysses_sequence_parallel_size" validate:"gte=1"`

	// Select token-budget micro-batching instead of fixed-size chunks
	UseDynamicBsz bool `mapstructure:"use_dynamic_bsz" yaml:"use_dynamic_bsz" json:"use_dynamic_bsz"`

	// Examples per optimizer update
	PPOMiniBatchSize int `mapstructure:"ppo_mini_batch_size" yaml:"ppo_mini_batch_size" json:"ppo_mini_batch_size" validate:"gte=1"`

	// Examples per micro-batch under fixed batching
	PPOMicroBatchSizePerGPU int `mapstructure:"ppo_micro_batch_size_per_gpu" yaml:"ppo_micro_batch_size_per_gpu" json:"ppo_micro_batch_size_per_gpu" validate:"gte=1"`

	// Token budget per micro-batch before scaling by the parallel width
	PPOMaxTokenLenPerGPU int `mapstructure:"ppo_max_token_len_per_gpu" yaml:"ppo_max_token_len_per_gpu" json:"ppo_max_token_len_per_gpu" validate:"gte=1"`

	// Symmetric clip ratio, used when the asymmetric bounds are not both set
	ClipRatio float64 `mapstructure:"clip_ratio" yaml:"clip_ratio" json:"clip_ratio" validate:"gte=0"`

	// Asymmetric clip bounds
	ClipRatioLow  *float64 `mapstructure:"clip_ratio_low" yaml:"clip_ratio_low,omitempty" json:"clip_ratio_low,omitempty" validate:"omitempty,gte=0"`
	ClipRatioHigh *float64 `mapstructure:"clip_ratio_high" yaml:"clip_ratio_high,omitempty" json:"clip_ratio_high,omitempty" validate:"omitempty,gte=0"`

	// Entropy bonus coefficient
	EntropyCoeff float64 `mapstructure:"entropy_coeff" yaml:"entropy_coeff" json:"entropy_coeff"`

	// KL-to-reference penalty
	UseKLLoss  bool    `mapstructure:"use_kl_loss" yaml:"use_kl_loss" json:"use_kl_loss"`
	KLLossType string  `mapstructure:"kl_loss_type" yaml:"kl_loss_type" json:"kl_loss_type" validate:"kl_loss_type"`
	KLLossCoef float64 `mapstructure:"kl_loss_coef" yaml:"kl_loss_coef" json:"kl_loss_coef"`

	// Aggregation of per-token losses
	LossAggMode string `mapstructure:"loss_agg_mode" yaml:"loss_agg_mode" json:"loss_agg_mode" validate:"loss_agg_mode"`

	// Per-sequence token cap for the max-tokens aggregation
	MaxTokens int `mapstructure:"max_tokens" yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`

	// Maximum global gradient norm
	GradClip float64 `mapstructure:"grad_clip" yaml:"grad_clip" json:"grad_clip" validate:"gt=0"`

	// Auxiliary supervised loss
	UseSFTLoss  bool    `mapstructure:"use_sft_loss" yaml:"use_sft_loss" json:"use_sft_loss"`
	SFTType     string  `mapstructure:"sft_type" yaml:"sft_type" json:"sft_type" validate:"sft_type"`
	SFTLossCoef float64 `mapstructure:"sft_loss_coef" yaml:"sft_loss_coef" json:"sft_loss_coef"`

	// Sampling temperature applied to logits
	Temperature float64 `mapstructure:"temperature" yaml:"temperature" json:"temperature" validate:"gt=0"`
}

// ClipBounds returns the effective lower and upper clip ratios. The
// asymmetric bounds override ClipRatio only when both are set.
func (ac *ActorConfig) ClipBounds() (low, high float64) {
	if ac.ClipRatioLow != nil && ac.ClipRatioHigh != nil {
		return *ac.ClipRatioLow, *ac.ClipRatioHigh
	}
	return ac.ClipRatio, ac.ClipRatio
}

// MaxTokenLen returns the micro-batch token budget scaled by the parallel width
func (ac *ActorConfig) MaxTokenLen() int {
	return ac.PPOMaxTokenLenPerGPU * ac.UlyssesSequenceParallelSize
}

// AggMode returns the typed aggregation mode
func (ac *ActorConfig) AggMode() types.LossAggMode {
	return types.LossAggMode(ac.LossAggMode)
}

// KLType returns the typed KL estimator
func (ac *ActorConfig) KLType() types.KLPenaltyType {
	return types.KLPenaltyType(ac.KLLossType)
}

// Validate checks the cross-field rules the struct tags cannot express
func (ac *ActorConfig) Validate() error {
	if !ac.UseDynamicBsz && ac.PPOMiniBatchSize%ac.PPOMicroBatchSizePerGPU != 0 {
		return fmt.Errorf("ppo_mini_batch_size %d is not divisible by ppo_micro_batch_size_per_gpu %d",
			ac.PPOMiniBatchSize, ac.PPOMicroBatchSizePerGPU)
	}
	if ac.UseSFTLoss && ac.SFTType == "" {
		return fmt.Errorf("sft_type is required when use_sft_loss is set")
	}
	if ac.AggMode() == types.LossAggMaxTokens && ac.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive with loss_agg_mode %s", types.LossAggMaxTokens)
	}
	if ac.UlyssesSequenceParallelSize > 1 && !ac.UseRemovePadding {
		return fmt.Errorf("ulysses_sequence_parallel_size > 1 requires use_remove_padding")
	}
	return nil
}

// ============================================================================
// Collective Configuration
// ============================================================================

// CollectiveConfig configures how ranks of a sequence-parallel group meet
type CollectiveConfig struct {
	// Backend (local, grpc)
	Backend string `mapstructure:"backend" yaml:"backend" json:"backend" validate:"oneof=local grpc"`

	// Rendezvous server address for the grpc backend
	Address string `mapstructure:"address" yaml:"address" json:"address" validate:"required_if=Backend grpc"`

	// Group name shared by all ranks of one group
	Group string `mapstructure:"group" yaml:"group" json:"group"`

	// This process' rank within the group
	Rank int `mapstructure:"rank" yaml:"rank" json:"rank" validate:"gte=0"`

	// Dial timeout for the rendezvous server
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`

	// Maximum wait for all ranks to reach a collective call
	RoundTimeout time.Duration `mapstructure:"round_timeout" yaml:"round_timeout" json:"round_timeout"`
}

// ============================================================================
// Server Configuration
// ============================================================================

// ServerConfig defines the diagnostics HTTP server configuration
type ServerConfig struct {
	// Enable the HTTP server
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Host to bind to
	Host string `mapstructure:"host" yaml:"host" json:"host"`

	// Port to listen on
	Port int `mapstructure:"port" yaml:"port" json:"port" validate:"gte=0,lte=65535"`

	// Mount net/http/pprof handlers
	EnablePprof bool `mapstructure:"enable_pprof" yaml:"enable_pprof" json:"enable_pprof"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// Addr returns the listen address
func (sc *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", sc.Host, sc.Port)
}

// ============================================================================
// Observability Configuration
// ============================================================================

// ObservabilityConfig defines observability configuration
type ObservabilityConfig struct {
	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" json:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`

	// Tracing configuration
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Log level (debug, info, warn, error, fatal)
	Level string `mapstructure:"level" yaml:"level" json:"level" validate:"log_level"`

	// Log format (json, console)
	Format string `mapstructure:"format" yaml:"format" json:"format" validate:"omitempty,oneof=json console"`

	// Output (stdout, stderr, file)
	Output string `mapstructure:"output" yaml:"output" json:"output" validate:"omitempty,oneof=stdout stderr file"`

	// Log file path (if output is file)
	FilePath string `mapstructure:"file_path" yaml:"file_path" json:"file_path" validate:"required_if=Output file"`

	// Max file size in MB
	MaxSize int `mapstructure:"max_size" yaml:"max_size" json:"max_size"`

	// Max backup files
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups" json:"max_backups"`

	// Max age in days
	MaxAge int `mapstructure:"max_age" yaml:"max_age" json:"max_age"`

	// Enable compression
	Compress bool `mapstructure:"compress" yaml:"compress" json:"compress"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	// Enable metrics collection
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Metrics path on the diagnostics server
	Path string `mapstructure:"path" yaml:"path" json:"path"`

	// Namespace for metrics
	Namespace string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`

	// Subsystem for metrics
	Subsystem string `mapstructure:"subsystem" yaml:"subsystem" json:"subsystem"`
}

// TracingConfig defines distributed tracing configuration
type TracingConfig struct {
	// Enable tracing
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Provider (none, otlp, zipkin)
	Provider string `mapstructure:"provider" yaml:"provider" json:"provider" validate:"tracing_provider"`

	// Endpoint
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`

	// Disable transport security for the otlp exporter
	Insecure bool `mapstructure:"insecure" yaml:"insecure" json:"insecure"`

	// Service name
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`

	// Sampling rate (0.0 - 1.0)
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
}

// ============================================================================
// Publisher Configuration
// ============================================================================

// PublisherConfig configures delivery of per-step metrics to telemetry consumers
type PublisherConfig struct {
	// Kafka publisher
	Kafka KafkaConfig `mapstructure:"kafka" yaml:"kafka" json:"kafka"`
}

// KafkaConfig defines Kafka producer configuration
type KafkaConfig struct {
	// Enable publishing
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Broker addresses
	Brokers []string `mapstructure:"brokers" yaml:"brokers" json:"brokers" validate:"required_if=Enabled true"`

	// Client ID
	ClientID string `mapstructure:"client_id" yaml:"client_id" json:"client_id"`

	// Topic receiving metrics snapshots
	Topic string `mapstructure:"topic" yaml:"topic" json:"topic"`

	// Compression type (none, gzip, snappy, lz4, zstd)
	Compression string `mapstructure:"compression" yaml:"compression" json:"compression" validate:"omitempty,oneof=none gzip snappy lz4 zstd"`

	// Required acks (-1, 0, 1)
	RequiredAcks int `mapstructure:"required_acks" yaml:"required_acks" json:"required_acks" validate:"gte=-1,lte=1"`

	// Max message bytes
	MaxMessageBytes int `mapstructure:"max_message_bytes" yaml:"max_message_bytes" json:"max_message_bytes"`
}

// ============================================================================
// Validation
// ============================================================================

// Validate validates the entire configuration
func (c *Config) Validate() error {
	if err := validator.ValidateStruct(c); err != nil {
		return err
	}
	if err := c.Actor.Validate(); err != nil {
		return fmt.Errorf("actor config: %w", err)
	}
	return nil
}

//Personal.AI order the ending
