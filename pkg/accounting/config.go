package accounting

import (
	"time"

	"github.com/openfroyo/broker/pkg/transports/ssh"
)

// Config configures the usage record stream and its sinks.
type Config struct {
	// BufferSize is the number of records held before publishers drop.
	BufferSize int `yaml:"buffer_size" validate:"gte=1"`

	// BatchSize is the number of records handed to the sinks at once.
	BatchSize int `yaml:"batch_size" validate:"gte=1"`

	// FlushInterval flushes partial batches.
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`

	// Log writes every record as a structured log line.
	Log bool `yaml:"log"`

	S3    *S3Config          `yaml:"s3" validate:"omitempty"`
	Redis *RedisStreamConfig `yaml:"redis" validate:"omitempty"`
	SFTP  *SFTPConfig        `yaml:"sftp" validate:"omitempty"`
}

// S3Config configures the S3 sink. Credentials fall back to the default
// AWS chain when unset.
type S3Config struct {
	Bucket          string `yaml:"bucket" validate:"required"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// RedisStreamConfig configures the Redis Streams sink.
type RedisStreamConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`

	// Stream is the stream key; defaults to "broker:usage".
	Stream string `yaml:"stream"`

	// MaxLen approximately caps the stream length. Zero keeps everything.
	MaxLen int64 `yaml:"max_len" validate:"gte=0"`
}

// SFTPConfig configures the SFTP sink.
type SFTPConfig struct {
	SSH ssh.Config `yaml:"ssh"`

	// Dir is the remote directory batches are written under.
	Dir string `yaml:"dir" validate:"required"`
}

// DefaultConfig returns a stream that only logs.
func DefaultConfig() Config {
	return Config{
		BufferSize:    1024,
		BatchSize:     100,
		FlushInterval: 10 * time.Second,
		Log:           true,
	}
}
