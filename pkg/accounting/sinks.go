package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/transports/ssh"
)

// DefaultRedisStream is the stream key used when none is configured.
const DefaultRedisStream = "broker:usage"

// NewSinks builds the sinks cfg enables. The returned close function
// releases their connections.
func NewSinks(ctx context.Context, cfg Config, logger zerolog.Logger) ([]Sink, func() error, error) {
	var sinks []Sink
	var closers []func() error
	closeAll := func() error {
		var first error
		for _, c := range closers {
			if err := c(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	if cfg.Log {
		sinks = append(sinks, NewLogSink(logger))
	}
	if cfg.S3 != nil {
		sink, err := NewS3Sink(ctx, *cfg.S3)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.Redis != nil {
		sink := NewRedisStreamSink(*cfg.Redis)
		closers = append(closers, sink.Close)
		sinks = append(sinks, sink)
	}
	if cfg.SFTP != nil {
		sshCfg := cfg.SFTP.SSH
		sshCfg.ApplyDefaults()
		client, err := ssh.NewClient(&sshCfg)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("failed to create sftp sink: %w", err)
		}
		closers = append(closers, client.Close)
		sinks = append(sinks, NewSFTPSink(client, cfg.SFTP.Dir))
	}
	return sinks, closeAll, nil
}

// encodeJSONLines renders records one JSON object per line.
func encodeJSONLines(records []*engine.UsageRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to encode usage record %s: %w", rec.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// byPeriod splits records by billing period, in period order.
func byPeriod(records []*engine.UsageRecord) ([]string, map[string][]*engine.UsageRecord) {
	groups := make(map[string][]*engine.UsageRecord)
	for _, rec := range records {
		groups[rec.Period] = append(groups[rec.Period], rec)
	}
	periods := make([]string, 0, len(groups))
	for p := range groups {
		periods = append(periods, p)
	}
	sort.Strings(periods)
	return periods, groups
}

// objectKey names one batch file: <prefix>/<period>/<ulid>.jsonl. ULIDs sort
// by creation time, so listing a period yields batches in order.
func objectKey(prefix, period string) string {
	return path.Join(prefix, period, ulid.Make().String()+".jsonl")
}

// LogSink writes every record as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "accounting").Str("sink", "log").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, batch []*engine.UsageRecord) error {
	for _, rec := range batch {
		s.logger.Info().
			Str("usage_record_id", rec.ID).
			Str("resource_id", rec.ResourceID).
			Str("account_id", rec.AccountID).
			Str("project_id", rec.ProjectID).
			Str("dimension", string(rec.Dimension)).
			Str("period", rec.Period).
			Float64("quantity", rec.Quantity).
			Str("kind", string(rec.Kind)).
			Time("recorded_at", rec.RecordedAt).
			Msg("usage record")
	}
	return nil
}

// S3Sink writes each batch as JSON Lines objects, one per billing period.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink creates an S3 sink from cfg.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3SinkWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3SinkWithClient creates an S3 sink over an existing client.
func NewS3SinkWithClient(client *s3.Client, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Sink) Name() string { return "s3" }

func (s *S3Sink) Write(ctx context.Context, batch []*engine.UsageRecord) error {
	periods, groups := byPeriod(batch)
	for _, period := range periods {
		data, err := encodeJSONLines(groups[period])
		if err != nil {
			return err
		}
		key := objectKey(s.prefix, period)
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String("application/x-ndjson"),
		})
		if err != nil {
			return fmt.Errorf("failed to put object %s in bucket %s: %w", key, s.bucket, err)
		}
	}
	return nil
}

// RedisStreamSink appends every record to a Redis stream.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a Redis Streams sink from cfg.
func NewRedisStreamSink(cfg RedisStreamConfig) *RedisStreamSink {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStreamSinkWithClient(client, cfg.Stream, cfg.MaxLen)
}

// NewRedisStreamSinkWithClient creates a sink over an existing client.
func NewRedisStreamSinkWithClient(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = DefaultRedisStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Name() string { return "redis" }

func (s *RedisStreamSink) Write(ctx context.Context, batch []*engine.UsageRecord) error {
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, rec := range batch {
			args := &redis.XAddArgs{
				Stream: s.stream,
				Values: streamValues(rec),
			}
			if s.maxLen > 0 {
				args.MaxLen = s.maxLen
				args.Approx = true
			}
			p.XAdd(ctx, args)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", s.stream, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStreamSink) Close() error {
	return s.client.Close()
}

func streamValues(rec *engine.UsageRecord) map[string]interface{} {
	return map[string]interface{}{
		"id":          rec.ID,
		"resource_id": rec.ResourceID,
		"account_id":  rec.AccountID,
		"project_id":  rec.ProjectID,
		"dimension":   string(rec.Dimension),
		"period":      rec.Period,
		"quantity":    strconv.FormatFloat(rec.Quantity, 'f', -1, 64),
		"kind":        string(rec.Kind),
		"reverses_id": rec.ReversesID,
		"sample_key":  rec.SampleKey,
		"recorded_at": rec.RecordedAt.UTC().Format(time.RFC3339Nano),
	}
}

// SFTPSink writes each batch as JSON Lines files on a remote host:
// <dir>/<period>/<ulid>.jsonl.
type SFTPSink struct {
	runner ssh.Runner
	dir    string
}

// NewSFTPSink creates an SFTP sink writing under dir.
func NewSFTPSink(runner ssh.Runner, dir string) *SFTPSink {
	return &SFTPSink{runner: runner, dir: dir}
}

func (s *SFTPSink) Name() string { return "sftp" }

func (s *SFTPSink) Write(ctx context.Context, batch []*engine.UsageRecord) error {
	periods, groups := byPeriod(batch)
	for _, period := range periods {
		data, err := encodeJSONLines(groups[period])
		if err != nil {
			return err
		}
		file := objectKey(s.dir, period)
		if err := s.runner.WriteFile(ctx, file, data, 0o640); err != nil {
			return fmt.Errorf("failed to write %s: %w", file, err)
		}
	}
	return nil
}
