// Package store archives finished conversations in Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	sessionKeyPrefix = "session:"
	indexKey         = "archived_sessions"

	defaultPingTimeout = 5 * time.Second
)

var (
	// ErrNotFound is returned when no archived session has the given id
	ErrNotFound = errors.New("session not found")
	// ErrDisabled is returned by reads when Redis was unavailable at startup
	ErrDisabled = errors.New("session archive disabled")
)

// Entry is one archived transcript line
type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is a finished conversation
type Record struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	TextOnly  bool
	Summary   string
	Messages  []Entry
}

// Options configures the Redis connection
type Options struct {
	Addr        string
	Password    string
	TTL         time.Duration
	PingTimeout time.Duration
}

// Archive stores records as hashes keyed by session id plus an index set.
// When Redis cannot be reached at startup the archive is disabled and Save
// becomes a no-op.
type Archive struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewArchive connects to Redis. A failed ping leaves the archive disabled
// rather than failing the caller.
func NewArchive(ctx context.Context, opts Options, logger zerolog.Logger) *Archive {
	logger = logger.With().Str("component", "store").Logger()
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       0,
	})

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", opts.Addr).Msg("redis unavailable, session archive disabled")
		_ = client.Close()
		client = nil
	}
	return NewArchiveWithClient(client, opts.TTL, logger)
}

// NewArchiveWithClient wraps an existing client; a nil client yields a
// disabled archive.
func NewArchiveWithClient(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Archive {
	return &Archive{client: client, ttl: ttl, logger: logger}
}

// Enabled reports whether records are persisted
func (a *Archive) Enabled() bool {
	return a != nil && a.client != nil
}

// Save writes rec and indexes it
func (a *Archive) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return errors.New("record has no id")
	}
	if !a.Enabled() {
		a.logger.Debug().Str("session_id", rec.ID).Msg("archive disabled, dropping session")
		return nil
	}

	transcript, err := sonic.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	key := sessionKeyPrefix + rec.ID
	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"started_at":    rec.StartedAt.Format(time.RFC3339Nano),
			"ended_at":      rec.EndedAt.Format(time.RFC3339Nano),
			"text_only":     strconv.FormatBool(rec.TextOnly),
			"summary":       rec.Summary,
			"message_count": len(rec.Messages),
			"messages":      string(transcript),
		})
		pipe.SAdd(ctx, indexKey, rec.ID)
		if a.ttl > 0 {
			pipe.Expire(ctx, key, a.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}

	a.logger.Info().Str("session_id", rec.ID).Int("messages", len(rec.Messages)).Msg("session archived")
	return nil
}

// Load reads one record
func (a *Archive) Load(ctx context.Context, id string) (*Record, error) {
	if !a.Enabled() {
		return nil, ErrDisabled
	}
	fields, err := a.client.HGetAll(ctx, sessionKeyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRecord(id, fields)
}

// List returns every archived record, most recently ended first. Index
// entries whose record has expired are pruned.
func (a *Archive) List(ctx context.Context) ([]*Record, error) {
	if !a.Enabled() {
		return nil, ErrDisabled
	}
	ids, err := a.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := a.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			a.client.SRem(ctx, indexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].EndedAt.After(records[j].EndedAt)
	})
	return records, nil
}

// Delete removes a record and its index entry
func (a *Archive) Delete(ctx context.Context, id string) error {
	if !a.Enabled() {
		return ErrDisabled
	}
	if _, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKeyPrefix+id)
		pipe.SRem(ctx, indexKey, id)
		return nil
	}); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Close releases the Redis connection
func (a *Archive) Close() error {
	if !a.Enabled() {
		return nil
	}
	return a.client.Close()
}

func decodeRecord(id string, fields map[string]string) (*Record, error) {
	rec := &Record{ID: id, Summary: fields["summary"]}

	var err error
	if rec.StartedAt, err = parseTime(fields["started_at"]); err != nil {
		return nil, fmt.Errorf("session %s started_at: %w", id, err)
	}
	if rec.EndedAt, err = parseTime(fields["ended_at"]); err != nil {
		return nil, fmt.Errorf("session %s ended_at: %w", id, err)
	}
	if v := fields["text_only"]; v != "" {
		if rec.TextOnly, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("session %s text_only: %w", id, err)
		}
	}
	if v := fields["messages"]; v != "" {
		if err := sonic.UnmarshalString(v, &rec.Messages); err != nil {
			return nil, fmt.Errorf("session %s transcript: %w", id, err)
		}
	}
	return rec, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
