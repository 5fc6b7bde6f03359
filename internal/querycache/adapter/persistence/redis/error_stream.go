// Package redis persists recorded subscription errors in a Redis stream.
package redis

import (
	"context"
	"strconv"
	"time"

	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/domain/repository"
	"school-portal/internal/shared/logger"

	"github.com/redis/go-redis/v9"
)

// DefaultStreamKey is used when no stream key is configured.
const DefaultStreamKey = "querycache:errors"

// ErrorStream implements repository.ErrorSink on a Redis stream trimmed to
// an approximate maximum length.
type ErrorStream struct {
	client    *redis.Client
	streamKey string
	maxLen    int64
	logger    logger.Logger
}

var _ repository.ErrorSink = (*ErrorStream)(nil)

// NewErrorStream creates an ErrorStream. maxLen <= 0 disables trimming.
func NewErrorStream(client *redis.Client, streamKey string, maxLen int64, log logger.Logger) *ErrorStream {
	if streamKey == "" {
		streamKey = DefaultStreamKey
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ErrorStream{
		client:    client,
		streamKey: streamKey,
		maxLen:    maxLen,
		logger:    log.WithComponent("redis_error_stream"),
	}
}

// Record appends rec to the stream.
func (s *ErrorStream) Record(ctx context.Context, rec model.RecordedError) error {
	args := &redis.XAddArgs{
		Stream: s.streamKey,
		Values: map[string]interface{}{
			"queryId":    string(rec.QueryID),
			"collection": string(rec.Collection),
			"message":    rec.Message,
			"dropped":    strconv.FormatBool(rec.Dropped),
			"occurredAt": rec.OccurredAt.UnixNano(),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if _, err := s.client.XAdd(ctx, args).Result(); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"stream":   s.streamKey,
			"query_id": string(rec.QueryID),
		}).Errorf("Failed to append recorded error: %v", err)
		return err
	}
	return nil
}

// Recent returns up to n of the newest errors, oldest first.
func (s *ErrorStream) Recent(ctx context.Context, n int) ([]model.RecordedError, error) {
	if n <= 0 {
		return []model.RecordedError{}, nil
	}
	msgs, err := s.client.XRevRangeN(ctx, s.streamKey, "+", "-", int64(n)).Result()
	if err != nil {
		if err == redis.Nil {
			return []model.RecordedError{}, nil
		}
		s.logger.Errorf("Failed to read recorded errors from %s: %v", s.streamKey, err)
		return nil, err
	}

	out := make([]model.RecordedError, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, parseRecordedError(msgs[i]))
	}
	return out, nil
}

// Len returns the number of entries in the stream.
func (s *ErrorStream) Len(ctx context.Context) (int64, error) {
	return s.client.XLen(ctx, s.streamKey).Result()
}

func parseRecordedError(msg redis.XMessage) model.RecordedError {
	rec := model.RecordedError{}
	if v, ok := msg.Values["queryId"].(string); ok {
		rec.QueryID = model.QueryID(v)
	}
	if v, ok := msg.Values["collection"].(string); ok {
		rec.Collection = model.Collection(v)
	}
	if v, ok := msg.Values["message"].(string); ok {
		rec.Message = v
	}
	if v, ok := msg.Values["dropped"].(string); ok {
		rec.Dropped, _ = strconv.ParseBool(v)
	}
	if v, ok := msg.Values["occurredAt"].(string); ok {
		if nanos, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.OccurredAt = time.Unix(0, nanos).UTC()
		}
	}
	return rec
}
