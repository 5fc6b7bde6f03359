package repository

import (
	"context"

	"school-portal/internal/querycache/domain/model"
)

// ErrorSink durably records remote failures for diagnostics.
type ErrorSink interface {
	Record(ctx context.Context, rec model.RecordedError) error
	Recent(ctx context.Context, n int) ([]model.RecordedError, error)
}
