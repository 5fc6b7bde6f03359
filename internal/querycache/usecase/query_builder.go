package usecase

import (
	"fmt"

	"school-portal/internal/querycache/domain/model"
	sharedErrors "school-portal/internal/shared/errors"
)

// QueryBuilder turns caller input into an immutable QuerySpec.
type QueryBuilder interface {
	// Build resolves the collection policy, normalizes filters and applies
	// limit, or the policy page size when limit is nil.
	Build(collection model.Collection, filters model.Filters, limit *int) (model.QuerySpec, error)
	// Default builds the unfiltered, default-limit query of a collection.
	Default(collection model.Collection) (model.QuerySpec, error)
}

type queryBuilderImpl struct {
	policies PolicyRegistry
}

// NewQueryBuilder creates a QueryBuilder.
func NewQueryBuilder(policies PolicyRegistry) QueryBuilder {
	return &queryBuilderImpl{policies: policies}
}

func (b *queryBuilderImpl) Build(collection model.Collection, filters model.Filters, limit *int) (model.QuerySpec, error) {
	policy, err := b.policies.PolicyFor(collection)
	if err != nil {
		return model.QuerySpec{}, err
	}

	normalized := filters.Normalize()
	for _, f := range normalized {
		if f.Field == "" {
			return model.QuerySpec{}, sharedErrors.NewInvalidQueryError("filter field must not be empty")
		}
		if !f.Operator.Valid() {
			return model.QuerySpec{}, sharedErrors.NewInvalidQueryError(
				fmt.Sprintf("unsupported operator %q on field %q", f.Operator, f.Field))
		}
	}

	size := policy.PageSize
	if limit != nil {
		if *limit <= 0 {
			return model.QuerySpec{}, sharedErrors.NewInvalidQueryError(
				fmt.Sprintf("limit must be positive, got %d", *limit))
		}
		size = *limit
	}

	return model.NewQuerySpec(collection, policy.SortField, size, normalized), nil
}

func (b *queryBuilderImpl) Default(collection model.Collection) (model.QuerySpec, error) {
	return b.Build(collection, nil, nil)
}
