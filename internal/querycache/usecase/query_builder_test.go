package usecase

import (
	"testing"

	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/testutil"
	sharedErrors "school-portal/internal/shared/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T) QueryBuilder {
	t.Helper()
	registry, err := NewPolicyRegistry(map[model.Collection]model.CollectionPolicy{
		model.CollectionStudents: testutil.StudentPolicy(),
	})
	require.NoError(t, err)
	return NewQueryBuilder(registry)
}

func intPtr(v int) *int { return &v }

func TestQueryBuilder_DefaultUsesPolicy(t *testing.T) {
	spec, err := newTestBuilder(t).Default(model.CollectionStudents)
	require.NoError(t, err)

	assert.Equal(t, model.CollectionStudents, spec.Collection())
	assert.Equal(t, "name", spec.SortField())
	assert.Equal(t, 2, spec.Limit())
	assert.False(t, spec.HasFilters())
	assert.Nil(t, spec.StartAfter())
	assert.Equal(t, model.QueryID("students|limit=2"), spec.ID())
}

func TestQueryBuilder_LimitOverrideChangesIdentity(t *testing.T) {
	b := newTestBuilder(t)
	def, err := b.Default(model.CollectionStudents)
	require.NoError(t, err)
	wide, err := b.Build(model.CollectionStudents, nil, intPtr(50))
	require.NoError(t, err)

	assert.Equal(t, 50, wide.Limit())
	assert.NotEqual(t, def.ID(), wide.ID())
}

func TestQueryBuilder_FiltersAreCanonical(t *testing.T) {
	b := newTestBuilder(t)
	first, err := b.Build(model.CollectionStudents, model.Filters{
		"grade":  {model.OperatorGreaterThanOrEqual: 10, model.OperatorLessThan: 12},
		"active": {model.OperatorEqual: true},
	}, nil)
	require.NoError(t, err)
	second, err := b.Build(model.CollectionStudents, model.FiltersFromList([]model.Filter{
		{Field: "active", Operator: model.OperatorEqual, Value: true},
		{Field: "grade", Operator: model.OperatorLessThan, Value: 12},
		{Field: "grade", Operator: model.OperatorGreaterThanOrEqual, Value: 10},
	}), nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID(), second.ID())
	assert.True(t, first.HasFilters())
}

func TestQueryBuilder_Errors(t *testing.T) {
	b := newTestBuilder(t)

	_, err := b.Build(model.Collection("parents"), nil, nil)
	assert.True(t, sharedErrors.IsUnknownCollection(err))

	_, err = b.Build(model.CollectionStudents, model.Filters{"name": {model.Operator("~="): "A"}}, nil)
	assert.ErrorIs(t, err, sharedErrors.ErrInvalidQuery)

	_, err = b.Build(model.CollectionStudents, model.Filters{"": {model.OperatorEqual: "A"}}, nil)
	assert.ErrorIs(t, err, sharedErrors.ErrInvalidQuery)

	_, err = b.Build(model.CollectionStudents, nil, intPtr(0))
	assert.ErrorIs(t, err, sharedErrors.ErrInvalidQuery)
}
