package usecase

import (
	"time"

	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/domain/repository"
	sharedErrors "school-portal/internal/shared/errors"
)

// PolicyRegistry resolves the query policy of each collection. It is built
// once at startup and never mutated.
type PolicyRegistry interface {
	repository.PolicyProvider
	// Collections lists the collections that have a policy.
	Collections() []model.Collection
}

type policyRegistryImpl struct {
	policies map[model.Collection]model.CollectionPolicy
	order    []model.Collection
}

// DefaultPolicies returns the built-in policy of every known collection.
func DefaultPolicies() map[model.Collection]model.CollectionPolicy {
	return map[model.Collection]model.CollectionPolicy{
		model.CollectionStudents:      {PageSize: 20, SortField: "lastName", TTL: 5 * time.Minute},
		model.CollectionTeachers:      {PageSize: 20, SortField: "lastName", TTL: 10 * time.Minute},
		model.CollectionClasses:       {PageSize: 25, SortField: "name", TTL: 10 * time.Minute},
		model.CollectionSubjects:      {PageSize: 50, SortField: "name", TTL: time.Hour},
		model.CollectionEnrollments:   {PageSize: 50, SortField: "enrolledAt", TTL: 5 * time.Minute},
		model.CollectionGrades:        {PageSize: 50, SortField: "recordedAt", TTL: 2 * time.Minute},
		model.CollectionAttendance:    {PageSize: 100, SortField: "date", TTL: time.Minute},
		model.CollectionAnnouncements: {PageSize: 10, SortField: "publishedAt", TTL: time.Minute},
		model.CollectionEvents:        {PageSize: 20, SortField: "startsAt", TTL: 5 * time.Minute},
	}
}

// NewPolicyRegistry merges overrides onto the defaults. Overrides for unknown
// collections and invalid policies are rejected.
func NewPolicyRegistry(overrides map[model.Collection]model.CollectionPolicy) (PolicyRegistry, error) {
	policies := DefaultPolicies()

	verrs := sharedErrors.NewValidationErrors()
	for collection, policy := range overrides {
		if _, ok := model.ParseCollection(string(collection)); !ok {
			verrs.Add(string(collection), "unknown collection", collection)
			continue
		}
		if err := policy.Validate(); err != nil {
			verrs.Add(string(collection), err.Error(), policy)
			continue
		}
		policies[collection] = policy
	}
	if verrs.HasErrors() {
		return nil, verrs.ToAppError()
	}

	return &policyRegistryImpl{
		policies: policies,
		order:    model.KnownCollections(),
	}, nil
}

// PolicyFor implements repository.PolicyProvider.
func (r *policyRegistryImpl) PolicyFor(collection model.Collection) (model.CollectionPolicy, error) {
	policy, ok := r.policies[collection]
	if !ok {
		return model.CollectionPolicy{}, sharedErrors.NewUnknownCollectionError(string(collection))
	}
	return policy, nil
}

func (r *policyRegistryImpl) Collections() []model.Collection {
	out := make([]model.Collection, len(r.order))
	copy(out, r.order)
	return out
}
