package model

import (
	"fmt"
	"time"
)

// Collection names a document collection the school portal reads.
type Collection string

const (
	CollectionStudents      Collection = "students"
	CollectionTeachers      Collection = "teachers"
	CollectionClasses       Collection = "classes"
	CollectionSubjects      Collection = "subjects"
	CollectionEnrollments   Collection = "enrollments"
	CollectionGrades        Collection = "grades"
	CollectionAttendance    Collection = "attendance"
	CollectionAnnouncements Collection = "announcements"
	CollectionEvents        Collection = "events"
)

var knownCollections = []Collection{
	CollectionStudents,
	CollectionTeachers,
	CollectionClasses,
	CollectionSubjects,
	CollectionEnrollments,
	CollectionGrades,
	CollectionAttendance,
	CollectionAnnouncements,
	CollectionEvents,
}

// KnownCollections returns every collection in declaration order.
func KnownCollections() []Collection {
	out := make([]Collection, len(knownCollections))
	copy(out, knownCollections)
	return out
}

// ParseCollection converts an untyped name (URL segment, config key) into a Collection.
// The boolean is false when the name is not one of the known collections.
func ParseCollection(name string) (Collection, bool) {
	for _, c := range knownCollections {
		if string(c) == name {
			return c, true
		}
	}
	return "", false
}

// String implements fmt.Stringer.
func (c Collection) String() string {
	return string(c)
}

// CollectionPolicy is the query policy of one collection. Immutable after startup.
type CollectionPolicy struct {
	// PageSize is the query limit for one page.
	PageSize int `json:"pageSize" yaml:"pageSize"`
	// SortField defines the total order of the collection; ties are broken by document ID.
	SortField string `json:"sortField" yaml:"sortField"`
	// TTL is the age after which a cached entry is stale.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// Validate checks the policy invariants.
func (p CollectionPolicy) Validate() error {
	if p.PageSize <= 0 {
		return fmt.Errorf("pageSize must be positive, got %d", p.PageSize)
	}
	if p.SortField == "" {
		return fmt.Errorf("sortField must be set")
	}
	if p.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", p.TTL)
	}
	return nil
}
