package config

import (
	"fmt"
	"os"

	"school-portal/internal/querycache/domain/model"
	sharedErrors "school-portal/internal/shared/errors"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML layout of collection policy overrides:
//
//	collections:
//	  students:
//	    pageSize: 20
//	    sortField: lastName
//	    ttl: 5m
type PolicyFile struct {
	Collections map[string]model.CollectionPolicy `yaml:"collections"`
}

// LoadPolicyOverrides reads policy overrides from path. An empty path yields no overrides.
func LoadPolicyOverrides(path string) (map[model.Collection]model.CollectionPolicy, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy file: read %q: %w", path, err)
	}
	return ParsePolicyOverrides(data)
}

// ParsePolicyOverrides decodes and validates a policy file.
func ParsePolicyOverrides(data []byte) (map[model.Collection]model.CollectionPolicy, error) {
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("policy file: parse yaml: %w", err)
	}

	verrs := sharedErrors.NewValidationErrors()
	out := make(map[model.Collection]model.CollectionPolicy, len(file.Collections))
	for name, policy := range file.Collections {
		collection, ok := model.ParseCollection(name)
		if !ok {
			verrs.Add("collections."+name, "unknown collection", name)
			continue
		}
		if err := policy.Validate(); err != nil {
			verrs.Add("collections."+name, err.Error(), policy)
			continue
		}
		out[collection] = policy
	}
	if verrs.HasErrors() {
		return nil, verrs.ToAppError()
	}
	return out, nil
}
