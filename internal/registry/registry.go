// Package registry fronts the external organisation registries behind a
// single Directory interface and maps entity types to the right client.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencivic/spendmatch/internal/model"
)

// Candidate is one registry hit for a searched name. Similarity scoring
// happens in the matcher; clients only report what the registry returned.
type Candidate struct {
	RegistryID  string
	Name        string
	EntityType  model.EntityType
	AddressLine string
	Postcode    string
}

// Profile is the detail record behind a company-registry candidate, used
// when a manual link needs to create the entity.
type Profile struct {
	RegistryID  string
	Name        string
	Status      string
	AddressLine string
	Postcode    string
}

// Directory is a searchable external registry.
type Directory interface {
	Search(ctx context.Context, name string) ([]Candidate, error)
}

// ProfileFetcher is implemented by registries that expose a detail lookup.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, registryID string) (*Profile, error)
}

// UnavailableError signals a transient registry failure after retries were
// exhausted. Names hitting it stay pending for a later pass.
type UnavailableError struct {
	Registry string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("registry %s unavailable: %v", e.Registry, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// Set holds one Directory per entity type.
type Set struct {
	dirs    map[model.EntityType]Directory
	company ProfileFetcher
}

// NewSet builds a registry set. Company may also implement ProfileFetcher.
func NewSet(dirs map[model.EntityType]Directory) *Set {
	s := &Set{dirs: dirs}
	if pf, ok := dirs[model.EntityTypeCompany].(ProfileFetcher); ok {
		s.company = pf
	}
	return s
}

// ForType returns the directories to query for a hint. An empty or unknown
// hint means all registries, in the canonical lookup order.
func (s *Set) ForType(hint model.EntityType) []TypedDirectory {
	if hint.Valid() {
		if d, ok := s.dirs[hint]; ok {
			return []TypedDirectory{{Type: hint, Directory: d}}
		}
		return nil
	}

	out := make([]TypedDirectory, 0, len(s.dirs))
	for _, t := range model.AllEntityTypes {
		if d, ok := s.dirs[t]; ok {
			out = append(out, TypedDirectory{Type: t, Directory: d})
		}
	}
	return out
}

// CompanyProfile fetches the detail record for a company registry id.
func (s *Set) CompanyProfile(ctx context.Context, registryID string) (*Profile, error) {
	if s.company == nil {
		return nil, errors.New("registry: no profile fetcher configured")
	}
	return s.company.FetchProfile(ctx, registryID)
}

// TypedDirectory pairs a Directory with the entity type it resolves to.
type TypedDirectory struct {
	Type      model.EntityType
	Directory Directory
}
