package registry

import (
	"context"

	"github.com/opencivic/spendmatch/internal/model"
	"github.com/opencivic/spendmatch/internal/resilience"
	"github.com/opencivic/spendmatch/pkg/companieshouse"
	"github.com/opencivic/spendmatch/pkg/govdir"
	"github.com/opencivic/spendmatch/pkg/nhsdir"
)

// Companies adapts the company-registry client to Directory + ProfileFetcher.
func Companies(c *companieshouse.Client) Directory { return &companiesDir{c} }

type companiesDir struct{ c *companieshouse.Client }

func (d *companiesDir) Search(ctx context.Context, name string) ([]Candidate, error) {
	hits, err := d.c.Search(ctx, name)
	if err != nil {
		return nil, classify("companieshouse", err)
	}
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, Candidate{
			RegistryID:  h.CompanyNumber,
			Name:        h.Title,
			EntityType:  model.EntityTypeCompany,
			AddressLine: h.AddressLine,
			Postcode:    h.Postcode,
		})
	}
	return out, nil
}

func (d *companiesDir) FetchProfile(ctx context.Context, registryID string) (*Profile, error) {
	p, err := d.c.FetchProfile(ctx, registryID)
	if err != nil {
		return nil, classify("companieshouse", err)
	}
	return &Profile{
		RegistryID:  p.CompanyNumber,
		Name:        p.CompanyName,
		Status:      p.CompanyStatus,
		AddressLine: p.AddressLine,
		Postcode:    p.Postcode,
	}, nil
}

// Healthcare adapts the healthcare-provider directory client.
func Healthcare(c *nhsdir.Client) Directory { return &healthcareDir{c} }

type healthcareDir struct{ c *nhsdir.Client }

func (d *healthcareDir) Search(ctx context.Context, name string) ([]Candidate, error) {
	hits, err := d.c.Search(ctx, name)
	if err != nil {
		return nil, classify("nhsdir", err)
	}
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, Candidate{
			RegistryID: h.ODSCode,
			Name:       h.Name,
			EntityType: model.EntityTypeHealthcareProvider,
			Postcode:   h.Postcode,
		})
	}
	return out, nil
}

// Government adapts a government register client for the given entity type
// (local or national government).
func Government(c *govdir.Client, entityType model.EntityType) Directory {
	return &govDir{c: c, entityType: entityType}
}

type govDir struct {
	c          *govdir.Client
	entityType model.EntityType
}

func (d *govDir) Search(ctx context.Context, name string) ([]Candidate, error) {
	hits, err := d.c.Search(ctx, name)
	if err != nil {
		return nil, classify("govdir", err)
	}
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, Candidate{
			RegistryID: h.Code,
			Name:       h.Name,
			EntityType: d.entityType,
		})
	}
	return out, nil
}

// classify converts exhausted-transient failures into UnavailableError so
// callers can distinguish "retry later" from a hard fault.
func classify(name string, err error) error {
	if resilience.IsTransient(err) {
		return &UnavailableError{Registry: name, Err: err}
	}
	return err
}
