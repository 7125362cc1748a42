package model

import "time"

// EntityType identifies which external registry an entity was confirmed against.
type EntityType string

const (
	EntityTypeCompany            EntityType = "company"
	EntityTypeHealthcareProvider EntityType = "healthcare_provider"
	EntityTypeLocalGovernment    EntityType = "local_government"
	EntityTypeNationalGovernment EntityType = "national_government"
)

// AllEntityTypes lists every registry-backed entity type, in lookup order.
var AllEntityTypes = []EntityType{
	EntityTypeCompany,
	EntityTypeHealthcareProvider,
	EntityTypeLocalGovernment,
	EntityTypeNationalGovernment,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTypeCompany, EntityTypeHealthcareProvider,
		EntityTypeLocalGovernment, EntityTypeNationalGovernment:
		return true
	}
	return false
}

// Entity is a canonical organisation keyed by registry id. For any
// (entity_type, registry_id) at most one Entity exists; the store enforces
// this with a unique constraint and a violation routes to duplicate-merge.
type Entity struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        EntityType `json:"type"`
	RegistryID  string     `json:"registry_id"`
	AddressLine string     `json:"address_line,omitempty"`
	Postcode    string     `json:"postcode,omitempty"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MatchStatus is the lifecycle of a raw counterparty name.
type MatchStatus string

const (
	MatchStatusPending MatchStatus = "pending"
	MatchStatusMatched MatchStatus = "matched"
	MatchStatusNoMatch MatchStatus = "no_match"
)

// CounterpartyKind distinguishes suppliers from buyers.
type CounterpartyKind string

const (
	KindSupplier CounterpartyKind = "supplier"
	KindBuyer    CounterpartyKind = "buyer"
)

// RawCounterparty is an as-observed buyer or supplier name with its match
// lifecycle. Created once per distinct observed name during import; mutated
// only by the match engine or manual override; removed only by merge.
type RawCounterparty struct {
	ID               string           `json:"id"`
	Kind             CounterpartyKind `json:"kind"`
	Name             string           `json:"name"`
	Postcode         string           `json:"postcode,omitempty"`
	EntityID         string           `json:"entity_id,omitempty"`
	MatchStatus      MatchStatus      `json:"match_status"`
	MatchConfidence  *float64         `json:"match_confidence,omitempty"`
	MatchReason      string           `json:"match_reason,omitempty"`
	ManuallyVerified bool             `json:"manually_verified"`
	MatchAttemptedAt *time.Time       `json:"match_attempted_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}
