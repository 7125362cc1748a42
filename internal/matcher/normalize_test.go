package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opencivic/spendmatch/internal/model"
)

func TestNormalize_CompanyLegalForms(t *testing.T) {
	p := ProfileFor(model.EntityTypeCompany)

	tests := []struct {
		in   string
		want string
	}{
		{"Acme Limited", "ACME LTD"},
		{"ACME LTD", "ACME LTD"},
		{"Acme Ltd.", "ACME LTD"},
		{"Widgets Public Limited Company", "WIDGETS PLC"},
		{"Widgets PLC", "WIDGETS PLC"},
		{"Foo & Bar Company", "FOO AND BAR CO"},
		{"Foo and Bar Co", "FOO AND BAR CO"},
		{"  Spaced   Out  Ltd ", "SPACED OUT LTD"},
		{"Café Société Incorporated", "CAFE SOCIETE INC"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Normalize(tt.in), "input %q", tt.in)
	}
}

func TestNormalize_HealthcareProfile(t *testing.T) {
	p := ProfileFor(model.EntityTypeHealthcareProvider)

	assert.Equal(t, "LEEDS TEACHING HOSPITALS NHS FT",
		p.Normalize("The Leeds Teaching Hospitals NHS Foundation Trust"))
	assert.Equal(t, "LEEDS TEACHING HOSPITALS NHS FT",
		p.Normalize("LEEDS TEACHING HOSPITALS NHS FT"))
}

func TestNormalize_GovernmentProfiles(t *testing.T) {
	local := ProfileFor(model.EntityTypeLocalGovernment)
	assert.Equal(t, "KIRKLEES MBC", local.Normalize("Kirklees Metropolitan Borough Council"))
	assert.Equal(t, "DEVON CC", local.Normalize("The Devon County Council"))

	national := ProfileFor(model.EntityTypeNationalGovernment)
	assert.Equal(t, "DEPT TRANSPORT", national.Normalize("Department for Transport"))
	assert.Equal(t, "MIN JUSTICE", national.Normalize("Ministry of Justice"))
}

func TestProfileFor_UnknownFallsBackToCompany(t *testing.T) {
	p := ProfileFor(model.EntityType("unknown"))
	assert.Equal(t, "ACME LTD", p.Normalize("Acme Limited"))
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name   string
		ok     bool
		reason string
	}{
		{"Acme Limited", true, ""},
		{"", false, "empty"},
		{"   ", false, "empty"},
		{"AB", false, "too_short"},
		{"12345", false, "numeric"},
		{"123 456", false, "numeric"},
		{"GB123456789", false, "id_like"},
		{"INV2024-00123", false, "id_like"},
		{"3M Company", true, ""},
	}
	for _, tt := range tests {
		reason, ok := ValidateName(tt.name)
		assert.Equal(t, tt.ok, ok, "name %q", tt.name)
		assert.Equal(t, tt.reason, reason, "name %q", tt.name)
	}
}
