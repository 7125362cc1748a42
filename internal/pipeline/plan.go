package pipeline

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// planFile is the on-disk shape of a stage plan override.
type planFile struct {
	Stages []string `yaml:"stages"`
}

// LoadPlan reads a stage plan from a YAML file. The plan must be an ordered
// subset of the default stages; validation errors name the offending stage.
func LoadPlan(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read stage plan %s", path)
	}
	var pf planFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse stage plan %s", path)
	}
	if err := validatePlan(pf.Stages); err != nil {
		return nil, err
	}
	return pf.Stages, nil
}
