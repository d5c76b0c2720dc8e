// Package pipeline runs analytical playbooks: ordered stages over a
// case, checkpointed after every success so a run resumes where it
// stopped.
package pipeline

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/veriscope-labs/veriscope/pkg/faults"
)

// EngineVersion gates playbook compatibility.
const EngineVersion = "1.2.0"

// StageSpec is one step of a playbook.
type StageSpec struct {
	Name   string         `yaml:"name" json:"name"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// ShouldSkip reports whether the spec opts itself out of this run.
func (s StageSpec) ShouldSkip() bool {
	skip, _ := s.Config["skip"].(bool)
	return skip
}

// Playbook is an ordered stage list with a minimum engine version.
type Playbook struct {
	Name             string      `yaml:"name" json:"name"`
	MinEngineVersion string      `yaml:"min_engine_version,omitempty" json:"min_engine_version,omitempty"`
	Stages           []StageSpec `yaml:"stages" json:"stages"`
}

// Validate checks structure and engine compatibility.
func (p *Playbook) Validate(engineVersion string) error {
	if p.Name == "" {
		return faults.New(faults.CodeValidation, "pipeline: playbook name required")
	}
	if len(p.Stages) == 0 {
		return faults.New(faults.CodeValidation, "pipeline: playbook has no stages")
	}
	for i, st := range p.Stages {
		if st.Name == "" {
			return faults.Newf(faults.CodeValidation, "pipeline: stage %d has no name", i)
		}
	}
	if p.MinEngineVersion == "" {
		return nil
	}
	min, err := semver.NewVersion(p.MinEngineVersion)
	if err != nil {
		return faults.Newf(faults.CodeValidation, "pipeline: bad min_engine_version %q: %v", p.MinEngineVersion, err)
	}
	cur, err := semver.NewVersion(engineVersion)
	if err != nil {
		return fmt.Errorf("pipeline: bad engine version %q: %w", engineVersion, err)
	}
	if cur.LessThan(min) {
		return faults.Newf(faults.CodeValidation,
			"pipeline: playbook %s needs engine >= %s, running %s", p.Name, p.MinEngineVersion, engineVersion)
	}
	return nil
}

// LoadPlaybook parses a YAML playbook definition.
func LoadPlaybook(raw []byte) (*Playbook, error) {
	var p Playbook
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, faults.Wrap(faults.CodeValidation, "pipeline: parsing playbook", err)
	}
	if err := p.Validate(EngineVersion); err != nil {
		return nil, err
	}
	return &p, nil
}

// Built-in playbook names.
const (
	PlaybookFullAnalysis     = "full_analysis"
	PlaybookMultiPerspective = "multi_perspective"
	PlaybookOSINTFirst       = "osint_first"
)

// Builtin returns a copy of a named built-in playbook.
func Builtin(name string) (*Playbook, bool) {
	pb, ok := builtins[name]
	if !ok {
		return nil, false
	}
	cp := pb
	cp.Stages = append([]StageSpec(nil), pb.Stages...)
	return &cp, true
}

// BuiltinNames lists the built-in playbooks in a stable order.
func BuiltinNames() []string {
	return []string{PlaybookFullAnalysis, PlaybookMultiPerspective, PlaybookOSINTFirst}
}

var builtins = map[string]Playbook{
	PlaybookFullAnalysis: {
		Name:             PlaybookFullAnalysis,
		MinEngineVersion: "1.0.0",
		Stages: []StageSpec{
			{Name: StageHypothesisGenerate},
			{Name: StageHypothesisAnalyze},
			{Name: StageAssertionFuse},
			{Name: StageAdversarialEvaluate},
			{Name: StageNarrativeBuild},
			{Name: StageKGBuild},
			{Name: StageForecastGenerate},
			{Name: StageQualityScore},
			{Name: StageReportGenerate},
		},
	},
	PlaybookMultiPerspective: {
		Name:             PlaybookMultiPerspective,
		MinEngineVersion: "1.0.0",
		Stages: []StageSpec{
			{Name: StageHypothesisMultiPerspective},
			{Name: StageHypothesisAnalyze},
			{Name: StageAssertionFuse},
			{Name: StageAdversarialEvaluate},
			{Name: StageQualityScore},
			{Name: StageReportGenerate},
		},
	},
	PlaybookOSINTFirst: {
		Name:             PlaybookOSINTFirst,
		MinEngineVersion: "1.1.0",
		Stages: []StageSpec{
			{Name: StageOSINTCollect},
			{Name: StageHypothesisGenerate},
			{Name: StageHypothesisAnalyze},
			{Name: StageAssertionFuse},
			{Name: StageNarrativeBuild},
			{Name: StageQualityScore},
			{Name: StageReportGenerate},
		},
	},
}
