package piece

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a piece definition from a YAML file.
func Load(path string) (*Piece, error) {
	return LoadWithDefaults(path, TeamLeaderConfig{})
}

// LoadWithDefaults loads a piece and fills zero-valued team-leader settings
// from defaults before validation, so pieces only need to set what they
// override.
func LoadWithDefaults(path string, defaults TeamLeaderConfig) (*Piece, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read piece file: %w", err)
	}

	var p Piece
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("load piece %s: %w", path, err)
	}
	applyTeamLeaderDefaults(&p, defaults)
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("load piece %s: %w", path, err)
	}
	return &p, nil
}

func applyTeamLeaderDefaults(p *Piece, defaults TeamLeaderConfig) {
	for i := range p.Movements {
		tl := p.Movements[i].TeamLeader
		if tl == nil {
			continue
		}
		if tl.MaxConcurrency == 0 {
			tl.MaxConcurrency = defaults.MaxConcurrency
		}
		if tl.RefillThreshold == 0 {
			tl.RefillThreshold = defaults.RefillThreshold
		}
		if tl.MaxTotalParts == 0 {
			tl.MaxTotalParts = defaults.MaxTotalParts
		}
	}
}

// Parse parses and validates a piece definition from YAML bytes.
func Parse(data []byte) (*Piece, error) {
	var p Piece
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse piece yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
