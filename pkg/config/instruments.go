package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Instrument describes one tradable index and its option contract parameters.
type Instrument struct {
	Name       string  `yaml:"name"`        // e.g. NIFTY
	Token      string  `yaml:"token"`       // streaming feed token for the index
	Exchange   string  `yaml:"exchange"`    // option exchange, e.g. NFO
	LotSize    int     `yaml:"lot_size"`    // contracts per lot
	StrikeStep float64 `yaml:"strike_step"` // strike rounding interval
	Expiry     string  `yaml:"expiry"`      // contract expiry code, e.g. 25SEP
	Enabled    bool    `yaml:"enabled"`
}

type instrumentsFile struct {
	Instruments []Instrument `yaml:"instruments"`
}

// LoadInstruments reads the instrument universe from a YAML file.
// Disabled entries are dropped.
func LoadInstruments(path string) ([]Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file instrumentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse instruments config: %w", err)
	}

	out := make([]Instrument, 0, len(file.Instruments))
	for _, in := range file.Instruments {
		if !in.Enabled {
			continue
		}
		if in.Name == "" || in.Token == "" {
			return nil, fmt.Errorf("instrument entry missing name or token: %+v", in)
		}
		if in.LotSize <= 0 {
			return nil, fmt.Errorf("instrument %s: lot_size must be positive", in.Name)
		}
		out = append(out, in)
	}
	return out, nil
}
