package zone

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"evokernel/internal/patch"
)

// zonesFile is the on-disk whitelist shape:
//
//	targets:
//	  - file: target/src/reduce_sum.go
//	    function: ReduceSum
//	    purity: true
//	    max_cyclomatic: 6
//	    operators:
//	      - CONST_TUNE
//	      - EQ_REWRITE
//
// Decoding is strict: unknown keys fail the load, and nothing is
// silently defaulted.
type zonesFile struct {
	Targets []zoneEntry `yaml:"targets"`
}

type zoneEntry struct {
	File          string   `yaml:"file"`
	Function      string   `yaml:"function"`
	Purity        *bool    `yaml:"purity"`
	MaxCyclomatic *int     `yaml:"max_cyclomatic"`
	Operators     []string `yaml:"operators"`
}

// LoadRegistry parses the zones file at path and builds the whitelist
// registry from it.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open zones file: %w", err)
	}
	zones, err := parseZones(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return NewRegistry(zones)
}

func parseZones(raw []byte) ([]Zone, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var file zonesFile
	if err := dec.Decode(&file); err != nil {
		return nil, err
	}
	if len(file.Targets) == 0 {
		return nil, fmt.Errorf("no targets declared")
	}

	zones := make([]Zone, 0, len(file.Targets))
	for i, e := range file.Targets {
		z, err := e.build()
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
		zones = append(zones, z)
	}
	return zones, nil
}

func (e zoneEntry) build() (Zone, error) {
	if e.File == "" || e.Function == "" {
		return Zone{}, fmt.Errorf("file and function are required")
	}
	if e.Purity == nil {
		return Zone{}, fmt.Errorf("zone %s:%s: purity is required", e.File, e.Function)
	}
	if e.MaxCyclomatic == nil {
		return Zone{}, fmt.Errorf("zone %s:%s: max_cyclomatic is required", e.File, e.Function)
	}
	if len(e.Operators) == 0 {
		return Zone{}, fmt.Errorf("zone %s:%s: operators list is required and non-empty", e.File, e.Function)
	}

	z := Zone{
		File:          e.File,
		Function:      e.Function,
		Purity:        *e.Purity,
		MaxCyclomatic: *e.MaxCyclomatic,
		Operators:     make(map[string]struct{}, len(e.Operators)),
	}
	for _, name := range e.Operators {
		if !patch.IsKnownOperator(name) {
			return Zone{}, fmt.Errorf("zone %s:%s: unknown operator %q", e.File, e.Function, name)
		}
		z.Operators[name] = struct{}{}
	}
	return z, nil
}
