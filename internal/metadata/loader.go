package metadata

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type entitiesFile struct {
	Entities []*Entity `yaml:"entities"`
}

// LoadFile reads entity descriptors from a YAML file.
//
// Dialect-dependent kinds are resolved here, once: a procedure descriptor that
// also carries fallback sql degrades to a query entity when the target dialect
// has no stored routines. Request handling never branches on the dialect for
// this again.
func LoadFile(path string, supportsProcedures bool) ([]*Entity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entities file: %w", err)
	}

	var file entitiesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse entities file: %w", err)
	}
	if len(file.Entities) == 0 {
		return nil, fmt.Errorf("entities file %s declares no entities", path)
	}

	for _, e := range file.Entities {
		if e.Kind == "" {
			e.Kind = KindTable
		}
		if e.Kind == KindProcedure && !supportsProcedures {
			if e.SQL == "" {
				return nil, fmt.Errorf("entity %q: dialect has no stored procedures and no fallback sql is declared", e.Name)
			}
			e.Kind = KindQuery
			e.ProcedureName = ""
		}
	}

	return file.Entities, nil
}
