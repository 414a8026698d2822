package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rollbook/internal/ir"
)

// Scenario defines one reconciliation case.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Snapshot is the authoritative server content, table name to rows.
	Snapshot map[string][]map[string]any `yaml:"snapshot,omitempty"`

	// Ops are the pending operations in queue order.
	Ops []OpStep `yaml:"ops"`

	// Assertions validate the merged view.
	Assertions []Assertion `yaml:"assertions"`
}

// OpStep is one pending operation.
type OpStep struct {
	// OpID defaults to op-0001, op-0002, ... in list order.
	OpID    string         `yaml:"op_id,omitempty"`
	Table   string         `yaml:"table"`
	Action  string         `yaml:"action"`
	Payload map[string]any `yaml:"payload"`
}

// Assertion validates the merged view.
type Assertion struct {
	// Type is one of row, absent, count or anomaly.
	Type string `yaml:"type"`

	// Table is used by row, absent and count.
	Table string `yaml:"table,omitempty"`

	// ID is the row id (row, absent). Numbers and strings compare equal
	// when their canonical forms match.
	ID any `yaml:"id,omitempty"`

	// Expect holds field values the row must have (row). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of rows (count) or anomalies of Kind
	// (anomaly, when Op is empty).
	Count *int `yaml:"count,omitempty"`

	// Kind is the anomaly kind (anomaly).
	Kind string `yaml:"kind,omitempty"`

	// Op restricts an anomaly assertion to one operation id.
	Op string `yaml:"op,omitempty"`
}

// Assertion type constants.
const (
	AssertRow     = "row"
	AssertAbsent  = "absent"
	AssertCount   = "count"
	AssertAnomaly = "anomaly"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml and *.yml file in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenario files in %s", dir)
	}
	slices.Sort(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if prev, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", filepath.Base(path), s.Name, prev)
		}
		seen[s.Name] = filepath.Base(path)
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}

	for i, op := range s.Ops {
		if op.Table == "" {
			return fmt.Errorf("ops[%d]: table is required", i)
		}
		if _, err := ir.ParseAction(op.Action); err != nil {
			return fmt.Errorf("ops[%d]: %w", i, err)
		}
		if _, ok := op.Payload[ir.IDField]; !ok {
			return fmt.Errorf("ops[%d]: payload needs an %q field", i, ir.IDField)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertRow:
		if a.Table == "" || a.ID == nil {
			return errors.New("row requires table and id")
		}
	case AssertAbsent:
		if a.Table == "" || a.ID == nil {
			return errors.New("absent requires table and id")
		}
	case AssertCount:
		if a.Table == "" || a.Count == nil {
			return errors.New("count requires table and count")
		}
	case AssertAnomaly:
		if a.Kind == "" {
			return errors.New("anomaly requires kind")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown type %q", a.Type)
	}
	return nil
}
