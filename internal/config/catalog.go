package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BayEntry provisions one bay: its display name, the device that watches it
// and the slot id that device reports.
type BayEntry struct {
	Name      string `yaml:"name"`
	ThingName string `yaml:"thing_name"`
	SlotID    string `yaml:"slot_id"`
}

type Catalog struct {
	Bays []BayEntry `yaml:"bays"`
}

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.LoadCatalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config.ParseCatalog: %w", err)
	}
	if len(c.Bays) == 0 {
		return nil, fmt.Errorf("config.ParseCatalog: no bays defined")
	}
	seen := map[string]bool{}
	for i, b := range c.Bays {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			return nil, fmt.Errorf("config.ParseCatalog: bay %d has no name", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("config.ParseCatalog: duplicate bay %q", name)
		}
		seen[name] = true
		c.Bays[i].Name = name
	}
	return &c, nil
}
