package category

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadDefinitions reads the category definitions from a YAML file.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read categories file %s: %w", path, err)
	}

	var doc struct {
		Categories []Definition `yaml:"categories"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse categories file %s: %w", path, err)
	}

	if len(doc.Categories) == 0 {
		return nil, fmt.Errorf("categories file %s defines no categories", path)
	}
	seen := make(map[string]bool, len(doc.Categories))
	for i, d := range doc.Categories {
		if d.Name == "" {
			return nil, fmt.Errorf("category %d has no name", i)
		}
		if d.Description == "" {
			return nil, fmt.Errorf("category %q has no description", d.Name)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate category %q", d.Name)
		}
		seen[d.Name] = true
	}
	return doc.Categories, nil
}
