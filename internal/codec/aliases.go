package codec

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// aliasFile is the on-disk form of the legacy event class map:
//
//	event_class_map:
//	  money_added: FundsDeposited
type aliasFile struct {
	EventClassMap map[string]string `yaml:"event_class_map"`
}

// LoadAliases reads an event class map and registers each entry as an alias
func (r *Registry) LoadAliases(src io.Reader) (int, error) {
	var file aliasFile
	if err := yaml.NewDecoder(src).Decode(&file); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("parse event class map: %w", err)
	}

	legacy := make([]string, 0, len(file.EventClassMap))
	for alias := range file.EventClassMap {
		legacy = append(legacy, alias)
	}
	sort.Strings(legacy)

	for _, alias := range legacy {
		if err := r.AddAlias(alias, file.EventClassMap[alias]); err != nil {
			return 0, err
		}
	}
	return len(legacy), nil
}

// LoadAliasesFile is LoadAliases for a path
func (r *Registry) LoadAliasesFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open event class map: %w", err)
	}
	defer f.Close()
	return r.LoadAliases(f)
}
