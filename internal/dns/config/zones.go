package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"

	"github.com/vcunat/knot-dns/internal/dns/domain"
)

// ZoneACLConfig lists peer addresses or prefixes per gated operation. A "!"
// prefix denies; entries evaluate in order, first match wins.
type ZoneACLConfig struct {
	XfrOut    []string `koanf:"xfr_out"`
	NotifyIn  []string `koanf:"notify_in"`
	NotifyOut []string `koanf:"notify_out"`
}

// ZoneConfig describes one zone entry of the zone set.
type ZoneConfig struct {
	// Name is the zone apex.
	Name string `koanf:"name"`
	// File is the path to the zone's data file.
	File string `koanf:"file"`
	// Master is the ip:port of the primary for secondary zones; empty for
	// primary zones.
	Master string        `koanf:"master"`
	ACL    ZoneACLConfig `koanf:"acl"`
}

// ZoneSet is the parsed zone-set configuration.
type ZoneSet struct {
	Zones []ZoneConfig `koanf:"zones"`
}

// IsSecondary reports whether the zone pulls its content from a master.
func (z ZoneConfig) IsSecondary() bool { return z.Master != "" }

// LoadZoneSet parses a zone-set file, choosing the parser by extension.
func LoadZoneSet(path string) (*ZoneSet, error) {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return nil, fmt.Errorf("unsupported zone set format: %s", path)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("failed to load zone set %s: %w", path, err)
	}
	var set ZoneSet
	if err := k.Unmarshal("", &set); err != nil {
		return nil, fmt.Errorf("failed to parse zone set %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(set.Zones))
	for i := range set.Zones {
		z := &set.Zones[i]
		if z.Name == "" {
			return nil, fmt.Errorf("zone set %s: zone %d has no name", path, i)
		}
		z.Name = domain.CanonicalName(z.Name)
		if _, dup := seen[z.Name]; dup {
			return nil, fmt.Errorf("zone set %s: duplicate zone %s", path, z.Name)
		}
		seen[z.Name] = struct{}{}
		if z.File == "" {
			return nil, fmt.Errorf("zone set %s: zone %s has no file", path, z.Name)
		}
	}
	return &set, nil
}
