// Package zonefile loads zone data files (YAML, JSON or TOML) into records
// ready for the zone database. The file format mirrors its structure: a
// zone_root, an soa block governing transfer timers, and per-name record
// groups.
package zonefile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"

	"github.com/vcunat/knot-dns/internal/dns/domain"
)

// Data is the parsed content of one zone file.
type Data struct {
	Apex    string
	SOA     domain.SOA
	Records []domain.ResourceRecord
	// Version is the source file's modification time; the reloader compares
	// it to decide whether a re-parse is needed.
	Version time.Time
}

// Loader parses zone files from disk.
type Loader struct{}

func NewLoader() *Loader { return &Loader{} }

// NeedsUpdate reports whether the file at path is newer than the remembered
// version. Missing files report true so the load path surfaces the error.
func (l *Loader) NeedsUpdate(path string, version time.Time) bool {
	st, err := os.Stat(path)
	if err != nil {
		return true
	}
	return st.ModTime().After(version)
}

// Load parses one zone file.
func (l *Loader) Load(path string) (*Data, error) {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return nil, fmt.Errorf("unsupported zone file format: %s", path)
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat zone file %s: %w", path, err)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("failed to load zone file %s: %w", path, err)
	}

	root := k.String("zone_root")
	if root == "" {
		return nil, fmt.Errorf("zone file %s missing 'zone_root'", path)
	}
	root = domain.CanonicalName(root)

	soa, err := parseSOA(k)
	if err != nil {
		return nil, fmt.Errorf("zone file %s: %w", path, err)
	}

	defaultTTL := uint32(k.Int("ttl"))
	if defaultTTL == 0 {
		defaultTTL = soa.Minimum
	}
	if defaultTTL == 0 {
		defaultTTL = 3600
	}

	data := &Data{
		Apex:    root,
		SOA:     soa,
		Version: st.ModTime(),
	}

	// Apex SOA record first; AXFR emission depends on it leading the set.
	soaData, err := encodeSOAData(soa)
	if err != nil {
		return nil, fmt.Errorf("zone file %s: %w", path, err)
	}
	data.Records = append(data.Records, domain.ResourceRecord{
		Name:  root,
		Type:  domain.TypeSOA,
		Class: domain.ClassIN,
		TTL:   defaultTTL,
		Data:  soaData,
	})

	rawRecords, ok := k.Get("records").(map[string]any)
	if !ok && k.Exists("records") {
		return nil, fmt.Errorf("zone file %s: 'records' is not a map", path)
	}
	for name, group := range rawRecords {
		groupMap, ok := group.(map[string]any)
		if !ok {
			continue
		}
		fqdn := domain.CanonicalName(expandName(name, root))
		for typeName, raw := range groupMap {
			values := toStringValues(raw)
			if len(values) == 0 {
				continue
			}
			recs, err := buildRecords(fqdn, typeName, values, defaultTTL)
			if err != nil {
				return nil, fmt.Errorf("invalid record in %s: %w", path, err)
			}
			data.Records = append(data.Records, recs...)
		}
	}
	return data, nil
}

func parseSOA(k *koanf.Koanf) (domain.SOA, error) {
	if !k.Exists("soa") {
		return domain.SOA{}, fmt.Errorf("missing 'soa' block")
	}
	soa := domain.SOA{
		MName:   domain.CanonicalName(k.String("soa.mname")),
		RName:   domain.CanonicalName(k.String("soa.rname")),
		Serial:  uint32(k.Int64("soa.serial")),
		Refresh: uint32(k.Int64("soa.refresh")),
		Retry:   uint32(k.Int64("soa.retry")),
		Expire:  uint32(k.Int64("soa.expire")),
		Minimum: uint32(k.Int64("soa.minimum")),
	}
	if soa.MName == "." || soa.RName == "." {
		return domain.SOA{}, fmt.Errorf("soa block needs mname and rname")
	}
	return soa, nil
}

// expandName resolves '@' to the apex and appends the apex to relative names.
func expandName(label, root string) string {
	if label == "@" {
		return root
	}
	if strings.HasSuffix(label, ".") {
		return label
	}
	if root == "." {
		return label + "."
	}
	return label + "." + root
}

// toStringValues flattens a koanf value (string or list of strings) into
// non-empty strings, skipping anything else.
func toStringValues(val any) []string {
	switch v := val.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil
		}
		return []string{s}
	case []any:
		out := make([]string, 0, len(v))
		for _, elem := range v {
			s, ok := elem.(string)
			if !ok {
				continue
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func buildRecords(fqdn, typeName string, values []string, ttl uint32) ([]domain.ResourceRecord, error) {
	rType := domain.RRTypeFromString(typeName)
	if rType == 0 {
		return nil, fmt.Errorf("unknown record type %q", typeName)
	}
	if rType == domain.TypeSOA {
		return nil, fmt.Errorf("SOA belongs in the 'soa' block, not under records")
	}
	var records []domain.ResourceRecord
	for _, s := range values {
		rdata, err := encodeRData(rType, s)
		if err != nil {
			return nil, err
		}
		records = append(records, domain.ResourceRecord{
			Name:  fqdn,
			Type:  rType,
			Class: domain.ClassIN,
			TTL:   ttl,
			Data:  rdata,
		})
	}
	return records, nil
}
