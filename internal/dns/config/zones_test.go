package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZoneSet(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadZoneSet(t *testing.T) {
	path := writeZoneSet(t, "zones.yaml", `
zones:
  - name: example.com
    file: /zones/example.com.yaml
    acl:
      xfr_out:
        - 192.0.2.0/24
      notify_in:
        - 198.51.100.1
  - name: backup.example.org
    file: /zones/backup.example.org.yaml
    master: 203.0.113.1:53
`)
	set, err := LoadZoneSet(path)
	require.NoError(t, err)
	require.Len(t, set.Zones, 2)

	primary := set.Zones[0]
	assert.Equal(t, "example.com.", primary.Name, "names come back canonical")
	assert.False(t, primary.IsSecondary())
	assert.Equal(t, []string{"192.0.2.0/24"}, primary.ACL.XfrOut)
	assert.Equal(t, []string{"198.51.100.1"}, primary.ACL.NotifyIn)

	secondary := set.Zones[1]
	assert.True(t, secondary.IsSecondary())
	assert.Equal(t, "203.0.113.1:53", secondary.Master)
}

func TestLoadZoneSet_DuplicateZone(t *testing.T) {
	path := writeZoneSet(t, "zones.yaml", `
zones:
  - name: example.com
    file: /a.yaml
  - name: Example.COM.
    file: /b.yaml
`)
	_, err := LoadZoneSet(path)
	assert.Error(t, err, "duplicates after canonicalization are rejected")
}

func TestLoadZoneSet_MissingFields(t *testing.T) {
	path := writeZoneSet(t, "zones.yaml", "zones:\n  - name: example.com\n")
	_, err := LoadZoneSet(path)
	assert.Error(t, err)

	path = writeZoneSet(t, "zones2.yaml", "zones:\n  - file: /a.yaml\n")
	_, err = LoadZoneSet(path)
	assert.Error(t, err)
}

func TestLoadZoneSet_UnsupportedFormat(t *testing.T) {
	path := writeZoneSet(t, "zones.conf", "whatever")
	_, err := LoadZoneSet(path)
	assert.Error(t, err)
}

func TestLoadZoneSet_JSON(t *testing.T) {
	path := writeZoneSet(t, "zones.json", `{"zones":[{"name":"example.net","file":"/z.yaml"}]}`)
	set, err := LoadZoneSet(path)
	require.NoError(t, err)
	require.Len(t, set.Zones, 1)
	assert.Equal(t, "example.net.", set.Zones[0].Name)
}
