package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "."},
		{".", "."},
		{"example.com", "example.com."},
		{"Example.COM.", "example.com."},
		{"  example.com ", "example.com."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanonicalName(tt.in), "input %q", tt.in)
	}
}

func TestParentName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{".", "."},
		{"com.", "."},
		{"example.com.", "com."},
		{"www.example.com.", "example.com."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParentName(tt.in), "input %q", tt.in)
	}
}

// Fixture RDATA: ns. mail. with the usual root-zone-style timers.
var soaRData = []byte{
	0x02, 'n', 's', 0x00,
	0x04, 'm', 'a', 'i', 'l', 0x00,
	0x77, 0xdf, 0x1e, 0x63, // serial
	0x00, 0x01, 0x51, 0x80, // refresh
	0x00, 0x00, 0x1c, 0x20, // retry
	0x00, 0x0a, 0x8c, 0x00, // expire
	0x00, 0x00, 0x0e, 0x10, // minimum
}

func TestParseSOAData(t *testing.T) {
	soa, err := ParseSOAData(soaRData)
	require.NoError(t, err)
	assert.Equal(t, "ns.", soa.MName)
	assert.Equal(t, "mail.", soa.RName)
	assert.Equal(t, uint32(0x77df1e63), soa.Serial)
	assert.Equal(t, uint32(86400), soa.Refresh)
	assert.Equal(t, uint32(7200), soa.Retry)
	assert.Equal(t, uint32(691200), soa.Expire)
	assert.Equal(t, uint32(3600), soa.Minimum)
}

func TestParseSOAData_Truncated(t *testing.T) {
	_, err := ParseSOAData(soaRData[:len(soaRData)-4])
	assert.Error(t, err)
}

func TestParseSOAData_RejectsCompression(t *testing.T) {
	bad := append([]byte{0xC0, 0x0C}, soaRData...)
	_, err := ParseSOAData(bad)
	assert.Error(t, err)
}

func TestHasSOAInAuthority(t *testing.T) {
	msg := &Message{}
	assert.False(t, msg.HasSOAInAuthority())

	msg.Authority = append(msg.Authority, ResourceRecord{Type: TypeNS})
	assert.False(t, msg.HasSOAInAuthority())

	msg.Authority = append(msg.Authority, ResourceRecord{Type: TypeSOA})
	assert.True(t, msg.HasSOAInAuthority())
}

func TestQuestionKeyMatchesRecordKey(t *testing.T) {
	q := Question{Name: "WWW.Example.com", Type: TypeA, Class: ClassIN}
	rr := ResourceRecord{Name: "www.example.com.", Type: TypeA, Class: ClassIN}
	assert.Equal(t, q.Key(), rr.Key())
}

func TestQuestion_Empty(t *testing.T) {
	msg := &Message{}
	assert.Equal(t, Question{}, msg.Question())
}
