package zonefile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/vcunat/knot-dns/internal/dns/domain"
)

// encodeRData converts a record's text form into wire RDATA for the types the
// loader accepts.
func encodeRData(t domain.RRType, s string) ([]byte, error) {
	switch t {
	case domain.TypeA:
		a, err := netip.ParseAddr(s)
		if err != nil || !a.Is4() {
			return nil, fmt.Errorf("invalid A address %q", s)
		}
		b := a.As4()
		return b[:], nil
	case domain.TypeAAAA:
		a, err := netip.ParseAddr(s)
		if err != nil || !a.Is6() || a.Is4In6() {
			return nil, fmt.Errorf("invalid AAAA address %q", s)
		}
		b := a.As16()
		return b[:], nil
	case domain.TypeNS, domain.TypeCNAME, domain.TypePTR:
		return encodeNameData(s)
	case domain.TypeMX:
		return encodeMXData(s)
	case domain.TypeTXT:
		return encodeTXTData(s)
	case domain.TypeSRV:
		return encodeSRVData(s)
	default:
		return nil, fmt.Errorf("unsupported record type %s", t)
	}
}

func encodeNameData(s string) ([]byte, error) {
	var buf bytes.Buffer
	name := strings.TrimSuffix(domain.CanonicalName(s), ".")
	if name != "" {
		for _, label := range strings.Split(name, ".") {
			if len(label) == 0 || len(label) > 63 {
				return nil, fmt.Errorf("invalid label in %q", s)
			}
			buf.WriteByte(byte(len(label)))
			buf.WriteString(label)
		}
	}
	buf.WriteByte(0)
	return buf.Bytes(), nil
}

// encodeMXData parses "preference host".
func encodeMXData(s string) ([]byte, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return nil, fmt.Errorf("MX needs 'preference host', got %q", s)
	}
	pref, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid MX preference %q", fields[0])
	}
	name, err := encodeNameData(fields[1])
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint16(pref))
	buf.Write(name)
	return buf.Bytes(), nil
}

// encodeTXTData splits the text into 255-byte character strings.
func encodeTXTData(s string) ([]byte, error) {
	var buf bytes.Buffer
	data := []byte(s)
	for len(data) > 0 {
		n := len(data)
		if n > 255 {
			n = 255
		}
		buf.WriteByte(byte(n))
		buf.Write(data[:n])
		data = data[n:]
	}
	if buf.Len() == 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

// encodeSRVData parses "priority weight port target".
func encodeSRVData(s string) ([]byte, error) {
	fields := strings.Fields(s)
	if len(fields) != 4 {
		return nil, fmt.Errorf("SRV needs 'priority weight port target', got %q", s)
	}
	var nums [3]uint16
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseUint(fields[i], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid SRV field %q", fields[i])
		}
		nums[i] = uint16(v)
	}
	name, err := encodeNameData(fields[3])
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, v := range nums {
		_ = binary.Write(&buf, binary.BigEndian, v)
	}
	buf.Write(name)
	return buf.Bytes(), nil
}

// encodeSOAData builds uncompressed SOA RDATA, the same representation the
// codec stores for decoded messages.
func encodeSOAData(soa domain.SOA) ([]byte, error) {
	var buf bytes.Buffer
	for _, n := range []string{soa.MName, soa.RName} {
		enc, err := encodeNameData(n)
		if err != nil {
			return nil, err
		}
		buf.Write(enc)
	}
	for _, v := range []uint32{soa.Serial, soa.Refresh, soa.Retry, soa.Expire, soa.Minimum} {
		_ = binary.Write(&buf, binary.BigEndian, v)
	}
	return buf.Bytes(), nil
}
