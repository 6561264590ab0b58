package domain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Question is the question section entry of a DNS message.
type Question struct {
	Name  string
	Type  RRType
	Class RRClass
}

// ResourceRecord is one DNS resource record with its RDATA in wire form.
// The codec stores SOA RDATA uncompressed so it can be re-parsed standalone.
type ResourceRecord struct {
	Name  string
	Type  RRType
	Class RRClass
	TTL   uint32
	Data  []byte
}

// Message is a decoded DNS message. Header flags that the core never acts on
// (AD, CD) are not modelled.
type Message struct {
	ID                 uint16
	Opcode             Opcode
	Response           bool
	Authoritative      bool
	Truncated          bool
	RecursionDesired   bool
	RecursionAvailable bool
	RCode              RCode
	Questions          []Question
	Answers            []ResourceRecord
	Authority          []ResourceRecord
	Additional         []ResourceRecord
	// OPT is the EDNS pseudo-record from the additional section, nil when
	// the message carries none.
	OPT *EDNS
}

// Question returns the first question, or a zero value if there is none.
func (m *Message) Question() Question {
	if len(m.Questions) == 0 {
		return Question{}
	}
	return m.Questions[0]
}

// HasSOAInAuthority reports whether the authority section carries a SOA
// record, which an IXFR request must supply.
func (m *Message) HasSOAInAuthority() bool {
	for _, rr := range m.Authority {
		if rr.Type == TypeSOA {
			return true
		}
	}
	return false
}

// SOA is the parsed RDATA of a start-of-authority record. Timer fields are
// seconds, exactly as carried on the wire; conversion to the scheduler's time
// base happens at the point of scheduling.
type SOA struct {
	MName   string
	RName   string
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32
}

var errSOATruncated = errors.New("soa rdata truncated")

// ParseSOAData parses uncompressed SOA RDATA.
func ParseSOAData(data []byte) (SOA, error) {
	mname, off, err := readUncompressedName(data, 0)
	if err != nil {
		return SOA{}, err
	}
	rname, off, err := readUncompressedName(data, off)
	if err != nil {
		return SOA{}, err
	}
	if off+20 > len(data) {
		return SOA{}, errSOATruncated
	}
	return SOA{
		MName:   mname,
		RName:   rname,
		Serial:  binary.BigEndian.Uint32(data[off:]),
		Refresh: binary.BigEndian.Uint32(data[off+4:]),
		Retry:   binary.BigEndian.Uint32(data[off+8:]),
		Expire:  binary.BigEndian.Uint32(data[off+12:]),
		Minimum: binary.BigEndian.Uint32(data[off+16:]),
	}, nil
}

// readUncompressedName reads a plain label sequence; pointers are rejected
// because RDATA stored in the core is always decompressed by the codec first.
func readUncompressedName(data []byte, off int) (string, int, error) {
	var labels []string
	for {
		if off >= len(data) {
			return "", 0, errSOATruncated
		}
		l := int(data[off])
		if l == 0 {
			off++
			break
		}
		if l&0xC0 != 0 {
			return "", 0, errors.New("compressed name in stored rdata")
		}
		off++
		if off+l > len(data) {
			return "", 0, errSOATruncated
		}
		labels = append(labels, string(data[off:off+l]))
		off += l
	}
	return CanonicalName(strings.Join(labels, ".")), off, nil
}

// EDNSOption is one option inside an OPT record.
type EDNSOption struct {
	Code uint16
	Data []byte
}

// EDNS option codes and limits the server understands.
const (
	EDNSOptionNSID    uint16 = 3
	EDNSVersion       uint8  = 0
	EDNSMinPayload    uint16 = 512
	EDNSMaxUDPPayload uint16 = 4096
)

// EDNS is the decoded content of an OPT pseudo-record.
type EDNS struct {
	PayloadSize uint16
	ExtRCode    uint8
	Version     uint8
	DO          bool
	Options     []EDNSOption
}

// HasOption reports whether an option with the given code is present.
func (e *EDNS) HasOption(code uint16) bool {
	for _, o := range e.Options {
		if o.Code == code {
			return true
		}
	}
	return false
}

// CanonicalName lowercases a domain name, trims whitespace and guarantees a
// trailing dot; the root name is ".".
func CanonicalName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "." {
		return "."
	}
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return name
}

// RecordKey builds the zone-content map key for a name/type/class triple.
func RecordKey(name string, t RRType, c RRClass) string {
	return fmt.Sprintf("%s:%d:%d", CanonicalName(name), t, c)
}

// Key returns the record map key for the question.
func (q Question) Key() string {
	return RecordKey(q.Name, q.Type, q.Class)
}

// Key returns the record map key for the record.
func (rr ResourceRecord) Key() string {
	return RecordKey(rr.Name, rr.Type, rr.Class)
}

// ParentName strips the leftmost label; the root name returns itself.
func ParentName(name string) string {
	name = CanonicalName(name)
	if name == "." {
		return "."
	}
	i := strings.IndexByte(name, '.')
	if i < 0 || i+1 >= len(name) {
		return "."
	}
	return name[i+1:]
}
