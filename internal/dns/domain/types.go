// Package domain holds the wire-facing DNS value types shared by the codec,
// the zone database and the query processor. Everything here is a plain value;
// mutation after construction is never visible to another component.
package domain

import "strings"

// RRType is a DNS resource record type code.
type RRType uint16

// RRClass is a DNS class code.
type RRClass uint16

// RCode is a DNS response code.
type RCode uint8

// Opcode is a DNS message opcode.
type Opcode uint8

const (
	TypeA     RRType = 1
	TypeNS    RRType = 2
	TypeCNAME RRType = 5
	TypeSOA   RRType = 6
	TypePTR   RRType = 12
	TypeMX    RRType = 15
	TypeTXT   RRType = 16
	TypeAAAA  RRType = 28
	TypeSRV   RRType = 33
	TypeOPT   RRType = 41
	TypeIXFR  RRType = 251
	TypeAXFR  RRType = 252
	TypeANY   RRType = 255
)

const (
	ClassIN  RRClass = 1
	ClassCH  RRClass = 3
	ClassANY RRClass = 255
)

const (
	RCodeNoError  RCode = 0
	RCodeFormErr  RCode = 1
	RCodeServFail RCode = 2
	RCodeNXDomain RCode = 3
	RCodeNotImp   RCode = 4
	RCodeRefused  RCode = 5
	RCodeNotAuth  RCode = 9
)

const (
	OpcodeQuery  Opcode = 0
	OpcodeNotify Opcode = 4
	OpcodeUpdate Opcode = 5
)

// lookupEntry pairs a code with its presentation name.
type lookupEntry struct {
	id   uint16
	name string
}

var rrTypeNames = []lookupEntry{
	{1, "A"}, {2, "NS"}, {5, "CNAME"}, {6, "SOA"}, {12, "PTR"},
	{15, "MX"}, {16, "TXT"}, {28, "AAAA"}, {33, "SRV"}, {41, "OPT"},
	{251, "IXFR"}, {252, "AXFR"}, {255, "ANY"},
}

var rrClassNames = []lookupEntry{
	{1, "IN"}, {3, "CH"}, {255, "ANY"},
}

func lookupByID(table []lookupEntry, id uint16) string {
	for _, e := range table {
		if e.id == id {
			return e.name
		}
	}
	return ""
}

func lookupByName(table []lookupEntry, name string) uint16 {
	for _, e := range table {
		if strings.EqualFold(e.name, name) {
			return e.id
		}
	}
	return 0
}

func (t RRType) String() string {
	if s := lookupByID(rrTypeNames, uint16(t)); s != "" {
		return s
	}
	return "TYPE" + itoa(uint16(t))
}

func (c RRClass) String() string {
	if s := lookupByID(rrClassNames, uint16(c)); s != "" {
		return s
	}
	return "CLASS" + itoa(uint16(c))
}

// RRTypeFromString converts a presentation-form type name to its code,
// returning 0 for unknown names.
func RRTypeFromString(s string) RRType {
	return RRType(lookupByName(rrTypeNames, s))
}

// RRClassFromString converts a presentation-form class name to its code,
// returning 0 for unknown names.
func RRClassFromString(s string) RRClass {
	return RRClass(lookupByName(rrClassNames, s))
}

// itoa avoids pulling strconv into every String call site.
func itoa(v uint16) string {
	if v == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// IsTransfer reports whether the question type requests a zone transfer.
func (t RRType) IsTransfer() bool {
	return t == TypeAXFR || t == TypeIXFR
}
