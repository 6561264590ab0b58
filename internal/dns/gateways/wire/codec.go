// Package wire encodes and decodes full DNS messages, including the EDNS OPT
// pseudo-record, per RFC 1035 and RFC 6891.
package wire

import (
	"github.com/vcunat/knot-dns/internal/dns/domain"
)

// Codec converts between wire bytes and domain messages. Implementations must
// be safe for concurrent use.
type Codec interface {
	// Decode parses a complete DNS message. Decode errors are protocol-level:
	// callers turn them into FORMERR responses rather than faults.
	Decode(data []byte) (*domain.Message, error)

	// Encode serializes msg into the caller-supplied buffer and returns the
	// number of bytes written.
	Encode(msg *domain.Message, buf []byte) (int, error)
}
