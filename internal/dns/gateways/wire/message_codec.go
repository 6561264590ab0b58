package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/vcunat/knot-dns/internal/dns/common/log"
	"github.com/vcunat/knot-dns/internal/dns/domain"
)

// HeaderSize is the fixed DNS header length.
const HeaderSize = 12

// MaxPacketSize is the largest message the codec will produce.
const MaxPacketSize = 65535

// Decode errors. All of them map to FORMERR at the protocol level.
var (
	ErrTruncatedHeader = errors.New("message shorter than header")
	ErrTruncatedBody   = errors.New("message body truncated")
	ErrBadName         = errors.New("malformed domain name")
	ErrBadOpt          = errors.New("malformed OPT record")
	ErrBufferTooSmall  = errors.New("output buffer too small")
)

// messageCodec implements Codec.
type messageCodec struct {
	logger log.Logger
}

// NewCodec returns the standard message codec. A nil logger disables the
// decode-failure diagnostics.
func NewCodec(logger log.Logger) Codec {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &messageCodec{logger: logger}
}

// header flag masks.
const (
	flagQR     = 1 << 15
	flagAA     = 1 << 10
	flagTC     = 1 << 9
	flagRD     = 1 << 8
	flagRA     = 1 << 7
	opcodeMask = 0xF << 11
	rcodeMask  = 0xF
)

// MessageID extracts the id of a wire message, valid as long as the first two
// bytes are present. Used to answer even messages whose body fails to decode.
func MessageID(data []byte) (uint16, bool) {
	if len(data) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(data[0:2]), true
}

func (c *messageCodec) Decode(data []byte) (*domain.Message, error) {
	msg, err := c.decode(data)
	if err != nil {
		c.logger.Debug(map[string]any{
			"size":  len(data),
			"error": err.Error(),
		}, "failed to decode message")
		return nil, err
	}
	return msg, nil
}

func (c *messageCodec) decode(data []byte) (*domain.Message, error) {
	if len(data) < HeaderSize {
		return nil, ErrTruncatedHeader
	}
	flags := binary.BigEndian.Uint16(data[2:4])
	msg := &domain.Message{
		ID:               binary.BigEndian.Uint16(data[0:2]),
		Response:         flags&flagQR != 0,
		Opcode:           domain.Opcode(flags >> 11 & 0xF),
		Authoritative:    flags&flagAA != 0,
		Truncated:        flags&flagTC != 0,
		RecursionDesired: flags&flagRD != 0,
		RCode:            domain.RCode(flags & rcodeMask),
	}
	msg.RecursionAvailable = flags&flagRA != 0

	qd := int(binary.BigEndian.Uint16(data[4:6]))
	an := int(binary.BigEndian.Uint16(data[6:8]))
	ns := int(binary.BigEndian.Uint16(data[8:10]))
	ar := int(binary.BigEndian.Uint16(data[10:12]))

	off := HeaderSize
	var err error
	for i := 0; i < qd; i++ {
		var q domain.Question
		q, off, err = decodeQuestion(data, off)
		if err != nil {
			return nil, err
		}
		msg.Questions = append(msg.Questions, q)
	}
	if msg.Answers, off, err = c.decodeSection(data, off, an); err != nil {
		return nil, err
	}
	if msg.Authority, off, err = c.decodeSection(data, off, ns); err != nil {
		return nil, err
	}
	additional, _, err := c.decodeSection(data, off, ar)
	if err != nil {
		return nil, err
	}
	// Split the OPT pseudo-record out of the additional section.
	for _, rr := range additional {
		if rr.Type == domain.TypeOPT {
			opt, err := decodeOpt(rr)
			if err != nil {
				return nil, err
			}
			msg.OPT = opt
			continue
		}
		msg.Additional = append(msg.Additional, rr)
	}
	return msg, nil
}

func (c *messageCodec) decodeSection(data []byte, off, count int) ([]domain.ResourceRecord, int, error) {
	var out []domain.ResourceRecord
	for i := 0; i < count; i++ {
		rr, next, err := decodeRecord(data, off)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rr)
		off = next
	}
	return out, off, nil
}

func decodeQuestion(data []byte, off int) (domain.Question, int, error) {
	name, off, err := decodeName(data, off)
	if err != nil {
		return domain.Question{}, 0, err
	}
	if off+4 > len(data) {
		return domain.Question{}, 0, ErrTruncatedBody
	}
	q := domain.Question{
		Name:  name,
		Type:  domain.RRType(binary.BigEndian.Uint16(data[off:])),
		Class: domain.RRClass(binary.BigEndian.Uint16(data[off+2:])),
	}
	return q, off + 4, nil
}

func decodeRecord(data []byte, off int) (domain.ResourceRecord, int, error) {
	name, off, err := decodeName(data, off)
	if err != nil {
		return domain.ResourceRecord{}, 0, err
	}
	if off+10 > len(data) {
		return domain.ResourceRecord{}, 0, ErrTruncatedBody
	}
	rr := domain.ResourceRecord{
		Name:  name,
		Type:  domain.RRType(binary.BigEndian.Uint16(data[off:])),
		Class: domain.RRClass(binary.BigEndian.Uint16(data[off+2:])),
		TTL:   binary.BigEndian.Uint32(data[off+4:]),
	}
	rdLen := int(binary.BigEndian.Uint16(data[off+8:]))
	off += 10
	if off+rdLen > len(data) {
		return domain.ResourceRecord{}, 0, ErrTruncatedBody
	}
	rdata := data[off : off+rdLen]
	if rr.Type == domain.TypeSOA {
		// Store SOA RDATA decompressed so it can be re-parsed without the
		// surrounding message.
		rdata, err = decompressSOAData(data, off, rdLen)
		if err != nil {
			return domain.ResourceRecord{}, 0, err
		}
	} else {
		rdata = append([]byte(nil), rdata...)
	}
	rr.Data = rdata
	return rr, off + rdLen, nil
}

// decompressSOAData rewrites SOA RDATA with both names expanded.
func decompressSOAData(data []byte, off, rdLen int) ([]byte, error) {
	end := off + rdLen
	mname, off, err := decodeName(data, off)
	if err != nil {
		return nil, err
	}
	rname, off, err := decodeName(data, off)
	if err != nil {
		return nil, err
	}
	if off+20 > end || off+20 > len(data) {
		return nil, ErrTruncatedBody
	}
	var buf bytes.Buffer
	for _, n := range []string{mname, rname} {
		enc, err := encodeName(n)
		if err != nil {
			return nil, err
		}
		buf.Write(enc)
	}
	buf.Write(data[off : off+20])
	return buf.Bytes(), nil
}

// decodeName reads a possibly compressed domain name starting at off and
// returns it in canonical form along with the offset past its in-place bytes.
func decodeName(data []byte, off int) (string, int, error) {
	var labels []string
	jumped := false
	end := off
	for hops := 0; ; hops++ {
		if hops > 127 {
			return "", 0, ErrBadName
		}
		if off >= len(data) {
			return "", 0, ErrBadName
		}
		l := int(data[off])
		switch {
		case l == 0:
			if !jumped {
				end = off + 1
			}
			return domain.CanonicalName(strings.Join(labels, ".")), end, nil
		case l&0xC0 == 0xC0:
			if off+1 >= len(data) {
				return "", 0, ErrBadName
			}
			ptr := int(binary.BigEndian.Uint16(data[off:]) & 0x3FFF)
			if ptr >= off {
				return "", 0, ErrBadName
			}
			if !jumped {
				end = off + 2
				jumped = true
			}
			off = ptr
		case l&0xC0 != 0:
			return "", 0, ErrBadName
		default:
			off++
			if off+l > len(data) {
				return "", 0, ErrBadName
			}
			labels = append(labels, string(data[off:off+l]))
			off += l
			if !jumped {
				end = off
			}
		}
	}
}

func decodeOpt(rr domain.ResourceRecord) (*domain.EDNS, error) {
	opt := &domain.EDNS{
		PayloadSize: uint16(rr.Class),
		ExtRCode:    uint8(rr.TTL >> 24),
		Version:     uint8(rr.TTL >> 16),
		DO:          rr.TTL&0x8000 != 0,
	}
	data := rr.Data
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, ErrBadOpt
		}
		code := binary.BigEndian.Uint16(data[0:2])
		olen := int(binary.BigEndian.Uint16(data[2:4]))
		if 4+olen > len(data) {
			return nil, ErrBadOpt
		}
		opt.Options = append(opt.Options, domain.EDNSOption{
			Code: code,
			Data: append([]byte(nil), data[4:4+olen]...),
		})
		data = data[4+olen:]
	}
	return opt, nil
}

func (c *messageCodec) Encode(msg *domain.Message, buf []byte) (int, error) {
	var out bytes.Buffer

	var flags uint16
	if msg.Response {
		flags |= flagQR
	}
	flags |= uint16(msg.Opcode&0xF) << 11
	if msg.Authoritative {
		flags |= flagAA
	}
	if msg.Truncated {
		flags |= flagTC
	}
	if msg.RecursionDesired {
		flags |= flagRD
	}
	if msg.RecursionAvailable {
		flags |= flagRA
	}
	flags |= uint16(msg.RCode) & rcodeMask

	arCount := len(msg.Additional)
	if msg.OPT != nil {
		arCount++
	}
	for _, v := range []uint16{
		msg.ID, flags,
		uint16(len(msg.Questions)), uint16(len(msg.Answers)),
		uint16(len(msg.Authority)), uint16(arCount),
	} {
		_ = binary.Write(&out, binary.BigEndian, v)
	}

	for _, q := range msg.Questions {
		name, err := encodeName(q.Name)
		if err != nil {
			return 0, err
		}
		out.Write(name)
		_ = binary.Write(&out, binary.BigEndian, uint16(q.Type))
		_ = binary.Write(&out, binary.BigEndian, uint16(q.Class))
	}
	for _, section := range [][]domain.ResourceRecord{msg.Answers, msg.Authority, msg.Additional} {
		for _, rr := range section {
			if err := encodeRecord(&out, rr); err != nil {
				return 0, err
			}
		}
	}
	if msg.OPT != nil {
		encodeOpt(&out, msg.OPT)
	}

	if out.Len() > len(buf) {
		return 0, ErrBufferTooSmall
	}
	return copy(buf, out.Bytes()), nil
}

// Marshal is Encode into a freshly allocated buffer.
func Marshal(c Codec, msg *domain.Message) ([]byte, error) {
	buf := make([]byte, MaxPacketSize)
	n, err := c.Encode(msg, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func encodeRecord(out *bytes.Buffer, rr domain.ResourceRecord) error {
	name, err := encodeName(rr.Name)
	if err != nil {
		return err
	}
	out.Write(name)
	_ = binary.Write(out, binary.BigEndian, uint16(rr.Type))
	_ = binary.Write(out, binary.BigEndian, uint16(rr.Class))
	_ = binary.Write(out, binary.BigEndian, rr.TTL)
	if len(rr.Data) > 65535 {
		return fmt.Errorf("rdata too large: %d bytes", len(rr.Data))
	}
	_ = binary.Write(out, binary.BigEndian, uint16(len(rr.Data)))
	out.Write(rr.Data)
	return nil
}

func encodeOpt(out *bytes.Buffer, opt *domain.EDNS) {
	out.WriteByte(0) // root owner
	_ = binary.Write(out, binary.BigEndian, uint16(domain.TypeOPT))
	_ = binary.Write(out, binary.BigEndian, opt.PayloadSize)
	ttl := uint32(opt.ExtRCode)<<24 | uint32(opt.Version)<<16
	if opt.DO {
		ttl |= 0x8000
	}
	_ = binary.Write(out, binary.BigEndian, ttl)
	var rdata bytes.Buffer
	for _, o := range opt.Options {
		_ = binary.Write(&rdata, binary.BigEndian, o.Code)
		_ = binary.Write(&rdata, binary.BigEndian, uint16(len(o.Data)))
		rdata.Write(o.Data)
	}
	_ = binary.Write(out, binary.BigEndian, uint16(rdata.Len()))
	out.Write(rdata.Bytes())
}

// encodeName writes a domain name without compression.
func encodeName(name string) ([]byte, error) {
	var buf bytes.Buffer
	name = strings.TrimSuffix(domain.CanonicalName(name), ".")
	if name == "" {
		buf.WriteByte(0)
		return buf.Bytes(), nil
	}
	for _, label := range strings.Split(name, ".") {
		if len(label) == 0 {
			return nil, ErrBadName
		}
		if len(label) > 63 {
			return nil, fmt.Errorf("label too long: %s", label)
		}
		buf.WriteByte(byte(len(label)))
		buf.WriteString(label)
	}
	buf.WriteByte(0)
	return buf.Bytes(), nil
}
