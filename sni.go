package sniproxy

import (
	"encoding/binary"
	"errors"
	"strings"
)

// SniErrorKind classifies why SNI extraction could not return a
// hostname.
type SniErrorKind int

const (
	// NotHandshake means the first byte isn't a TLS handshake record.
	NotHandshake SniErrorKind = iota
	// Incomplete means more bytes are needed before a decision can be made.
	Incomplete
	// Malformed means a length field or TLV was inconsistent with the
	// surrounding data.
	Malformed
	// NoSniExtension means the ClientHello parsed cleanly but carried no
	// server_name extension.
	NoSniExtension
)

func (k SniErrorKind) String() string {
	switch k {
	case NotHandshake:
		return "not_handshake"
	case Incomplete:
		return "incomplete"
	case Malformed:
		return "malformed"
	case NoSniExtension:
		return "no_sni_extension"
	default:
		return "unknown"
	}
}

// SniError wraps a SniErrorKind so callers can switch on Kind without
// string matching.
type SniError struct {
	Kind SniErrorKind
}

func (e *SniError) Error() string { return "sni: " + e.Kind.String() }

func sniErr(k SniErrorKind) error { return &SniError{Kind: k} }

// IsIncomplete reports whether err is a SniError{Kind: Incomplete}.
func IsIncomplete(err error) bool {
	var se *SniError
	if errors.As(err, &se) {
		return se.Kind == Incomplete
	}
	return false
}

const (
	recordHeaderLen   = 5
	handshakeHeaderLen = 4
	extSNI            = 0x0000
	nameTypeHostName  = 0x00
	maxHostnameLen    = 253
)

// ExtractSNI decodes a TLS record containing a ClientHello and returns
// the lower-cased host_name value from its SNI extension. It performs
// no allocation beyond the returned string and never reads past the
// bounds of buf. Bytes are not consumed from or modified in buf.
func ExtractSNI(buf []byte) (string, error) {
	if len(buf) < 1 {
		return "", sniErr(Incomplete)
	}
	if buf[0] != 0x16 {
		return "", sniErr(NotHandshake)
	}
	if len(buf) < recordHeaderLen {
		return "", sniErr(Incomplete)
	}
	recLen := int(binary.BigEndian.Uint16(buf[3:5]))
	if len(buf) < recordHeaderLen+recLen {
		return "", sniErr(Incomplete)
	}
	record := buf[recordHeaderLen : recordHeaderLen+recLen]

	if len(record) < handshakeHeaderLen {
		return "", sniErr(Incomplete)
	}
	if record[0] != 0x01 {
		return "", sniErr(Malformed)
	}
	hsLen := int(record[1])<<16 | int(record[2])<<8 | int(record[3])
	body := record[handshakeHeaderLen:]
	if len(body) < hsLen {
		// The handshake message may legitimately span more than one TLS
		// record; this parser only supports a ClientHello that fits
		// entirely within the first record, which covers every
		// realistic client.
		return "", sniErr(Incomplete)
	}
	body = body[:hsLen]

	return parseClientHello(body)
}

func parseClientHello(b []byte) (string, error) {
	r := cursor{b: b}

	if _, ok := r.take(2); !ok { // legacy_version
		return "", sniErr(Malformed)
	}
	if _, ok := r.take(32); !ok { // random
		return "", sniErr(Malformed)
	}
	sessionIDLen, ok := r.take1()
	if !ok {
		return "", sniErr(Malformed)
	}
	if _, ok := r.take(int(sessionIDLen)); !ok {
		return "", sniErr(Malformed)
	}
	cipherSuitesLen, ok := r.take2()
	if !ok {
		return "", sniErr(Malformed)
	}
	if _, ok := r.take(int(cipherSuitesLen)); !ok {
		return "", sniErr(Malformed)
	}
	compressionLen, ok := r.take1()
	if !ok {
		return "", sniErr(Malformed)
	}
	if _, ok := r.take(int(compressionLen)); !ok {
		return "", sniErr(Malformed)
	}

	if r.remaining() == 0 {
		// legacy clients may omit extensions entirely
		return "", sniErr(NoSniExtension)
	}
	extsLen, ok := r.take2()
	if !ok {
		return "", sniErr(Malformed)
	}
	extsRaw, ok := r.take(int(extsLen))
	if !ok {
		return "", sniErr(Malformed)
	}

	ext := cursor{b: extsRaw}
	for ext.remaining() > 0 {
		extType, ok := ext.take2()
		if !ok {
			return "", sniErr(Malformed)
		}
		extLen, ok := ext.take2()
		if !ok {
			return "", sniErr(Malformed)
		}
		payload, ok := ext.take(int(extLen))
		if !ok {
			return "", sniErr(Malformed)
		}
		if extType != extSNI {
			continue
		}
		return parseSNIExtension(payload)
	}
	return "", sniErr(NoSniExtension)
}

func parseSNIExtension(payload []byte) (string, error) {
	p := cursor{b: payload}
	listLen, ok := p.take2()
	if !ok {
		return "", sniErr(Malformed)
	}
	list, ok := p.take(int(listLen))
	if !ok {
		return "", sniErr(Malformed)
	}

	l := cursor{b: list}
	for l.remaining() > 0 {
		nameType, ok := l.take1()
		if !ok {
			return "", sniErr(Malformed)
		}
		nameLen, ok := l.take2()
		if !ok {
			return "", sniErr(Malformed)
		}
		name, ok := l.take(int(nameLen))
		if !ok {
			return "", sniErr(Malformed)
		}
		if nameType != nameTypeHostName {
			continue
		}
		return validateHostname(name)
	}
	return "", sniErr(NoSniExtension)
}

func validateHostname(b []byte) (string, error) {
	if len(b) == 0 || len(b) > maxHostnameLen {
		return "", sniErr(Malformed)
	}
	for _, c := range b {
		if c >= 0x80 {
			return "", sniErr(Malformed)
		}
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.':
		default:
			return "", sniErr(Malformed)
		}
	}
	if b[0] == '.' || b[len(b)-1] == '.' || b[0] == '-' || b[len(b)-1] == '-' {
		return "", sniErr(Malformed)
	}
	return strings.ToLower(string(b)), nil
}

// cursor is a tiny bounds-checked reader over a byte slice; every take
// rejects reads that would run past the end rather than panicking or
// silently truncating.
type cursor struct {
	b   []byte
	off int
}

func (c *cursor) remaining() int { return len(c.b) - c.off }

func (c *cursor) take(n int) ([]byte, bool) {
	if n < 0 || n > c.remaining() {
		return nil, false
	}
	v := c.b[c.off : c.off+n]
	c.off += n
	return v, true
}

func (c *cursor) take1() (byte, bool) {
	v, ok := c.take(1)
	if !ok {
		return 0, false
	}
	return v[0], true
}

func (c *cursor) take2() (uint16, bool) {
	v, ok := c.take(2)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}
