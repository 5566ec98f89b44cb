// Package handshake implements the RTMP handshake: the simple
// echo-with-timestamp variant and the complex HMAC-SHA256 digest variant,
// with the digest math grounded in the public RTMP specification (the same
// math used by the "digest.rs" processor this pipeline's Rust ancestor
// carried in its rtmp crate).
package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// PacketSize is the size in bytes of C1/S1/C2/S2.
	PacketSize = 1536

	version byte = 0x03

	digestLength  = 32
	timeVerLength = 8 // 4 bytes timestamp + 4 bytes version, preceding the key/digest block
	offsetLength  = 4

	// chunkLength is one half of the 1528-byte post-header C1 payload;
	// the digest-offset arithmetic operates within a single half, so its
	// modulus uses this, not the full packet size.
	chunkLength = 764

	schema0KeyOffset = chunkLength + timeVerLength // schema 0: digest block follows the key half
	schema1KeyOffset = timeVerLength               // schema 1: digest block follows time+version
)

// genuineFMSKey and genuineFPKey are the well-known RTMP handshake constants
// (genuine RTMP spec values, not secrets) used to key the HMAC for the
// server/client "full" digests in the complex handshake.
var (
	genuineFMSKey = append([]byte("Genuine Adobe Flash Media Server 001"), []byte{
		0xf0, 0xee, 0xc2, 0x4a, 0x80, 0x68, 0xbe, 0xe8, 0x2e, 0x00, 0xd0, 0xd1,
		0x02, 0x9e, 0x7e, 0x57, 0x6e, 0xec, 0x5d, 0x2d, 0x29, 0x80, 0x6f, 0xab,
		0x93, 0xb8, 0xe6, 0x36, 0xcf, 0xeb, 0x31, 0xae,
	}...)
	genuineFPKey = append([]byte("Genuine Adobe Flash Player 001"), []byte{
		0xf0, 0xee, 0xc2, 0x4a, 0x80, 0x68, 0xbe, 0xe8, 0x2e, 0x00, 0xd0, 0xd1,
		0x02, 0x9e, 0x7e, 0x57, 0x6e, 0xec, 0x5d, 0x2d, 0x29, 0x80, 0x6f, 0xab,
		0x93, 0xb8, 0xe6, 0x36, 0xcf, 0xeb, 0x31, 0xae,
	}...)
)

// ErrHandshakeFailed is returned when neither the complex nor the simple
// handshake could be completed.
var ErrHandshakeFailed = errors.New("handshake: failed")

// Result carries the negotiated handshake variant, useful for logging and
// metrics.
type Result struct {
	Complex bool
}

// deadlineConn is satisfied by net.Conn; kept as an interface so tests can
// supply an in-memory pipe without deadlines.
type deadlineConn interface {
	io.ReadWriter
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Accept drives the server side of the handshake to completion: read
// C0+C1, attempt the complex digest negotiation (schema 0 then schema 1),
// and fall back to the simple echo handshake if both schemas fail to
// validate. On return the connection is positioned immediately after C2.
func Accept(conn net.Conn, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Result{}, fmt.Errorf("set read deadline: %w", err)
	}
	c0c1 := make([]byte, 1+PacketSize)
	if _, err := io.ReadFull(conn, c0c1); err != nil {
		return Result{}, fmt.Errorf("read C0+C1: %w", err)
	}
	if c0c1[0] != version {
		return Result{}, fmt.Errorf("%w: unsupported version 0x%02x", ErrHandshakeFailed, c0c1[0])
	}
	c1 := c0c1[1:]

	if schema, digestOffset, ok := detectComplexSchema(c1); ok {
		if err := runComplexHandshake(conn, c1, schema, digestOffset, timeout); err != nil {
			return Result{}, fmt.Errorf("complex handshake: %w", err)
		}
		return Result{Complex: true}, nil
	}

	if err := runSimpleHandshake(conn, c1, timeout); err != nil {
		return Result{}, fmt.Errorf("simple handshake: %w", err)
	}
	return Result{Complex: false}, nil
}

// runSimpleHandshake implements the echo-with-timestamp variant: S1 is a
// freshly generated timestamp+random packet, S2 echoes C1 verbatim, and C2
// is read and discarded (its content is not validated beyond length).
func runSimpleHandshake(conn deadlineConn, c1 []byte, timeout time.Duration) error {
	s1 := make([]byte, PacketSize)
	binary.BigEndian.PutUint32(s1[0:4], uint32(time.Now().UnixMilli()))
	// bytes 4:8 are the server version field, left zero.
	if _, err := rand.Read(s1[8:]); err != nil {
		return fmt.Errorf("generate S1 random: %w", err)
	}
	s2 := append([]byte(nil), c1...)

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	out := make([]byte, 0, 1+2*PacketSize)
	out = append(out, version)
	out = append(out, s1...)
	out = append(out, s2...)
	if _, err := conn.Write(out); err != nil {
		return fmt.Errorf("write S0+S1+S2: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	c2 := make([]byte, PacketSize)
	if _, err := io.ReadFull(conn, c2); err != nil {
		return fmt.Errorf("read C2: %w", err)
	}
	return nil
}

// detectComplexSchema probes schema 0 then schema 1: it recomputes the
// digest offset from the 4 bytes at the schema-specific position, slices
// the packet into (left, digest, right) around that offset, and checks
// whether an HMAC-SHA256 over left||right using the client key validates
// against the embedded digest.
func detectComplexSchema(c1 []byte) (schema int, digestOffset int, ok bool) {
	for _, s := range []int{0, 1} {
		offset := findDigestOffset(c1, s)
		left := c1[:offset]
		right := c1[offset+digestLength:]
		expected := hmacSHA256(genuineFPKey[:30], left, right)
		if hmac.Equal(expected, c1[offset:offset+digestLength]) {
			return s, offset, true
		}
	}
	return 0, 0, false
}

// findDigestOffset locates the digest block for the given schema. Schema 0
// carries time+version, then key block, then digest, then remainder; schema
// 1 carries time+version, then digest, then key block. The four bytes at
// offsetBytesAt (summed) modulo (764-32-4) give the digest's position
// within the half-packet that follows them; the modulus uses chunkLength,
// not PacketSize, so the digest always lands inside the packet (the worst
// case, schema 0 with a sum of 727, ends at byte 1535).
func findDigestOffset(c1 []byte, schema int) int {
	offsetBytesAt := schema0KeyOffset
	if schema != 0 {
		offsetBytesAt = schema1KeyOffset
	}
	sum := int(c1[offsetBytesAt]) + int(c1[offsetBytesAt+1]) + int(c1[offsetBytesAt+2]) + int(c1[offsetBytesAt+3])
	mod := sum % (chunkLength - digestLength - offsetLength)
	return mod + offsetBytesAt + offsetLength
}

// runComplexHandshake forges S1 (digest HMAC-keyed with the server key) and
// S2 (a key-response digest HMAC-keyed with a digest derived from the
// client's own digest), matching what FFmpeg/OBS expect from a genuine FMS.
func runComplexHandshake(conn deadlineConn, c1 []byte, schema, clientDigestOffset int, timeout time.Duration) error {
	clientDigest := append([]byte(nil), c1[clientDigestOffset:clientDigestOffset+digestLength]...)

	s1 := make([]byte, PacketSize)
	binary.BigEndian.PutUint32(s1[0:4], uint32(time.Now().UnixMilli()))
	binary.BigEndian.PutUint32(s1[4:8], 0x01000504) // arbitrary server version, matches common FMS builds
	if _, err := rand.Read(s1[8:]); err != nil {
		return fmt.Errorf("generate S1 random: %w", err)
	}
	serverDigestOffset := findDigestOffset(s1, schema)
	left := s1[:serverDigestOffset]
	right := s1[serverDigestOffset+digestLength:]
	serverDigest := hmacSHA256(genuineFMSKey[:36], left, right)
	copy(s1[serverDigestOffset:serverDigestOffset+digestLength], serverDigest)

	s2Key := hmacSHA256(genuineFMSKey, clientDigest)
	s2 := make([]byte, PacketSize)
	if _, err := rand.Read(s2); err != nil {
		return fmt.Errorf("generate S2 random: %w", err)
	}
	s2DigestStart := PacketSize - digestLength
	s2Digest := hmacSHA256(s2Key, s2[:s2DigestStart])
	copy(s2[s2DigestStart:], s2Digest)

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	out := make([]byte, 0, 1+2*PacketSize)
	out = append(out, version)
	out = append(out, s1...)
	out = append(out, s2...)
	if _, err := conn.Write(out); err != nil {
		return fmt.Errorf("write S0+S1+S2: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	c2 := make([]byte, PacketSize)
	if _, err := io.ReadFull(conn, c2); err != nil {
		return fmt.Errorf("read C2: %w", err)
	}
	return nil
}

func hmacSHA256(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}
