package wire

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"math/big"
)

// MaxPacketLength is the cap on a single inbound packet's length, counting
// its 4-byte length field, per spec: 32 KiB plus a small overhead for
// padding-length and padding.
const MaxPacketLength = 35000

// MinPaddingLength is the minimum random padding RFC 4253 requires on every
// outbound packet.
const MinPaddingLength = 4

// Reader is a cursor over a packet payload. The first byte of payload is
// the message type; callers typically consume it before reading fields.
type Reader struct {
	buf []byte
}

// NewReader wraps payload in a Reader positioned at the start.
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) }

// ReadByte consumes a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if len(r.buf) < 1 {
		return 0, ErrMalformedPacket
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

// ReadBool consumes a single byte and interprets it as a boolean.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

// ReadUint32 consumes a big-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	if len(r.buf) < 4 {
		return 0, ErrMalformedPacket
	}
	v := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v, nil
}

// ReadUint64 consumes a big-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	if len(r.buf) < 8 {
		return 0, ErrMalformedPacket
	}
	v := binary.BigEndian.Uint64(r.buf)
	r.buf = r.buf[8:]
	return v, nil
}

// ReadString consumes a length-prefixed byte string (may hold binary data).
func (r *Reader) ReadString() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if uint64(len(r.buf)) < uint64(n) {
		return nil, ErrMalformedPacket
	}
	s := r.buf[:n]
	r.buf = r.buf[n:]
	return s, nil
}

// ReadNameList consumes a comma-joined name-list carried in a string field.
func (r *Reader) ReadNameList() ([]string, error) {
	s, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return splitNameList(s), nil
}

// ReadMPInt consumes a canonical signed big-endian integer.
func (r *Reader) ReadMPInt() (*big.Int, error) {
	s, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	n := new(big.Int)
	if len(s) == 0 {
		return n, nil
	}
	if s[0]&0x80 != 0 {
		// Negative: two's complement.
		inv := make([]byte, len(s))
		for i, b := range s {
			inv[i] = ^b
		}
		n.SetBytes(inv)
		n.Add(n, big.NewInt(1))
		n.Neg(n)
	} else {
		n.SetBytes(s)
	}
	return n, nil
}

// Rest returns, and consumes, every remaining byte.
func (r *Reader) Rest() []byte {
	rest := r.buf
	r.buf = nil
	return rest
}

func splitNameList(s []byte) []string {
	if len(s) == 0 {
		return nil
	}
	var out []string
	start := 0
	for i, b := range s {
		if b == ',' {
			out = append(out, string(s[start:i]))
			start = i + 1
		}
	}
	out = append(out, string(s[start:]))
	return out
}

// Writer builds an outbound payload by appending typed fields.
type Writer struct {
	buf []byte
}

// NewWriter starts a payload with the given message type as its first byte.
func NewWriter(msgType byte) *Writer {
	w := &Writer{buf: make([]byte, 0, 64)}
	w.buf = append(w.buf, msgType)
	return w
}

// Bytes returns the accumulated payload.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteByte(b byte) *Writer {
	w.buf = append(w.buf, b)
	return w
}

func (w *Writer) WriteBool(b bool) *Writer {
	if b {
		return w.WriteByte(1)
	}
	return w.WriteByte(0)
}

func (w *Writer) WriteUint32(v uint32) *Writer {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) WriteUint64(v uint64) *Writer {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) WriteString(s string) *Writer {
	return w.WriteBytes([]byte(s))
}

func (w *Writer) WriteBytes(s []byte) *Writer {
	w.WriteUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

func (w *Writer) WriteNameList(names []string) *Writer {
	joined := joinNameList(names)
	return w.WriteString(joined)
}

func (w *Writer) WriteMPInt(n *big.Int) *Writer {
	if n == nil || n.Sign() == 0 {
		return w.WriteUint32(0)
	}
	if n.Sign() < 0 {
		nMinus1 := new(big.Int).Neg(n)
		nMinus1.Sub(nMinus1, big.NewInt(1))
		b := nMinus1.Bytes()
		for i := range b {
			b[i] ^= 0xff
		}
		if len(b) == 0 || b[0]&0x80 == 0 {
			b = append([]byte{0xff}, b...)
		}
		return w.WriteBytes(b)
	}
	b := n.Bytes()
	if len(b) > 0 && b[0]&0x80 != 0 {
		b = append([]byte{0x00}, b...)
	}
	return w.WriteBytes(b)
}

// Raw appends already-serialized bytes verbatim (used for "rest" payload
// tails such as a channel-open's type-specific data).
func (w *Writer) Raw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

func joinNameList(names []string) string {
	total := 0
	for i, n := range names {
		if i != 0 {
			total++
		}
		total += len(n)
	}
	out := make([]byte, 0, total)
	for i, n := range names {
		if i != 0 {
			out = append(out, ',')
		}
		out = append(out, n...)
	}
	return string(out)
}

// Frame lays out an outbound plaintext packet per RFC 4253 §6: 4-byte
// total length, 1-byte padding length, payload, random padding. total
// length is padded so that (4+1+len(payload)+padding) is a multiple of
// max(8, blockSize), and padding is never shorter than MinPaddingLength.
func Frame(payload []byte, blockSize int) ([]byte, error) {
	if blockSize < 8 {
		blockSize = 8
	}
	paddingLen := blockSize - (5+len(payload))%blockSize
	if paddingLen < MinPaddingLength {
		paddingLen += blockSize
	}
	packetLen := 1 + len(payload) + paddingLen

	out := make([]byte, 4+packetLen)
	binary.BigEndian.PutUint32(out[0:4], uint32(packetLen))
	out[4] = byte(paddingLen)
	copy(out[5:], payload)
	if _, err := io.ReadFull(rand.Reader, out[5+len(payload):]); err != nil {
		return nil, err
	}
	return out, nil
}

// Inbound accumulates decrypted plaintext blocks for one packet and reports
// completeness once the declared length has been reached. It rejects
// packets larger than MaxPacketLength and preserves partial state across
// Feed calls, matching the "not ready" behavior spec.md requires of the
// crypto engine's packet assembly.
type Inbound struct {
	buf      []byte
	haveLen  bool
	totalLen int // packet_length field value; excludes the length field itself
}

// Feed appends a decrypted block (or any number of decrypted bytes) to the
// in-progress packet. It returns done=true once the full packet_length
// worth of bytes has been accumulated.
func (in *Inbound) Feed(block []byte) (done bool, err error) {
	in.buf = append(in.buf, block...)
	if !in.haveLen {
		if len(in.buf) < 4 {
			return false, nil
		}
		in.totalLen = int(binary.BigEndian.Uint32(in.buf[:4]))
		if in.totalLen < 1 || 4+in.totalLen > MaxPacketLength {
			return false, ErrPacketTooLarge
		}
		in.haveLen = true
	}
	return len(in.buf) >= 4+in.totalLen, nil
}

// Body returns the padding_length||payload||padding body (everything after
// the 4-byte length field) once Feed has reported done.
func (in *Inbound) Body() []byte {
	return in.buf[4 : 4+in.totalLen]
}

// Plaintext returns the full plaintext (length field included) consumed so
// far; used as MAC input.
func (in *Inbound) Plaintext() []byte {
	return in.buf[:4+in.totalLen]
}

// Payload strips padding-length byte and padding from Body, returning the
// message payload (first byte is the message type).
func (in *Inbound) Payload() ([]byte, error) {
	body := in.Body()
	if len(body) < 1 {
		return nil, ErrMalformedPacket
	}
	paddingLen := int(body[0])
	if paddingLen < MinPaddingLength || paddingLen+1 > len(body) {
		return nil, ErrMalformedPacket
	}
	return body[1 : len(body)-paddingLen], nil
}

// Reset clears the builder for reuse on the next packet.
func (in *Inbound) Reset() {
	in.buf = in.buf[:0]
	in.haveLen = false
	in.totalLen = 0
}
