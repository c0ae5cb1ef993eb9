package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"

	"github.com/mhekkel/pinch/wire"
)

// ErrMAC is returned (via %w) by ReadPacket when an inbound packet's MAC
// does not verify, so callers can classify the failure without matching
// on an error string.
var ErrMAC = errors.New("cipher: MAC verification failed")

// DirectionKeys holds everything the Engine needs to activate one
// direction (client-to-server or server-to-client) of the connection
// after a key exchange: the negotiated algorithm names and the key
// material the KDF derived for them.
type DirectionKeys struct {
	Cipher      string
	MAC         string
	Compression string
	Key         []byte
	IV          []byte
	MACKey      []byte
}

// Keys bundles both directions' material, as produced by one run of the
// KDF in kex.DeriveKeys.
type Keys struct {
	ClientToServer DirectionKeys
	ServerToClient DirectionKeys
}

// direction holds the live, activated state for reading or writing one
// direction of the connection: the stream cipher, the MAC, the sequence
// counter and the compressor/decompressor, plus whatever framing
// parameters the negotiated cipher requires.
type direction struct {
	stream      stdcipher.Stream
	mac         hash.Hash
	macSize     int
	blockSize   int
	seq         uint32
	compress    wire.Compressor
	decompress  wire.Decompressor
	compression string // negotiated name, so delayed activation can find it again
	delayed     bool   // true once the peer's compression is zlib@openssh.com and auth has not yet completed
}

func newDirection(k DirectionKeys, encrypt bool, delayCompression bool) (*direction, error) {
	stream, err := newStream(k.Cipher, k.Key, k.IV, encrypt)
	if err != nil {
		return nil, err
	}
	mac, err := newMAC(k.MAC, k.MACKey)
	if err != nil {
		return nil, err
	}
	blockSize, err := BlockSize(k.Cipher)
	if err != nil {
		return nil, err
	}
	d := &direction{
		stream:      stream,
		mac:         mac,
		macSize:     mac.Size(),
		blockSize:   blockSize,
		compression: k.Compression,
	}
	if k.Compression == "zlib@openssh.com" && delayCompression {
		d.delayed = true
		d.compress = wire.NewCompressor("none")
		d.decompress = wire.NewDecompressor("none")
	} else {
		d.compress = wire.NewCompressor(k.Compression)
		d.decompress = wire.NewDecompressor(k.Compression)
	}
	return d, nil
}

// activateDelayedCompression swaps in the real zlib codec once
// authentication has succeeded, per the zlib@openssh.com algorithm's
// "compression starts after a successful user authentication" rule.
func (d *direction) activateDelayedCompression() {
	if !d.delayed {
		return
	}
	d.delayed = false
	d.compress = wire.NewCompressor(d.compression)
	d.decompress = wire.NewDecompressor(d.compression)
}

// Engine is the stateful, per-connection crypto pipeline described in
// spec.md's crypto-engine component: it turns outbound message payloads
// into framed, compressed, encrypted, MAC'd wire packets, and reverses
// that transform for inbound ones. A single Engine instance lives for
// the whole connection; RekeyOut and RekeyIn replace its directional state in place
// without disturbing sequence numbers, which continue counting across a
// rekey as RFC 4253 §7 requires.
type Engine struct {
	out *direction
	in  *direction

	outMu sync.Mutex
	inMu  sync.Mutex

	inbound *wire.Inbound
}

// NewEngine builds an Engine from one KDF run. isClient selects which of
// Keys' two directions is outbound versus inbound. delayCompression
// should be true until the first successful user authentication, per the
// zlib@openssh.com activation rule.
func NewEngine(keys Keys, isClient, delayCompression bool) (*Engine, error) {
	var outKeys, inKeys DirectionKeys
	if isClient {
		outKeys, inKeys = keys.ClientToServer, keys.ServerToClient
	} else {
		outKeys, inKeys = keys.ServerToClient, keys.ClientToServer
	}
	out, err := newDirection(outKeys, true, delayCompression)
	if err != nil {
		return nil, fmt.Errorf("cipher: activating write direction: %w", err)
	}
	in, err := newDirection(inKeys, false, delayCompression)
	if err != nil {
		return nil, fmt.Errorf("cipher: activating read direction: %w", err)
	}
	return &Engine{out: out, in: in, inbound: &wire.Inbound{}}, nil
}

// PlaintextEngine returns an Engine with no cipher, MAC or compression
// active, used before the first key exchange completes. Sequence numbers
// still count packets, per RFC 4253 §6.4 ("sequence number ... is
// initialized to zero for the first packet").
func PlaintextEngine() *Engine {
	return &Engine{
		out:     &direction{stream: identityStream{}, mac: nullHash{}, blockSize: 8, compress: wire.NewCompressor("none")},
		in:      &direction{stream: identityStream{}, mac: nullHash{}, blockSize: 8, decompress: wire.NewDecompressor("none")},
		inbound: &wire.Inbound{},
	}
}

// identityStream is a no-op cipher.Stream for the pre-KEX plaintext phase.
type identityStream struct{}

func (identityStream) XORKeyStream(dst, src []byte) { copy(dst, src) }

// nullHash is a zero-length MAC for the pre-KEX plaintext phase: Sum
// always returns nothing, so no MAC bytes are sent or expected.
type nullHash struct{}

func (nullHash) Write(p []byte) (int, error) { return len(p), nil }
func (nullHash) Sum(b []byte) []byte         { return b }
func (nullHash) Reset()                      {}
func (nullHash) Size() int                   { return 0 }
func (nullHash) BlockSize() int              { return 1 }

// EnableDelayedCompression activates zlib@openssh.com on both directions
// if it was negotiated, and is a no-op otherwise. Callers invoke it
// exactly once, right after the first USERAUTH_SUCCESS.
func (e *Engine) EnableDelayedCompression() {
	e.outMu.Lock()
	e.out.activateDelayedCompression()
	e.outMu.Unlock()
	e.inMu.Lock()
	e.in.activateDelayedCompression()
	e.inMu.Unlock()
}

// RekeyOut replaces the outbound direction's cipher/MAC/compression state
// following a completed key re-exchange. The two directions activate at
// different wire moments in a real handshake (outbound as soon as this
// side's own NEWKEYS is sent, inbound only once the peer's NEWKEYS
// arrives), so RekeyIn handles the inbound direction separately.
func (e *Engine) RekeyOut(k DirectionKeys, delayCompression bool) error {
	d, err := newDirection(k, true, delayCompression)
	if err != nil {
		return err
	}
	e.outMu.Lock()
	defer e.outMu.Unlock()
	d.seq = e.out.seq
	e.out = d
	return nil
}

// RekeyIn mirrors RekeyOut for the inbound direction.
func (e *Engine) RekeyIn(k DirectionKeys, delayCompression bool) error {
	d, err := newDirection(k, false, delayCompression)
	if err != nil {
		return err
	}
	e.inMu.Lock()
	defer e.inMu.Unlock()
	d.seq = e.in.seq
	e.in = d
	return nil
}

// SendPacket compresses, frames, encrypts and MACs payload and writes the
// resulting wire packet to w.
func (e *Engine) SendPacket(w io.Writer, payload []byte) error {
	e.outMu.Lock()
	defer e.outMu.Unlock()

	compressed, err := e.out.compress.Compress(payload)
	if err != nil {
		return fmt.Errorf("cipher: compress: %w", err)
	}

	plaintext, err := wire.Frame(compressed, e.out.blockSize)
	if err != nil {
		return fmt.Errorf("cipher: frame: %w", err)
	}

	var macBuf []byte
	if e.out.macSize > 0 {
		e.out.mac.Reset()
		var seqBuf [4]byte
		binary.BigEndian.PutUint32(seqBuf[:], e.out.seq)
		e.out.mac.Write(seqBuf[:])
		e.out.mac.Write(plaintext)
		macBuf = e.out.mac.Sum(nil)
	}

	ciphertext := make([]byte, len(plaintext))
	e.out.stream.XORKeyStream(ciphertext, plaintext)

	if _, err := w.Write(ciphertext); err != nil {
		return err
	}
	if len(macBuf) > 0 {
		if _, err := w.Write(macBuf); err != nil {
			return err
		}
	}
	e.out.seq++
	return nil
}

// ReadPacket reads, decrypts, verifies and decompresses exactly one wire
// packet from r, returning its message payload (first byte the message
// type).
func (e *Engine) ReadPacket(r io.Reader) ([]byte, error) {
	e.inMu.Lock()
	defer e.inMu.Unlock()

	blockSize := e.in.blockSize
	if blockSize < 8 {
		blockSize = 8
	}

	e.inbound.Reset()

	// Read and decrypt the first block to learn the declared length.
	firstBlock := make([]byte, blockSize)
	if _, err := io.ReadFull(r, firstBlock); err != nil {
		return nil, err
	}
	plainFirst := make([]byte, blockSize)
	e.in.stream.XORKeyStream(plainFirst, firstBlock)
	done, err := e.inbound.Feed(plainFirst)
	if err != nil {
		return nil, err
	}

	for !done {
		block := make([]byte, blockSize)
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, err
		}
		plain := make([]byte, blockSize)
		e.in.stream.XORKeyStream(plain, block)
		done, err = e.inbound.Feed(plain)
		if err != nil {
			return nil, err
		}
	}

	if e.in.macSize > 0 {
		theirMAC := make([]byte, e.in.macSize)
		if _, err := io.ReadFull(r, theirMAC); err != nil {
			return nil, err
		}
		e.in.mac.Reset()
		var seqBuf [4]byte
		binary.BigEndian.PutUint32(seqBuf[:], e.in.seq)
		e.in.mac.Write(seqBuf[:])
		e.in.mac.Write(e.inbound.Plaintext())
		expected := e.in.mac.Sum(nil)
		if !hmac.Equal(theirMAC, expected) {
			return nil, fmt.Errorf("%w on packet %d", ErrMAC, e.in.seq)
		}
	}

	e.in.seq++

	compressed, err := e.inbound.Payload()
	if err != nil {
		return nil, err
	}
	payload, err := e.in.decompress.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("cipher: decompress: %w", err)
	}
	return payload, nil
}
