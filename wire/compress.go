package wire

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// ErrCompression wraps any failure to compress or decompress a payload.
// The crypto engine returns it wrapped, and the connection's read loop
// classifies an inbound one as the compression_error kind from spec.md §7.
type ErrCompression struct {
	Op  string
	Err error
}

func (e *ErrCompression) Error() string { return fmt.Sprintf("wire: %s: %v", e.Op, e.Err) }
func (e *ErrCompression) Unwrap() error  { return e.Err }

// Compressor compresses payloads before framing (§4.A: "applied to the
// payload only, before framing").
type Compressor interface {
	Compress(payload []byte) ([]byte, error)
}

// Decompressor reverses a Compressor's transform after MAC verification.
type Decompressor interface {
	Decompress(payload []byte) ([]byte, error)
}

// noneCodec is the identity transform used when compression is "none".
type noneCodec struct{}

func (noneCodec) Compress(p []byte) ([]byte, error)   { return p, nil }
func (noneCodec) Decompress(p []byte) ([]byte, error) { return p, nil }

// NewCompressor returns the Compressor for the given negotiated name. Both
// "zlib" and "zlib@openssh.com" use the same framing; only their
// activation point differs, which the cipher engine's rekey logic handles.
func NewCompressor(name string) Compressor {
	switch name {
	case "zlib", "zlib@openssh.com":
		return newZlibCompressor()
	default:
		return noneCodec{}
	}
}

// NewDecompressor returns the Decompressor for the given negotiated name.
func NewDecompressor(name string) Decompressor {
	switch name {
	case "zlib", "zlib@openssh.com":
		return newZlibDecompressor()
	default:
		return noneCodec{}
	}
}

// zlibCompressor holds one zlib.Writer alive for the whole lifetime of a
// direction: SSH's zlib compression is a single continuous DEFLATE stream
// across every packet sent in that direction, not one independent stream
// per packet. Each Compress call writes the packet's plaintext into the
// stream and issues a sync flush, which byte-aligns the output so the
// peer's decompressor can recover exactly this packet's bytes without
// waiting on the next one.
type zlibCompressor struct {
	z   *zlib.Writer
	out bytes.Buffer
}

func newZlibCompressor() *zlibCompressor {
	c := &zlibCompressor{}
	c.z = zlib.NewWriter(&c.out)
	return c
}

func (c *zlibCompressor) Compress(payload []byte) ([]byte, error) {
	if _, err := c.z.Write(payload); err != nil {
		return nil, &ErrCompression{Op: "compress", Err: err}
	}
	if err := c.z.Flush(); err != nil {
		return nil, &ErrCompression{Op: "compress", Err: err}
	}
	out := make([]byte, c.out.Len())
	copy(out, c.out.Bytes())
	c.out.Reset()
	return out, nil
}

// zlibDecompressor mirrors zlibCompressor on the receiving side: a single
// zlib.Reader pulls from a small FIFO fed one packet's worth of
// compressed bytes at a time. The sync-flush boundary guarantees the
// reader can drain everything written so far before its feed runs dry.
type zlibDecompressor struct {
	feed *byteFeed
	z    io.ReadCloser
}

func newZlibDecompressor() *zlibDecompressor {
	return &zlibDecompressor{feed: &byteFeed{}}
}

func (d *zlibDecompressor) Decompress(payload []byte) ([]byte, error) {
	d.feed.push(payload)

	if d.z == nil {
		z, err := zlib.NewReader(d.feed)
		if err != nil {
			return nil, &ErrCompression{Op: "decompress", Err: err}
		}
		d.z = z
	}

	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := d.z.Read(buf)
		out.Write(buf[:n])
		if err == io.EOF || err == errFeedDrained {
			break
		}
		if err != nil {
			return nil, &ErrCompression{Op: "decompress", Err: err}
		}
		if n == 0 {
			break
		}
	}
	return out.Bytes(), nil
}

// errFeedDrained signals "no more input right now" without the permanent
// end-of-stream meaning a bare io.EOF would give zlib.Reader.
var errFeedDrained = fmt.Errorf("wire: compressed input feed drained")

// byteFeed is an io.Reader over a FIFO of pushed byte slices that reports
// errFeedDrained instead of blocking once it runs out, since every push
// corresponds to one already-received packet's worth of bytes.
type byteFeed struct {
	chunks [][]byte
}

func (f *byteFeed) push(b []byte) {
	if len(b) == 0 {
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	f.chunks = append(f.chunks, cp)
}

func (f *byteFeed) Read(p []byte) (int, error) {
	for len(f.chunks) > 0 && len(f.chunks[0]) == 0 {
		f.chunks = f.chunks[1:]
	}
	if len(f.chunks) == 0 {
		return 0, errFeedDrained
	}
	n := copy(p, f.chunks[0])
	f.chunks[0] = f.chunks[0][n:]
	return n, nil
}
