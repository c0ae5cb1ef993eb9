package kex

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

// Result is what a Method produces once both sides' ephemeral public
// values have been exchanged: the shared secret K (as an mpint-encoded
// big-endian byte string, ready to feed into the exchange hash and KDF)
// and the raw bytes of this side's ephemeral public value, which the
// exchange hash also covers.
type Result struct {
	SharedSecret []byte // mpint-encoded K
	LocalPublic  []byte
}

// Method is one key-exchange algorithm: it generates an ephemeral keypair
// and, given the peer's ephemeral public value, computes the shared
// secret. Host-key signature verification over the exchange hash is
// handled by the caller (pinch.Conn), not by Method, since it needs the
// negotiated server-host-key algorithm and the caller's HostKeyCallback.
type Method interface {
	// Name is the KEXINIT algorithm name, e.g. "curve25519-sha256".
	Name() string
	// GeneratePublic creates an ephemeral keypair and returns the public
	// value to send to the peer.
	GeneratePublic() ([]byte, error)
	// FinishWithPeerPublic computes the shared secret from the peer's
	// ephemeral public value, using the keypair from GeneratePublic.
	FinishWithPeerPublic(peerPublic []byte) (Result, error)
	// HashSize is the output size in bytes of the method's exchange-hash
	// and KDF hash, e.g. sha256.Size for curve25519-sha256.
	HashSize() int
}

// NewMethod returns the Method implementation for a negotiated KEX
// algorithm name.
func NewMethod(name string) (Method, error) {
	switch name {
	case "curve25519-sha256", "curve25519-sha256@libssh.org":
		return &curve25519Method{}, nil
	case "diffie-hellman-group14-sha256":
		return &dhGroup14Method{}, nil
	default:
		return nil, fmt.Errorf("kex: unsupported algorithm %q", name)
	}
}

// curve25519Method implements curve25519-sha256 (RFC 8731): ephemeral
// X25519 keys, the shared secret is the raw 32-byte ECDH output encoded
// as an mpint.
type curve25519Method struct {
	private [32]byte
}

func (m *curve25519Method) Name() string { return "curve25519-sha256" }
func (m *curve25519Method) HashSize() int { return sha256.Size }

func (m *curve25519Method) GeneratePublic() ([]byte, error) {
	if _, err := io.ReadFull(rand.Reader, m.private[:]); err != nil {
		return nil, err
	}
	var public [32]byte
	curve25519.ScalarBaseMult(&public, &m.private)
	return public[:], nil
}

func (m *curve25519Method) FinishWithPeerPublic(peerPublic []byte) (Result, error) {
	if len(peerPublic) != 32 {
		return Result{}, fmt.Errorf("kex: curve25519 peer public key must be 32 bytes, got %d", len(peerPublic))
	}
	var peer, shared [32]byte
	copy(peer[:], peerPublic)

	var zero [32]byte
	if peer == zero {
		return Result{}, fmt.Errorf("kex: curve25519 peer public key is the zero point")
	}
	curve25519.ScalarMult(&shared, &m.private, &peer)
	if shared == zero {
		return Result{}, fmt.Errorf("kex: curve25519 produced a low-order shared secret")
	}

	var public [32]byte
	curve25519.ScalarBaseMult(&public, &m.private)

	return Result{SharedSecret: mpintEncode(shared[:]), LocalPublic: public[:]}, nil
}

// group14Prime is the 2048-bit MODP group 14 prime from RFC 3526 §3.
var group14Prime, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A"+
		"67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B"+
		"0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED"+
		"6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651"+
		"ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83"+
		"655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC"+
		"9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783"+
		"A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE5"+
		"15D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)

// dhGroup14Method implements diffie-hellman-group14-sha256 (RFC 8268):
// finite-field DH over the fixed 2048-bit group 14 MODP prime.
type dhGroup14Method struct {
	x *big.Int // private exponent
}

func (m *dhGroup14Method) Name() string { return "diffie-hellman-group14-sha256" }
func (m *dhGroup14Method) HashSize() int { return sha256.Size }

func (m *dhGroup14Method) GeneratePublic() ([]byte, error) {
	// x is uniform in [1, p-2]: crypto/rand.Int draws from [0, p-3] and
	// one is added.
	max := new(big.Int).Sub(group14Prime, big.NewInt(2))
	x, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, err
	}
	x.Add(x, big.NewInt(1))
	m.x = x

	e := new(big.Int).Exp(big.NewInt(2), x, group14Prime)
	return mpintEncode(e.Bytes()), nil
}

func (m *dhGroup14Method) FinishWithPeerPublic(peerPublic []byte) (Result, error) {
	f := new(big.Int).SetBytes(peerPublic)
	one := big.NewInt(1)
	pMinus1 := new(big.Int).Sub(group14Prime, one)
	if f.Cmp(one) <= 0 || f.Cmp(pMinus1) >= 0 {
		return Result{}, fmt.Errorf("kex: diffie-hellman-group14-sha256 peer public value out of range")
	}

	k := new(big.Int).Exp(f, m.x, group14Prime)

	e := new(big.Int).Exp(big.NewInt(2), m.x, group14Prime)
	return Result{SharedSecret: mpintEncode(k.Bytes()), LocalPublic: mpintEncode(e.Bytes())}, nil
}

// mpintEncode returns b as an SSH mpint's content bytes (the part after
// the length prefix): a leading 0x00 is inserted when the high bit of
// the first byte would otherwise be mistaken for a sign bit.
func mpintEncode(b []byte) []byte {
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	if len(b) > 0 && b[0]&0x80 != 0 {
		out := make([]byte, len(b)+1)
		copy(out[1:], b)
		return out
	}
	return b
}
