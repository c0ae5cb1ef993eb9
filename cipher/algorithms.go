// Package cipher implements the SSH transport crypto engine: the cipher,
// MAC and compression algorithms negotiated during key exchange, and the
// stateful per-direction Engine that frames, encrypts, MACs and, on the
// inbound side, verifies and decrypts the binary packet stream described
// in RFC 4253 §6.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// PreferredCiphers and PreferredMACs list this implementation's supported
// algorithms in descending preference order, used both to build outbound
// KEXINIT name-lists and to validate a negotiated name.
var PreferredCiphers = []string{
	"aes128-ctr", "aes192-ctr", "aes256-ctr",
	"aes128-cbc", "aes192-cbc", "aes256-cbc",
	"3des-cbc",
}

var PreferredMACs = []string{
	"hmac-sha2-256", "hmac-sha2-512", "hmac-sha1",
}

var PreferredCompressions = []string{"none", "zlib@openssh.com", "zlib"}

type cipherSpec struct {
	keySize   int
	ivSize    int
	blockSize int
	newStream func(key, iv []byte, encrypt bool) (stdcipher.Stream, error)
}

var cipherSpecs = map[string]cipherSpec{
	"aes128-ctr": {16, aes.BlockSize, aes.BlockSize, newCTR},
	"aes192-ctr": {24, aes.BlockSize, aes.BlockSize, newCTR},
	"aes256-ctr": {32, aes.BlockSize, aes.BlockSize, newCTR},
	"aes128-cbc": {16, aes.BlockSize, aes.BlockSize, newCBC},
	"aes192-cbc": {24, aes.BlockSize, aes.BlockSize, newCBC},
	"aes256-cbc": {32, aes.BlockSize, aes.BlockSize, newCBC},
	"3des-cbc":   {24, des.BlockSize, des.BlockSize, newTripleDESCBC},
}

func newCTR(key, iv []byte, _ bool) (stdcipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return stdcipher.NewCTR(block, iv), nil
}

// cbcStream adapts crypto/cipher's block-oriented CBC modes, which require
// whole-block calls, to the cipher.Stream interface the rest of the engine
// uses uniformly for both CTR and CBC ciphers.
type cbcStream struct {
	mode      stdcipher.BlockMode
	blockSize int
}

func (c *cbcStream) XORKeyStream(dst, src []byte) {
	if len(src)%c.blockSize != 0 {
		panic("cipher: CBC input is not a whole number of blocks")
	}
	if len(src) == 0 {
		return
	}
	c.mode.CryptBlocks(dst, src)
}

func newCBC(key, iv []byte, encrypt bool) (stdcipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	var mode stdcipher.BlockMode
	if encrypt {
		mode = stdcipher.NewCBCEncrypter(block, iv)
	} else {
		mode = stdcipher.NewCBCDecrypter(block, iv)
	}
	return &cbcStream{mode: mode, blockSize: block.BlockSize()}, nil
}

func newTripleDESCBC(key, iv []byte, encrypt bool) (stdcipher.Stream, error) {
	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, err
	}
	var mode stdcipher.BlockMode
	if encrypt {
		mode = stdcipher.NewCBCEncrypter(block, iv)
	} else {
		mode = stdcipher.NewCBCDecrypter(block, iv)
	}
	return &cbcStream{mode: mode, blockSize: block.BlockSize()}, nil
}

type macSpec struct {
	size   int
	newKey func() func() hash.Hash
}

var macSpecs = map[string]macSpec{
	"hmac-sha2-256": {sha256.Size, func() func() hash.Hash { return sha256.New }},
	"hmac-sha2-512": {sha512.Size, func() func() hash.Hash { return sha512.New }},
	"hmac-sha1":     {sha1.Size, func() func() hash.Hash { return sha1.New }},
}

// KeySize reports the symmetric key length a cipher name requires, used by
// the KDF's key-derivation loop to know how many bytes of each tagged
// output it needs to produce.
func KeySize(name string) (int, error) {
	spec, ok := cipherSpecs[name]
	if !ok {
		return 0, fmt.Errorf("cipher: unsupported cipher %q", name)
	}
	return spec.keySize, nil
}

// IVSize reports the initialization vector length a cipher name requires.
func IVSize(name string) (int, error) {
	spec, ok := cipherSpecs[name]
	if !ok {
		return 0, fmt.Errorf("cipher: unsupported cipher %q", name)
	}
	return spec.ivSize, nil
}

// BlockSize reports a cipher's block size, used for packet padding math.
func BlockSize(name string) (int, error) {
	spec, ok := cipherSpecs[name]
	if !ok {
		return 0, fmt.Errorf("cipher: unsupported cipher %q", name)
	}
	return spec.blockSize, nil
}

// MACSize reports a MAC algorithm's digest length, used both for keying
// and for knowing how many trailing bytes to read off the wire.
func MACSize(name string) (int, error) {
	spec, ok := macSpecs[name]
	if !ok {
		return 0, fmt.Errorf("cipher: unsupported MAC %q", name)
	}
	return spec.size, nil
}

func newStream(name string, key, iv []byte, encrypt bool) (stdcipher.Stream, error) {
	spec, ok := cipherSpecs[name]
	if !ok {
		return nil, fmt.Errorf("cipher: unsupported cipher %q", name)
	}
	if len(key) != spec.keySize || len(iv) != spec.ivSize {
		return nil, fmt.Errorf("cipher: bad key/iv length for %q", name)
	}
	return spec.newStream(key, iv, encrypt)
}

func newMAC(name string, key []byte) (hash.Hash, error) {
	spec, ok := macSpecs[name]
	if !ok {
		return nil, fmt.Errorf("cipher: unsupported MAC %q", name)
	}
	return hmac.New(spec.newKey(), key), nil
}
