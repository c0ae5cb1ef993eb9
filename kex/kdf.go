package kex

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"github.com/mhekkel/pinch/cipher"
)

// ExchangeHashInputs holds everything RFC 4253 §8's exchange hash H
// covers: H = hash(V_C || V_S || I_C || I_S || K_S || <method-specific> || K).
// The method-specific fields (client and server ephemeral public values)
// are method.Result.LocalPublic from each side.
type ExchangeHashInputs struct {
	ClientVersion   []byte
	ServerVersion   []byte
	ClientKexInit   []byte // full KEXINIT payload, as sent on the wire
	ServerKexInit   []byte
	HostKey         []byte // server's public host key blob
	ClientPublic    []byte // this side's (or the client's) ephemeral public value
	ServerPublic    []byte
	SharedSecretMPI []byte // mpint-encoded K, from Method.FinishWithPeerPublic
}

// ComputeExchangeHash builds H using newHash (sha256.New for every
// algorithm this package implements; kept as a parameter so a future
// sha1-based method could reuse the same layout).
func ComputeExchangeHash(newHash func() hash.Hash, in ExchangeHashInputs) []byte {
	h := newHash()
	writeHashString(h, in.ClientVersion)
	writeHashString(h, in.ServerVersion)
	writeHashString(h, in.ClientKexInit)
	writeHashString(h, in.ServerKexInit)
	writeHashString(h, in.HostKey)
	writeHashString(h, in.ClientPublic)
	writeHashString(h, in.ServerPublic)
	writeHashString(h, in.SharedSecretMPI)
	return h.Sum(nil)
}

// writeHashString feeds a length-prefixed string into the running hash,
// matching how each exchange-hash field is serialized on the wire.
func writeHashString(h hash.Hash, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	h.Write(lenBuf[:])
	h.Write(b)
}

// KeyDerivation is the six-tag KDF of RFC 4253 §7.2, generalized to any
// hash algorithm and any requested output length:
//
//	K1 = HASH(K || H || X || session_id)
//	K2 = HASH(K || H || K1)
//	Kn = HASH(K || H || K1 || ... || K(n-1))
//
// X is one of the six single-byte tags 'A'..'F' and session_id is fixed
// for the life of the connection (the exchange hash from the very first
// key exchange), even across rekeys.
func KeyDerivation(newHash func() hash.Hash, sharedSecretMPI, exchangeHash, sessionID []byte, tag byte, length int) []byte {
	hashSize := newHash().Size()
	out := make([]byte, 0, length+hashSize)

	round := func(prev []byte) []byte {
		h := newHash()
		writeHashString(h, sharedSecretMPI) // K as an mpint, length included
		h.Write(exchangeHash)
		if prev == nil {
			h.Write([]byte{tag})
			h.Write(sessionID)
		} else {
			h.Write(prev)
		}
		return h.Sum(nil)
	}

	k := round(nil)
	out = append(out, k...)
	for len(out) < length {
		k = round(out)
		out = append(out, k...)
	}
	return out[:length]
}

// DeriveKeys runs KeyDerivation once per tag to build the full Keys
// struct a cipher.Engine needs, given the negotiated algorithm names.
// Tag assignments follow RFC 4253 §7.2:
//
//	A: initial IV client to server
//	B: initial IV server to client
//	C: encryption key client to server
//	D: encryption key server to client
//	E: integrity key client to server
//	F: integrity key server to client
func DeriveKeys(negotiated Negotiated, sharedSecretMPI, exchangeHash, sessionID []byte) (cipher.Keys, error) {
	newHash := sha256.New // every KEX method this package implements uses SHA-256

	ivCS, err := cipher.IVSize(negotiated.CipherClientServer)
	if err != nil {
		return cipher.Keys{}, err
	}
	ivSC, err := cipher.IVSize(negotiated.CipherServerClient)
	if err != nil {
		return cipher.Keys{}, err
	}
	keyCS, err := cipher.KeySize(negotiated.CipherClientServer)
	if err != nil {
		return cipher.Keys{}, err
	}
	keySC, err := cipher.KeySize(negotiated.CipherServerClient)
	if err != nil {
		return cipher.Keys{}, err
	}
	macCS, err := cipher.MACSize(negotiated.MACClientServer)
	if err != nil {
		return cipher.Keys{}, err
	}
	macSC, err := cipher.MACSize(negotiated.MACServerClient)
	if err != nil {
		return cipher.Keys{}, err
	}

	return cipher.Keys{
		ClientToServer: cipher.DirectionKeys{
			Cipher:      negotiated.CipherClientServer,
			MAC:         negotiated.MACClientServer,
			Compression: negotiated.CompressClientServer,
			IV:          KeyDerivation(newHash, sharedSecretMPI, exchangeHash, sessionID, 'A', ivCS),
			Key:         KeyDerivation(newHash, sharedSecretMPI, exchangeHash, sessionID, 'C', keyCS),
			MACKey:      KeyDerivation(newHash, sharedSecretMPI, exchangeHash, sessionID, 'E', macCS),
		},
		ServerToClient: cipher.DirectionKeys{
			Cipher:      negotiated.CipherServerClient,
			MAC:         negotiated.MACServerClient,
			Compression: negotiated.CompressServerClient,
			IV:          KeyDerivation(newHash, sharedSecretMPI, exchangeHash, sessionID, 'B', ivSC),
			Key:         KeyDerivation(newHash, sharedSecretMPI, exchangeHash, sessionID, 'D', keySC),
			MACKey:      KeyDerivation(newHash, sharedSecretMPI, exchangeHash, sessionID, 'F', macSC),
		},
	}, nil
}
