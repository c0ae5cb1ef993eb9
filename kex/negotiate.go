// Package kex implements SSH key exchange: algorithm negotiation per RFC
// 4253 §7.1, the curve25519-sha256 and diffie-hellman-group14-sha256
// methods, and the session key derivation function (§7.2's six-tag KDF).
package kex

import (
	"fmt"

	"github.com/mhekkel/pinch/cipher"
)

// Algorithms lists this implementation's supported names for every
// KEXINIT category, in descending preference order. A Conn builds its
// outbound KEXINIT from these lists.
type Algorithms struct {
	KexAlgos               []string
	ServerHostKeyAlgos      []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
}

// Default returns the algorithm preference lists this implementation
// offers, built from the KEX methods and the cipher package's preference
// tables.
func Default() Algorithms {
	return Algorithms{
		KexAlgos:                []string{"curve25519-sha256", "curve25519-sha256@libssh.org", "diffie-hellman-group14-sha256"},
		ServerHostKeyAlgos:      []string{"ssh-ed25519", "rsa-sha2-512", "rsa-sha2-256", "ssh-rsa"},
		CiphersClientServer:     cipher.PreferredCiphers,
		CiphersServerClient:     cipher.PreferredCiphers,
		MACsClientServer:        cipher.PreferredMACs,
		MACsServerClient:        cipher.PreferredMACs,
		CompressionClientServer: cipher.PreferredCompressions,
		CompressionServerClient: cipher.PreferredCompressions,
	}
}

// Negotiated is the result of matching a client and server KEXINIT
// against each other: one chosen algorithm per category.
type Negotiated struct {
	Kex                string
	ServerHostKey      string
	CipherClientServer string
	CipherServerClient string
	MACClientServer    string
	MACServerClient    string
	CompressClientServer string
	CompressServerClient string
}

// ErrNoCommonAlgorithm is returned by Negotiate when client and server
// share no algorithm in some required category.
type ErrNoCommonAlgorithm struct {
	Category string
}

func (e *ErrNoCommonAlgorithm) Error() string {
	return fmt.Sprintf("kex: no common algorithm for %s", e.Category)
}

// Negotiate implements RFC 4253 §7.1's matching rule: for each category,
// walk the client's preference list in order and take the first name
// that also appears in the server's list. Languages are exempt from the
// "must share at least one" rule: an empty match there is not an error.
func Negotiate(client, server Algorithms) (Negotiated, error) {
	pick := func(category string, c, s []string) (string, error) {
		for _, name := range c {
			for _, cand := range s {
				if name == cand {
					return name, nil
				}
			}
		}
		return "", &ErrNoCommonAlgorithm{Category: category}
	}

	var n Negotiated
	var err error
	if n.Kex, err = pick("kex_algorithms", client.KexAlgos, server.KexAlgos); err != nil {
		return n, err
	}
	if n.ServerHostKey, err = pick("server_host_key_algorithms", client.ServerHostKeyAlgos, server.ServerHostKeyAlgos); err != nil {
		return n, err
	}
	if n.CipherClientServer, err = pick("encryption_algorithms_client_to_server", client.CiphersClientServer, server.CiphersClientServer); err != nil {
		return n, err
	}
	if n.CipherServerClient, err = pick("encryption_algorithms_server_to_client", client.CiphersServerClient, server.CiphersServerClient); err != nil {
		return n, err
	}
	if n.MACClientServer, err = pick("mac_algorithms_client_to_server", client.MACsClientServer, server.MACsClientServer); err != nil {
		return n, err
	}
	if n.MACServerClient, err = pick("mac_algorithms_server_to_client", client.MACsServerClient, server.MACsServerClient); err != nil {
		return n, err
	}
	if n.CompressClientServer, err = pick("compression_algorithms_client_to_server", client.CompressionClientServer, server.CompressionClientServer); err != nil {
		return n, err
	}
	if n.CompressServerClient, err = pick("compression_algorithms_server_to_client", client.CompressionServerClient, server.CompressionServerClient); err != nil {
		return n, err
	}
	// Languages: no match is fine, and the result is not recorded in
	// Negotiated, matching the "neither side offers a language" common
	// case.
	_, _ = pick("languages_client_to_server", client.LanguagesClientServer, server.LanguagesClientServer)
	_, _ = pick("languages_server_to_client", client.LanguagesServerClient, server.LanguagesServerClient)

	return n, nil
}
