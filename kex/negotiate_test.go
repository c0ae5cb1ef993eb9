package kex

import "testing"

func TestNegotiateFirstClientMatchWins(t *testing.T) {
	client := Algorithms{
		KexAlgos:                []string{"curve25519-sha256", "diffie-hellman-group14-sha256"},
		ServerHostKeyAlgos:      []string{"ssh-ed25519"},
		CiphersClientServer:     []string{"aes128-ctr", "aes256-ctr"},
		CiphersServerClient:     []string{"aes128-ctr", "aes256-ctr"},
		MACsClientServer:        []string{"hmac-sha2-256"},
		MACsServerClient:        []string{"hmac-sha2-256"},
		CompressionClientServer: []string{"none"},
		CompressionServerClient: []string{"none"},
	}
	server := Algorithms{
		// Server only supports the client's second choice of KEX and
		// cipher; negotiation must still pick the client's first match.
		KexAlgos:                []string{"diffie-hellman-group14-sha256"},
		ServerHostKeyAlgos:      []string{"ssh-ed25519"},
		CiphersClientServer:     []string{"aes256-ctr"},
		CiphersServerClient:     []string{"aes256-ctr"},
		MACsClientServer:        []string{"hmac-sha2-256"},
		MACsServerClient:        []string{"hmac-sha2-256"},
		CompressionClientServer: []string{"none"},
		CompressionServerClient: []string{"none"},
	}

	n, err := Negotiate(client, server)
	if err != nil {
		t.Fatal(err)
	}
	if n.Kex != "diffie-hellman-group14-sha256" {
		t.Fatalf("got kex %q", n.Kex)
	}
	if n.CipherClientServer != "aes256-ctr" {
		t.Fatalf("got cipher %q", n.CipherClientServer)
	}
}

func TestNegotiateFailsWithNoCommonAlgorithm(t *testing.T) {
	client := Algorithms{KexAlgos: []string{"curve25519-sha256"}}
	server := Algorithms{KexAlgos: []string{"diffie-hellman-group14-sha256"}}

	_, err := Negotiate(client, server)
	nerr, ok := err.(*ErrNoCommonAlgorithm)
	if !ok {
		t.Fatalf("expected *ErrNoCommonAlgorithm, got %v (%T)", err, err)
	}
	if nerr.Category != "kex_algorithms" {
		t.Fatalf("got category %q", nerr.Category)
	}
}

func TestNegotiateEmptyLanguagesIsNotAnError(t *testing.T) {
	client := Default()
	server := Default()
	// Neither side offers a language, the common case.
	if _, err := Negotiate(client, server); err != nil {
		t.Fatalf("empty language lists should not fail negotiation: %v", err)
	}
}

func TestDefaultAlgorithmsNegotiateAgainstThemselves(t *testing.T) {
	a := Default()
	n, err := Negotiate(a, a)
	if err != nil {
		t.Fatal(err)
	}
	if n.Kex == "" || n.ServerHostKey == "" || n.CipherClientServer == "" || n.MACClientServer == "" {
		t.Fatalf("expected every category to resolve: %+v", n)
	}
}
