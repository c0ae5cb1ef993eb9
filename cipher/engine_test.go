package cipher

import (
	"bytes"
	"testing"
)

func testKeys(cipherName, macName, compression string) Keys {
	return Keys{
		ClientToServer: DirectionKeys{
			Cipher:      cipherName,
			MAC:         macName,
			Compression: compression,
			Key:         make([]byte, must(KeySize(cipherName))),
			IV:          make([]byte, must(IVSize(cipherName))),
			MACKey:      make([]byte, must(MACSize(macName))),
		},
		ServerToClient: DirectionKeys{
			Cipher:      cipherName,
			MAC:         macName,
			Compression: compression,
			Key:         bytes.Repeat([]byte{0x01}, must(KeySize(cipherName))),
			IV:          bytes.Repeat([]byte{0x02}, must(IVSize(cipherName))),
			MACKey:      bytes.Repeat([]byte{0x03}, must(MACSize(macName))),
		},
	}
}

func must(n int, err error) int {
	if err != nil {
		panic(err)
	}
	return n
}

func TestEngineRoundTripAllCiphers(t *testing.T) {
	for _, cipherName := range PreferredCiphers {
		for _, macName := range PreferredMACs {
			t.Run(cipherName+"/"+macName, func(t *testing.T) {
				keys := testKeys(cipherName, macName, "none")

				client, err := NewEngine(keys, true, false)
				if err != nil {
					t.Fatal(err)
				}
				server, err := NewEngine(keys, false, false)
				if err != nil {
					t.Fatal(err)
				}

				var wire bytes.Buffer
				payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
				if err := client.SendPacket(&wire, payload); err != nil {
					t.Fatalf("send: %v", err)
				}
				got, err := server.ReadPacket(&wire)
				if err != nil {
					t.Fatalf("read: %v", err)
				}
				if !bytes.Equal(got, payload) {
					t.Fatalf("got %v, want %v", got, payload)
				}
			})
		}
	}
}

func TestEngineMultiplePacketsAdvanceSequence(t *testing.T) {
	keys := testKeys("aes128-ctr", "hmac-sha2-256", "none")
	client, _ := NewEngine(keys, true, false)
	server, _ := NewEngine(keys, false, false)

	var wire bytes.Buffer
	for i := 0; i < 5; i++ {
		payload := []byte{byte(i), byte(i + 1)}
		if err := client.SendPacket(&wire, payload); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		got, err := server.ReadPacket(&wire)
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		want := []byte{byte(i), byte(i + 1)}
		if !bytes.Equal(got, want) {
			t.Fatalf("packet %d: got %v, want %v", i, got, want)
		}
	}
}

func TestEngineRejectsTamperedCiphertext(t *testing.T) {
	keys := testKeys("aes128-ctr", "hmac-sha2-256", "none")
	client, _ := NewEngine(keys, true, false)
	server, _ := NewEngine(keys, false, false)

	var wire bytes.Buffer
	if err := client.SendPacket(&wire, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	tampered := wire.Bytes()
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := server.ReadPacket(bytes.NewReader(tampered)); err == nil {
		t.Fatal("expected MAC verification failure on tampered packet")
	}
}

func TestEngineDelayedCompressionActivation(t *testing.T) {
	keys := testKeys("aes128-ctr", "hmac-sha2-256", "zlib@openssh.com")
	client, _ := NewEngine(keys, true, true)
	server, _ := NewEngine(keys, false, true)

	// Before activation, delayed zlib@openssh.com behaves like "none":
	// a large, highly compressible payload round-trips but does not shrink.
	payload := bytes.Repeat([]byte{0}, 5000)
	var wire bytes.Buffer
	if err := client.SendPacket(&wire, payload); err != nil {
		t.Fatal(err)
	}
	if wire.Len() < len(payload) {
		t.Fatal("expected no compression before delayed activation")
	}
	got, err := server.ReadPacket(&wire)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch before activation")
	}

	client.EnableDelayedCompression()
	server.EnableDelayedCompression()

	wire.Reset()
	if err := client.SendPacket(&wire, payload); err != nil {
		t.Fatal(err)
	}
	if wire.Len() >= len(payload) {
		t.Fatal("expected compression to shrink payload after activation")
	}
	got, err = server.ReadPacket(&wire)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch after activation")
	}
}

func TestPlaintextEngineRoundTrip(t *testing.T) {
	client := PlaintextEngine()
	server := PlaintextEngine()

	var wire bytes.Buffer
	payload := []byte{20} // e.g. a bare KEXINIT type byte plus fields in practice
	if err := client.SendPacket(&wire, payload); err != nil {
		t.Fatal(err)
	}
	got, err := server.ReadPacket(&wire)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %v, want %v", got, payload)
	}
}

func TestRekeyPreservesSequenceNumber(t *testing.T) {
	keys := testKeys("aes128-ctr", "hmac-sha2-256", "none")
	client, _ := NewEngine(keys, true, false)
	server, _ := NewEngine(keys, false, false)

	var wire bytes.Buffer
	if err := client.SendPacket(&wire, []byte("before rekey")); err != nil {
		t.Fatal(err)
	}
	if _, err := server.ReadPacket(&wire); err != nil {
		t.Fatal(err)
	}
	if client.out.seq != 1 || server.in.seq != 1 {
		t.Fatalf("expected sequence 1 before rekey, got client=%d server=%d", client.out.seq, server.in.seq)
	}

	newKeys := testKeys("aes256-ctr", "hmac-sha2-512", "none")
	if err := client.RekeyOut(newKeys.ClientToServer, false); err != nil {
		t.Fatal(err)
	}
	if err := server.RekeyIn(newKeys.ClientToServer, false); err != nil {
		t.Fatal(err)
	}
	if client.out.seq != 1 || server.in.seq != 1 {
		t.Fatal("rekey must preserve the running sequence number")
	}

	if err := client.SendPacket(&wire, []byte("after rekey")); err != nil {
		t.Fatal(err)
	}
	got, err := server.ReadPacket(&wire)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "after rekey" {
		t.Fatalf("got %q", got)
	}
}
