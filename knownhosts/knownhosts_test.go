package knownhosts

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func genKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return sshPub
}

type stubAddr struct{}

func (stubAddr) Network() string { return "tcp" }
func (stubAddr) String() string  { return "203.0.113.1:22" }

func writeKnownHosts(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	var content string
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewAcceptsAMatchingRecordedKey(t *testing.T) {
	key := genKey(t)
	path := writeKnownHosts(t, Line("example.com", key))

	cb, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cb("example.com", stubAddr{}, key); err != nil {
		t.Fatalf("callback rejected the recorded key: %v", err)
	}
}

func TestNewRejectsAnUnknownHost(t *testing.T) {
	recorded := genKey(t)
	path := writeKnownHosts(t, Line("example.com", recorded))

	cb, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	other := genKey(t)
	err = cb("unknown.example", stubAddr{}, other)
	if err == nil {
		t.Fatal("callback accepted a host with no recorded entry")
	}
	if !IsHostUnknown(err) {
		t.Fatalf("IsHostUnknown(%v) = false, want true", err)
	}
	if IsHostKeyChanged(err) {
		t.Fatalf("IsHostKeyChanged(%v) = true, want false", err)
	}
}

func TestNewRejectsAChangedHostKey(t *testing.T) {
	recorded := genKey(t)
	path := writeKnownHosts(t, Line("example.com", recorded))

	cb, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	changed := genKey(t)
	err = cb("example.com", stubAddr{}, changed)
	if err == nil {
		t.Fatal("callback accepted a key that does not match the recorded one")
	}
	if !IsHostKeyChanged(err) {
		t.Fatalf("IsHostKeyChanged(%v) = false, want true", err)
	}
	if IsHostUnknown(err) {
		t.Fatalf("IsHostUnknown(%v) = true, want false", err)
	}
}

func TestNewReturnsErrorForMissingFile(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Fatal("New succeeded loading a nonexistent known_hosts file")
	}
}

func TestLineRoundTripsThroughNew(t *testing.T) {
	key := genKey(t)
	line := Line("host.example", key)
	if line == "" {
		t.Fatal("Line returned an empty string")
	}

	path := writeKnownHosts(t, line)
	cb, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cb("host.example", stubAddr{}, key); err != nil {
		t.Fatalf("callback rejected a key recorded via Line: %v", err)
	}
}

var _ net.Addr = stubAddr{}
