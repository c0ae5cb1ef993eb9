package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/mhekkel/pinch/wire"
)

// fakeTransport is a scriptable PacketTransport: each call to
// ReceivePacket returns the next entry in in, and every SendMessage call
// is recorded (marshaled) for later inspection.
type fakeTransport struct {
	in   [][]byte
	pos  int
	sent [][]byte
}

func (f *fakeTransport) SendMessage(msg interface{}) error {
	f.sent = append(f.sent, wire.Marshal(msg))
	return nil
}

func (f *fakeTransport) ReceivePacket() ([]byte, error) {
	if f.pos >= len(f.in) {
		return nil, errors.New("fakeTransport: no more packets scripted")
	}
	p := f.in[f.pos]
	f.pos++
	return p, nil
}

func marshalPacket(msg interface{}) []byte { return wire.Marshal(msg) }

func successPacket() []byte { return []byte{wire.MsgUserAuthSuccess} }

func newEd25519Signer(t *testing.T) Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return NewStaticSigner(sshSigner)
}

func TestAuthenticateSucceedsOnNoneProbe(t *testing.T) {
	ft := &fakeTransport{in: [][]byte{successPacket()}}
	if err := Authenticate(ft, []byte("session"), Config{User: "alice"}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if len(ft.sent) != 1 {
		t.Fatalf("expected exactly one outbound message (the none probe), got %d", len(ft.sent))
	}
}

func TestAuthenticatePublicKeySignsAfterProbeOK(t *testing.T) {
	signer := newEd25519Signer(t)
	pub := signer.PublicKey()

	ft := &fakeTransport{
		in: [][]byte{
			marshalPacket(&wire.UserAuthFailureMsg{Methods: []string{"publickey"}}),
			marshalPacket(&wire.UserAuthPubKeyOkMsg{Algo: pub.Type(), PubKey: pub.Marshal()}),
			successPacket(),
		},
	}

	err := Authenticate(ft, []byte("session-id"), Config{
		User:    "bob",
		Signers: []Signer{signer},
	})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if len(ft.sent) != 3 {
		t.Fatalf("expected none-probe + publickey-probe + signed-request, got %d messages", len(ft.sent))
	}

	// The final sent packet carries the signed publickey request; verify
	// the signature it contains validates against the expected signed
	// data, catching any regression in the session-id length-prefix or
	// the outer signature-string framing.
	final := ft.sent[2]
	r := wire.NewReader(final[1:])
	if _, err := r.ReadString(); err != nil { // user
		t.Fatal(err)
	}
	if _, err := r.ReadString(); err != nil { // service
		t.Fatal(err)
	}
	if _, err := r.ReadString(); err != nil { // method
		t.Fatal(err)
	}
	hasSig, err := r.ReadBool()
	if err != nil || !hasSig {
		t.Fatalf("expected signature flag true, err=%v", err)
	}
	algo, err := r.ReadString()
	if err != nil {
		t.Fatal(err)
	}
	blob, err := r.ReadString()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(blob, pub.Marshal()) {
		t.Fatal("public key blob in signed request does not match signer's key")
	}
	sigField, err := r.ReadString()
	if err != nil {
		t.Fatalf("reading outer-length-prefixed signature field: %v", err)
	}

	var sig ssh.Signature
	if err := ssh.Unmarshal(sigField, &sig); err != nil {
		t.Fatalf("signature field did not decode as an ssh.Signature: %v", err)
	}

	signedBody := wire.NewWriter(0)
	signedBody.WriteString("bob")
	signedBody.WriteString("ssh-connection")
	signedBody.WriteString("publickey")
	signedBody.WriteBool(true)
	signedBody.WriteString(string(algo))
	signedBody.WriteBytes(blob)

	expected := wire.NewWriter(0)
	expected.WriteBytes([]byte("session-id"))
	signData := append(expected.Bytes()[1:], signedBody.Bytes()[1:]...)

	if err := pub.Verify(signData, &sig); err != nil {
		t.Fatalf("signature does not verify over the expected signed data: %v", err)
	}
}

func TestAuthenticatePublicKeyProbeRejectedFallsThroughToPassword(t *testing.T) {
	signer := newEd25519Signer(t)
	ft := &fakeTransport{
		in: [][]byte{
			marshalPacket(&wire.UserAuthFailureMsg{Methods: []string{"publickey", "password"}}),
			marshalPacket(&wire.UserAuthFailureMsg{Methods: []string{"password"}}), // probe rejected
			successPacket(),
		},
	}

	calls := 0
	err := Authenticate(ft, []byte("session"), Config{
		User:    "carol",
		Signers: []Signer{signer},
		Password: func() (string, error) {
			calls++
			return "hunter2", nil
		},
	})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one password prompt, got %d", calls)
	}
}

func TestAuthenticateExhaustsRetryBudgetThenFails(t *testing.T) {
	in := [][]byte{marshalPacket(&wire.UserAuthFailureMsg{Methods: []string{"password"}})}
	for i := 0; i < MaxAttemptsPerMethod; i++ {
		in = append(in, marshalPacket(&wire.UserAuthFailureMsg{Methods: []string{"password"}}))
	}
	ft := &fakeTransport{in: in}

	calls := 0
	err := Authenticate(ft, []byte("session"), Config{
		User: "dave",
		Password: func() (string, error) {
			calls++
			return "wrong", nil
		},
	})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if calls != MaxAttemptsPerMethod {
		t.Fatalf("expected %d password attempts, got %d", MaxAttemptsPerMethod, calls)
	}
}

func TestAuthenticateStopsAtFirstSuccessfulPasswordAttempt(t *testing.T) {
	ft := &fakeTransport{
		in: [][]byte{
			marshalPacket(&wire.UserAuthFailureMsg{Methods: []string{"password"}}),
			marshalPacket(&wire.UserAuthFailureMsg{Methods: []string{"password"}}), // attempt 1 fails
			successPacket(),                                                        // attempt 2 succeeds
		},
	}
	calls := 0
	err := Authenticate(ft, []byte("session"), Config{
		User: "erin",
		Password: func() (string, error) {
			calls++
			return "try-again", nil
		},
	})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 password attempts, got %d", calls)
	}
}
