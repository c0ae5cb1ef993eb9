package auth

import (
	"fmt"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentSigner adapts one identity held by an ssh-agent (reached over
// agent.Agent, per RFC 4252's "publickey with an external signer" model
// and golang.org/x/crypto/ssh/agent's wire client) to the Signer
// interface the publickey auth flow uses. Private key material never
// enters this process; every Sign call is a round trip to the agent.
type AgentSigner struct {
	agent agent.Agent
	key   ssh.PublicKey
}

// AgentSigners returns one AgentSigner per identity currently loaded in
// a (typically agent.NewClient over a net.Conn dialed to
// os.Getenv("SSH_AUTH_SOCK")).
func AgentSigners(a agent.Agent) ([]Signer, error) {
	keys, err := a.List()
	if err != nil {
		return nil, fmt.Errorf("auth: listing agent identities: %w", err)
	}
	signers := make([]Signer, 0, len(keys))
	for _, k := range keys {
		pub, err := ssh.ParsePublicKey(k.Marshal())
		if err != nil {
			return nil, fmt.Errorf("auth: parsing agent identity %q: %w", k.Comment, err)
		}
		signers = append(signers, &AgentSigner{agent: a, key: pub})
	}
	return signers, nil
}

func (s *AgentSigner) PublicKey() ssh.PublicKey { return s.key }

func (s *AgentSigner) Sign(data []byte) (*ssh.Signature, error) {
	return s.agent.Sign(s.key, data)
}

// StaticSigner adapts a locally held ssh.Signer (e.g. one returned by
// ssh.ParsePrivateKey) to the Signer interface, for callers that
// deliberately keep the key in process memory instead of using an agent.
type StaticSigner struct {
	signer ssh.Signer
}

// NewStaticSigner wraps signer.
func NewStaticSigner(signer ssh.Signer) *StaticSigner {
	return &StaticSigner{signer: signer}
}

func (s *StaticSigner) PublicKey() ssh.PublicKey { return s.signer.PublicKey() }

func (s *StaticSigner) Sign(data []byte) (*ssh.Signature, error) {
	return s.signer.Sign(nil, data)
}
