package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/term"

	"github.com/mhekkel/pinch/auth"
)

// loadIdentitySigner prefers an identity already loaded in ssh-agent
// (matched by the identity file's public key) over reading the private
// key directly, keeping key material out of this process whenever
// possible; it falls back to the identity file, prompting for a
// passphrase if the key is encrypted.
func loadIdentitySigner(path string) (auth.Signer, error) {
	path = expandHome(path)

	pubBytes, err := os.ReadFile(path + ".pub")
	if err == nil {
		if pub, _, _, _, err := ssh.ParseAuthorizedKey(pubBytes); err == nil {
			if signer, ok := findAgentSigner(pub); ok {
				return signer, nil
			}
		}
	}

	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err == nil {
		return auth.NewStaticSigner(signer), nil
	}
	if _, ok := err.(*ssh.PassphraseMissingError); !ok {
		return nil, err
	}

	fmt.Printf("Enter passphrase for %s: ", path)
	pass, readErr := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if readErr != nil {
		return nil, readErr
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, pass)
	if err != nil {
		return nil, err
	}
	return auth.NewStaticSigner(signer), nil
}

func findAgentSigner(want ssh.PublicKey) (auth.Signer, bool) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, false
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, false
	}
	a := agent.NewClient(conn)
	signers, err := auth.AgentSigners(a)
	if err != nil {
		return nil, false
	}
	wantBlob := want.Marshal()
	for _, s := range signers {
		if string(s.PublicKey().Marshal()) == string(wantBlob) {
			return s, true
		}
	}
	return nil, false
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
