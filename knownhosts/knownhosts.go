// Package knownhosts adapts golang.org/x/crypto/ssh/knownhosts's
// OpenSSH-format host key database to pinch's HostKeyCallback shape, the
// production host-key verification policy that InsecureIgnoreHostKey
// deliberately bypasses for tests.
package knownhosts

import (
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
	xknownhosts "golang.org/x/crypto/ssh/knownhosts"

	"github.com/mhekkel/pinch"
)

// New builds a pinch.HostKeyCallback backed by the known_hosts files at
// paths, in the format ssh(1) and ssh-keygen(1) both read and write.
func New(paths ...string) (pinch.HostKeyCallback, error) {
	cb, err := xknownhosts.New(paths...)
	if err != nil {
		return nil, fmt.Errorf("knownhosts: loading %v: %w", paths, err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if _, _, err := net.SplitHostPort(hostname); err != nil {
			hostname = net.JoinHostPort(hostname, "22")
		}
		return cb(hostname, remote, key)
	}, nil
}

// IsHostKeyChanged reports whether err (as returned from a
// pinch.HostKeyCallback built by New) indicates the host key changed
// since it was last recorded, the condition that should never be
// silently ignored.
func IsHostKeyChanged(err error) bool {
	var keyErr *xknownhosts.KeyError
	if perr, ok := err.(*pinch.Error); ok {
		err = perr.Unwrap()
	}
	if !asKeyError(err, &keyErr) {
		return false
	}
	return len(keyErr.Want) > 0
}

// IsHostUnknown reports whether err indicates the host has no recorded
// key at all, as distinct from a key mismatch.
func IsHostUnknown(err error) bool {
	var keyErr *xknownhosts.KeyError
	if perr, ok := err.(*pinch.Error); ok {
		err = perr.Unwrap()
	}
	if !asKeyError(err, &keyErr) {
		return false
	}
	return len(keyErr.Want) == 0
}

func asKeyError(err error, target **xknownhosts.KeyError) bool {
	ke, ok := err.(*xknownhosts.KeyError)
	if !ok {
		return false
	}
	*target = ke
	return true
}

// Line formats a known_hosts entry for hostname/key the way
// ssh-keyscan(1) does, for callers that want to append a newly trusted
// key programmatically (e.g. on first connection, after prompting).
func Line(hostname string, key ssh.PublicKey) string {
	return xknownhosts.Line([]string{hostname}, key)
}
