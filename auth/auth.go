// Package auth drives the SSH user authentication state machine of RFC
// 4252: method ordering, per-method retry budget, and the publickey
// probe/sign flow. It builds on golang.org/x/crypto/ssh's public-key
// types and golang.org/x/crypto/ssh/agent's Signer rather than
// reimplementing key parsing or signing.
package auth

import (
	"fmt"
	"slices"

	"golang.org/x/crypto/ssh"

	"github.com/mhekkel/pinch/wire"
)

// MaxAttemptsPerMethod bounds retries of a single method before the state
// machine moves on to the next one, per spec.md's "three attempts" rule
// for password and keyboard-interactive; for publickey it bounds how many
// signers are tried.
const MaxAttemptsPerMethod = 3

// Signer produces an SSH signature over data using one public key.
// AgentSigner adapts an ssh-agent identity and StaticSigner an in-process
// ssh.Signer to this shape. Passing an agent-backed signer keeps private
// key material out of this process entirely.
type Signer interface {
	PublicKey() ssh.PublicKey
	Sign(data []byte) (*ssh.Signature, error)
}

// KeyboardInteractiveChallenge is the callback shape for answering
// keyboard-interactive prompts, mirroring ssh.KeyboardInteractiveChallenge.
type KeyboardInteractiveChallenge func(name, instruction string, questions []string, echos []bool) (answers []string, err error)

// Config describes the credentials and callbacks available to try, in
// the order they should be attempted: publickey, then
// keyboard-interactive, then password (spec.md §5's fixed method order).
type Config struct {
	User string

	Signers []Signer // publickey candidates, tried in order

	KeyboardInteractive KeyboardInteractiveChallenge

	Password func() (string, error) // called at most MaxAttemptsPerMethod times
}

// PacketTransport is the minimal send/receive surface the state machine
// needs from the connection; pinch.Conn implements it.
type PacketTransport interface {
	SendMessage(msg interface{}) error
	ReceivePacket() ([]byte, error)
}

// ErrAuthFailed is returned once every configured method has been
// exhausted without a USERAUTH_SUCCESS.
var ErrAuthFailed = fmt.Errorf("auth: all authentication methods exhausted")

// Authenticate drives the method state machine to completion: it learns
// the server's method list from a "none" request, then tries each
// configured credential whose method is on that list, in the fixed order
// publickey → keyboard-interactive → password, until one succeeds or all
// are exhausted. The method lists and partial-success flags of later
// USERAUTH_FAILURE replies are not consulted.
func Authenticate(t PacketTransport, sessionID []byte, cfg Config) error {
	// Prime the method list with a "none" request, which RFC 4252 §5.2
	// permits purely to learn which methods the server will accept.
	if err := t.SendMessage(&wire.UserAuthRequestMsg{
		User:    cfg.User,
		Service: "ssh-connection",
		Method:  "none",
	}); err != nil {
		return err
	}
	allowed, err := nextFailureOrSuccess(t)
	if err != nil {
		return err
	}
	if allowed == nil {
		return nil // server accepted "none"
	}

	for i, signer := range cfg.Signers {
		if i >= MaxAttemptsPerMethod || !slices.Contains(allowed, "publickey") {
			break
		}
		ok, err := tryPublicKey(t, sessionID, cfg.User, signer)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	if cfg.KeyboardInteractive != nil && slices.Contains(allowed, "keyboard-interactive") {
		for attempt := 0; attempt < MaxAttemptsPerMethod; attempt++ {
			ok, err := tryKeyboardInteractive(t, cfg.User, cfg.KeyboardInteractive)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}

	if cfg.Password != nil && slices.Contains(allowed, "password") {
		for attempt := 0; attempt < MaxAttemptsPerMethod; attempt++ {
			password, err := cfg.Password()
			if err != nil {
				return err
			}
			ok, err := tryPassword(t, cfg.User, password)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}

	return ErrAuthFailed
}

// nextFailureOrSuccess reads one packet and returns the server's
// "methods that can continue" list from a USERAUTH_FAILURE, or nil if
// the server instead sent USERAUTH_SUCCESS.
func nextFailureOrSuccess(t PacketTransport) ([]string, error) {
	for {
		packet, err := t.ReceivePacket()
		if err != nil {
			return nil, err
		}
		switch packet[0] {
		case wire.MsgUserAuthSuccess:
			return nil, nil
		case wire.MsgUserAuthFailure:
			var m wire.UserAuthFailureMsg
			if err := wire.Unmarshal(&m, packet); err != nil {
				return nil, err
			}
			return m.Methods, nil
		case wire.MsgUserAuthBanner:
			continue // display banners and keep waiting, per RFC 4252 §5.4
		default:
			return nil, fmt.Errorf("auth: unexpected message %s during authentication", wire.MsgName(packet[0]))
		}
	}
}

func tryPassword(t PacketTransport, user, password string) (bool, error) {
	payload := wire.NewWriter(0)
	payload.WriteBool(false)
	payload.WriteString(password)
	if err := t.SendMessage(&wire.UserAuthRequestMsg{
		User:    user,
		Service: "ssh-connection",
		Method:  "password",
		Payload: payload.Bytes()[1:],
	}); err != nil {
		return false, err
	}
	methods, err := nextFailureOrSuccess(t)
	if err != nil {
		return false, err
	}
	return methods == nil, nil
}

func tryKeyboardInteractive(t PacketTransport, user string, challenge KeyboardInteractiveChallenge) (bool, error) {
	payload := wire.NewWriter(0)
	payload.WriteString("")
	payload.WriteString("")
	if err := t.SendMessage(&wire.UserAuthRequestMsg{
		User:    user,
		Service: "ssh-connection",
		Method:  "keyboard-interactive",
		Payload: payload.Bytes()[1:],
	}); err != nil {
		return false, err
	}

	for {
		packet, err := t.ReceivePacket()
		if err != nil {
			return false, err
		}
		switch packet[0] {
		case wire.MsgUserAuthSuccess:
			return true, nil
		case wire.MsgUserAuthFailure:
			var m wire.UserAuthFailureMsg
			if err := wire.Unmarshal(&m, packet); err != nil {
				return false, err
			}
			return false, nil
		case wire.MsgUserAuthBanner:
			continue
		case wire.MsgUserAuthInfoRequest:
			var req wire.UserAuthInfoRequestMsg
			if err := wire.Unmarshal(&req, packet); err != nil {
				return false, err
			}
			questions, echos, err := parsePrompts(req.NumPrompts, req.Prompts)
			if err != nil {
				return false, err
			}
			answers, err := challenge(req.Name, req.Instruction, questions, echos)
			if err != nil {
				return false, err
			}
			resp := wire.NewWriter(0)
			resp.WriteUint32(uint32(len(answers)))
			for _, a := range answers {
				resp.WriteString(a)
			}
			if err := t.SendMessage(&wire.UserAuthInfoResponseMsg{
				NumResponses: uint32(len(answers)),
				Responses:    resp.Bytes()[5:],
			}); err != nil {
				return false, err
			}
		default:
			return false, fmt.Errorf("auth: unexpected message %s during keyboard-interactive", wire.MsgName(packet[0]))
		}
	}
}

// parsePrompts decodes the prompt/echo pairs packed into
// UserAuthInfoRequestMsg.Prompts (each a length-prefixed string followed
// by a single echo boolean byte).
func parsePrompts(n uint32, raw []byte) (questions []string, echos []bool, err error) {
	r := wire.NewReader(raw)
	for i := uint32(0); i < n; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, nil, err
		}
		echo, err := r.ReadBool()
		if err != nil {
			return nil, nil, err
		}
		questions = append(questions, string(s))
		echos = append(echos, echo)
	}
	return questions, echos, nil
}

// tryPublicKey runs the probe-then-sign flow of RFC 4252 §7: first ask
// whether the server would accept this key at all (signature field
// false), and only compute and send a signature if so.
func tryPublicKey(t PacketTransport, sessionID []byte, user string, signer Signer) (bool, error) {
	pub := signer.PublicKey()
	algo := pub.Type()
	blob := pub.Marshal()

	probe := wire.NewWriter(0)
	probe.WriteBool(false)
	probe.WriteString(algo)
	probe.WriteBytes(blob)
	if err := t.SendMessage(&wire.UserAuthRequestMsg{
		User:    user,
		Service: "ssh-connection",
		Method:  "publickey",
		Payload: probe.Bytes()[1:],
	}); err != nil {
		return false, err
	}

	packet, err := t.ReceivePacket()
	if err != nil {
		return false, err
	}
	switch packet[0] {
	case wire.MsgUserAuthBanner:
		packet, err = t.ReceivePacket()
		if err != nil {
			return false, err
		}
	}
	switch packet[0] {
	case wire.MsgUserAuthFailure:
		return false, nil
	case wire.MsgUserAuthPubKeyOk:
		// message number 60, disambiguated from a keyboard-interactive
		// info-request by the fact this side is mid publickey-probe.
	default:
		return false, fmt.Errorf("auth: unexpected message %s during publickey probe", wire.MsgName(packet[0]))
	}

	signedBody := wire.NewWriter(0)
	signedBody.WriteString(user)
	signedBody.WriteString("ssh-connection")
	signedBody.WriteString("publickey")
	signedBody.WriteBool(true)
	signedBody.WriteString(algo)
	signedBody.WriteBytes(blob)
	bodyBytes := signedBody.Bytes()[1:]

	toSign := wire.NewWriter(0)
	toSign.WriteBytes(sessionID)
	// toSign.Bytes() is [type byte][4-byte length][sessionID]; RFC 4252 §7
	// signs the session identifier as a length-prefixed string, so only the
	// synthetic type byte is stripped, not the length.
	signData := append(toSign.Bytes()[1:], bodyBytes...)

	sig, err := signer.Sign(signData)
	if err != nil {
		return false, err
	}
	// ssh.Marshal(sig) yields the signature blob (string format-name +
	// string blob) per RFC 4253 §6.6; RFC 4252 §7's publickey request
	// wraps that whole blob in one more length-prefixed string.
	sigField := ssh.Marshal(sig)

	final := wire.NewWriter(0)
	final.WriteBool(true)
	final.WriteString(algo)
	final.WriteBytes(blob)
	final.WriteBytes(sigField)

	if err := t.SendMessage(&wire.UserAuthRequestMsg{
		User:    user,
		Service: "ssh-connection",
		Method:  "publickey",
		Payload: final.Bytes()[1:],
	}); err != nil {
		return false, err
	}

	methods, err := nextFailureOrSuccess(t)
	if err != nil {
		return false, err
	}
	return methods == nil, nil
}
