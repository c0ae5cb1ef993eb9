// Package pinch is a client implementation of the SSH-2 transport,
// authentication and connection protocols (RFC 4253/4252/4254): a
// packet codec and crypto engine (wire, cipher), key exchange (kex),
// user authentication (auth), and the connection state machine and
// channel multiplexer in this package.
package pinch

import (
	"bytes"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/mhekkel/pinch/auth"
	"github.com/mhekkel/pinch/cipher"
	"github.com/mhekkel/pinch/kex"
	"github.com/mhekkel/pinch/wire"
)

// DefaultClientVersion is sent as this side's version string unless
// ClientConfig.ClientVersion overrides it.
const DefaultClientVersion = "SSH-2.0-pinch_1.0"

// HostKeyCallback verifies the server's host key, e.g. against a
// knownhosts database. Returning an error aborts the handshake with a
// KindHostKey Error.
type HostKeyCallback func(hostname string, remote net.Addr, key ssh.PublicKey) error

// InsecureIgnoreHostKey accepts any host key. It exists for tests and
// throwaway connections; production callers should use the knownhosts
// sub-package instead.
func InsecureIgnoreHostKey() HostKeyCallback {
	return func(string, net.Addr, ssh.PublicKey) error { return nil }
}

// ClientConfig configures Dial.
type ClientConfig struct {
	User string
	Auth auth.Config

	HostKeyCallback HostKeyCallback

	ClientVersion string
	Timeout       time.Duration

	// KeepAliveInterval, if non-zero, sends a GLOBAL_REQUEST keepalive with
	// want_reply set on this schedule. Any reply, success or failure,
	// counts as a live peer; a request that cannot be sent closes the
	// connection. No timeout is applied while awaiting the reply.
	KeepAliveInterval time.Duration

	Logger *slog.Logger
}

// Conn is one established, authenticated SSH connection.
type Conn struct {
	conn   net.Conn
	cfg    *ClientConfig
	logger *slog.Logger

	engine    *cipher.Engine
	sessionID []byte
	hostname  string

	clientVersion []byte
	serverVersion []byte

	writeMu sync.Mutex

	chMu       sync.Mutex
	channels   map[uint32]*Channel
	nextChanID uint32

	globalMu      sync.Mutex
	globalReplies chan globalReply

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

type globalReply struct {
	ok   bool
	data []byte
}

// Dial connects to addr, completes the version exchange, key exchange,
// host key verification and user authentication, and returns a ready
// Conn with its channel-dispatch loop already running.
func Dial(network, addr string, config *ClientConfig) (*Conn, error) {
	d := net.Dialer{Timeout: config.Timeout}
	nc, err := d.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	c, err := NewClientConn(nc, addr, config)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// NewClientConn runs the client handshake over an already-connected
// net.Conn, so callers can supply a tunneled or proxied transport (see
// DialProxied and DialProxyCommand).
func NewClientConn(nc net.Conn, hostname string, config *ClientConfig) (*Conn, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Conn{
		conn:          nc,
		cfg:           config,
		logger:        logger,
		hostname:      hostname,
		channels:      make(map[uint32]*Channel),
		closed:        make(chan struct{}),
		globalReplies: make(chan globalReply, 1),
	}

	if err := c.exchangeVersions(); err != nil {
		c.conn.Close()
		return nil, wrapErr(KindProtocol, err)
	}

	c.engine = cipher.PlaintextEngine()
	if err := c.performKeyExchange(hostname, true); err != nil {
		c.conn.Close()
		return nil, err
	}

	if err := c.sendMessage(&wire.ServiceRequestMsg{Service: "ssh-userauth"}); err != nil {
		c.conn.Close()
		return nil, wrapErr(KindProtocol, err)
	}
	packet, err := c.engine.ReadPacket(c.conn)
	if err != nil {
		c.conn.Close()
		return nil, wrapErr(KindProtocol, err)
	}
	if len(packet) == 0 || packet[0] != wire.MsgServiceAccept {
		c.conn.Close()
		return nil, wrapErr(KindProtocol, fmt.Errorf("expected SERVICE_ACCEPT, got %s", wire.MsgName(packet[0])))
	}

	if err := auth.Authenticate(c, c.sessionID, config.Auth); err != nil {
		c.conn.Close()
		kind := KindNotAuthenticated
		if errors.Is(err, auth.ErrAuthFailed) {
			kind = KindNoMoreAuthMethods
		}
		return nil, wrapErr(kind, err)
	}
	c.engine.EnableDelayedCompression()

	go c.loop()
	if config.KeepAliveInterval > 0 {
		go c.keepAliveLoop(config.KeepAliveInterval)
	}

	return c, nil
}

func (c *Conn) exchangeVersions() error {
	version := c.cfg.ClientVersion
	if version == "" {
		version = DefaultClientVersion
	}
	c.clientVersion = []byte(version)
	if _, err := c.conn.Write([]byte(version + "\r\n")); err != nil {
		return err
	}

	var line []byte
	b := make([]byte, 1)
	for {
		if _, err := io.ReadFull(c.conn, b); err != nil {
			return err
		}
		if b[0] == '\n' {
			break
		}
		line = append(line, b[0])
	}
	c.serverVersion = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(c.serverVersion, []byte("SSH-2.0-")) && !bytes.HasPrefix(c.serverVersion, []byte("SSH-1.99-")) {
		return wrapErr(KindProtocolVersion, fmt.Errorf("unsupported server protocol version %q", c.serverVersion))
	}
	return nil
}

// performKeyExchange runs the initial key exchange: KEXINIT exchange,
// algorithm negotiation, the chosen Method, host key verification, key
// derivation and NEWKEYS. It fixes c.sessionID, which then stays for the
// life of the connection across any later rekey.
func (c *Conn) performKeyExchange(hostname string, first bool) error {
	ourPayload, ourAlgos, err := c.sendKexInit()
	if err != nil {
		return err
	}
	peerPayload, err := c.engine.ReadPacket(c.conn)
	if err != nil {
		return err
	}
	return c.completeKeyExchange(hostname, first, ourPayload, ourAlgos, peerPayload)
}

// rekey runs a mid-session key re-exchange triggered by a peer-initiated
// KEXINIT that Conn.dispatch has already read off the wire as
// peerPayload, per RFC 4253 §9's "either party may initiate a rekey."
// sessionID is left untouched; only the active cipher/MAC/compression
// state is replaced, with sequence numbers carried across unchanged.
func (c *Conn) rekey(peerPayload []byte) error {
	ourPayload, ourAlgos, err := c.sendKexInit()
	if err != nil {
		return err
	}
	return c.completeKeyExchange(c.hostname, false, ourPayload, ourAlgos, peerPayload)
}

// sendKexInit builds and sends this side's KEXINIT, returning the exact
// marshaled payload (needed verbatim by the exchange hash) alongside the
// algorithm lists it advertised.
func (c *Conn) sendKexInit() ([]byte, kex.Algorithms, error) {
	ourAlgos := kex.Default()
	ourInit := &wire.KexInitMsg{
		KexAlgos:                ourAlgos.KexAlgos,
		ServerHostKeyAlgos:      ourAlgos.ServerHostKeyAlgos,
		CiphersClientServer:     ourAlgos.CiphersClientServer,
		CiphersServerClient:     ourAlgos.CiphersServerClient,
		MACsClientServer:        ourAlgos.MACsClientServer,
		MACsServerClient:        ourAlgos.MACsServerClient,
		CompressionClientServer: ourAlgos.CompressionClientServer,
		CompressionServerClient: ourAlgos.CompressionServerClient,
	}
	if _, err := readRandom(ourInit.Cookie[:]); err != nil {
		return nil, kex.Algorithms{}, err
	}
	ourPayload := wire.Marshal(ourInit)
	if err := c.engine.SendPacket(c.conn, ourPayload); err != nil {
		return nil, kex.Algorithms{}, err
	}
	return ourPayload, ourAlgos, nil
}

// completeKeyExchange runs everything from algorithm negotiation through
// NEWKEYS, given both sides' already-exchanged KEXINIT payloads.
func (c *Conn) completeKeyExchange(hostname string, first bool, ourPayload []byte, ourAlgos kex.Algorithms, peerPayload []byte) error {
	var peerInit wire.KexInitMsg
	if err := wire.Unmarshal(&peerInit, peerPayload); err != nil {
		return err
	}
	peerAlgos := kex.Algorithms{
		KexAlgos:                peerInit.KexAlgos,
		ServerHostKeyAlgos:      peerInit.ServerHostKeyAlgos,
		CiphersClientServer:     peerInit.CiphersClientServer,
		CiphersServerClient:     peerInit.CiphersServerClient,
		MACsClientServer:        peerInit.MACsClientServer,
		MACsServerClient:        peerInit.MACsServerClient,
		CompressionClientServer: peerInit.CompressionClientServer,
		CompressionServerClient: peerInit.CompressionServerClient,
	}

	negotiated, err := kex.Negotiate(ourAlgos, peerAlgos)
	if err != nil {
		return wrapErr(KindKex, err)
	}

	method, err := kex.NewMethod(negotiated.Kex)
	if err != nil {
		return wrapErr(KindKex, err)
	}

	ourPublic, err := method.GeneratePublic()
	if err != nil {
		return wrapErr(KindKex, err)
	}

	isECDH := negotiated.Kex != "diffie-hellman-group14-sha256"
	if isECDH {
		if err := c.sendMessage(&wire.KexECDHInitMsg{ClientPubKey: ourPublic}); err != nil {
			return err
		}
	} else {
		if err := c.sendMessage(&wire.KexDHInitMsg{X: new(big.Int).SetBytes(ourPublic)}); err != nil {
			return err
		}
	}

	replyPayload, err := c.engine.ReadPacket(c.conn)
	if err != nil {
		return err
	}

	var hostKeyBlob, peerPublic, sigBlob []byte
	if isECDH {
		var reply wire.KexECDHReplyMsg
		if err := wire.Unmarshal(&reply, replyPayload); err != nil {
			return err
		}
		hostKeyBlob, peerPublic, sigBlob = reply.HostKey, reply.EphemeralPubKey, reply.Signature
	} else {
		var reply wire.KexDHReplyMsg
		if err := wire.Unmarshal(&reply, replyPayload); err != nil {
			return err
		}
		hostKeyBlob, sigBlob = reply.HostKey, reply.Signature
		peerPublic = wire.NewWriter(0).WriteMPInt(reply.Y).Bytes()[5:] // mpint body, the same form as ourPublic
	}

	hostKey, err := ssh.ParsePublicKey(hostKeyBlob)
	if err != nil {
		return wrapErr(KindHostKey, err)
	}

	result, err := method.FinishWithPeerPublic(peerPublic)
	if err != nil {
		return wrapErr(KindKex, err)
	}

	exchangeHash := kex.ComputeExchangeHash(sha256.New, kex.ExchangeHashInputs{
		ClientVersion:   c.clientVersion,
		ServerVersion:   c.serverVersion,
		ClientKexInit:   ourPayload,
		ServerKexInit:   peerPayload,
		HostKey:         hostKeyBlob,
		ClientPublic:    ourPublic,
		ServerPublic:    peerPublic,
		SharedSecretMPI: result.SharedSecret,
	})

	if err := hostKey.Verify(exchangeHash, parseSignature(sigBlob)); err != nil {
		return wrapErr(KindHostKey, fmt.Errorf("host key signature verification failed: %w", err))
	}
	if c.cfg.HostKeyCallback != nil {
		if err := c.cfg.HostKeyCallback(hostname, c.conn.RemoteAddr(), hostKey); err != nil {
			return wrapErr(KindHostKey, err)
		}
	}

	if first {
		c.sessionID = exchangeHash
	}

	keys, err := kex.DeriveKeys(negotiated, result.SharedSecret, exchangeHash, c.sessionID)
	if err != nil {
		return wrapErr(KindKex, err)
	}

	if err := c.engine.SendPacket(c.conn, []byte{wire.MsgNewKeys}); err != nil {
		return err
	}
	if first {
		newEngine, err := cipher.NewEngine(keys, true, true)
		if err != nil {
			return wrapErr(KindKex, err)
		}
		c.engine = newEngine
	} else {
		if err := c.engine.RekeyOut(keys.ClientToServer, false); err != nil {
			return wrapErr(KindKex, err)
		}
	}

	newKeysPayload, err := c.engine.ReadPacket(c.conn)
	if err != nil {
		return err
	}
	if len(newKeysPayload) == 0 || newKeysPayload[0] != wire.MsgNewKeys {
		return wrapErr(KindProtocol, fmt.Errorf("expected NEWKEYS, got %s", wire.MsgName(newKeysPayload[0])))
	}
	if !first {
		if err := c.engine.RekeyIn(keys.ServerToClient, false); err != nil {
			return wrapErr(KindKex, err)
		}
	}

	return nil
}

func parseSignature(blob []byte) *ssh.Signature {
	r := wire.NewReader(blob)
	format, _ := r.ReadString()
	sig, _ := r.ReadString()
	return &ssh.Signature{Format: string(format), Blob: sig}
}

// sendMessage marshals and sends a wire message struct.
func (c *Conn) sendMessage(msg interface{}) error {
	return c.SendMessage(msg)
}

// SendMessage marshals msg and sends it as one framed packet. It
// implements auth.PacketTransport.
func (c *Conn) SendMessage(msg interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.engine.SendPacket(c.conn, wire.Marshal(msg))
}

// ReceivePacket reads one packet directly off the wire. It is only safe
// to call before the dispatch loop has started (i.e. during the
// handshake and authentication phases); afterward the loop owns reads.
// It implements auth.PacketTransport.
func (c *Conn) ReceivePacket() ([]byte, error) {
	return c.engine.ReadPacket(c.conn)
}

// Close tears down the underlying connection and every open channel.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.chMu.Lock()
		for _, ch := range c.channels {
			ch.closeLocally(errors.New("connection closed"))
		}
		c.chMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Done returns a channel closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) keepAliveLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-t.C:
			if err := c.SendGlobalRequest("keepalive@pinch", true); err != nil && !errors.Is(err, errGlobalRequestFailed) {
				c.logger.Warn("keepalive failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

// errGlobalRequestFailed marks a REQUEST_FAILURE reply from the peer.
var errGlobalRequestFailed = errors.New("refused by peer")

// SendGlobalRequest sends a GLOBAL_REQUEST and, if wantReply, blocks for
// the matching REQUEST_SUCCESS/REQUEST_FAILURE.
func (c *Conn) SendGlobalRequest(requestType string, wantReply bool) error {
	if err := c.SendMessage(&wire.GlobalRequestMsg{Type: requestType, WantReply: wantReply}); err != nil {
		return err
	}
	if !wantReply {
		return nil
	}
	select {
	case reply := <-c.globalReplies:
		if !reply.ok {
			return fmt.Errorf("pinch: global request %q failed: %w", requestType, errGlobalRequestFailed)
		}
		return nil
	case <-c.closed:
		return errors.New("pinch: connection closed while awaiting global request reply")
	}
}

func readRandom(b []byte) (int, error) {
	return io.ReadFull(cryptorand.Reader, b)
}
