package pinch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mhekkel/pinch/wire"
)

// InitialWindowSize and MaxPacketSize bound the flow-control window and
// per-message size this side advertises when opening a channel, per
// spec.md's channel-multiplexer component.
const (
	InitialWindowSize = 4 * MaxPacketSize // 128 KiB
	MaxPacketSize     = 1 << 15
	windowRefillAt    = InitialWindowSize / 2
)

// Channel is one RFC 4254 logical channel multiplexed over a Conn.
type Channel struct {
	conn   *Conn
	id     uint32
	peerID uint32

	peerMaxPacketSize uint32

	readMu    sync.Mutex
	readBuf   bytes.Buffer
	readCond  *sync.Cond
	readEOF   bool
	readErr   error
	myWindow  uint32

	extReadMu   sync.Mutex
	extReadBuf  bytes.Buffer
	extReadCond *sync.Cond

	writeMu    sync.Mutex
	peerWindow uint32
	windowCond *sync.Cond

	closeOnce sync.Once
	closedCh  chan struct{}

	closeMu   sync.Mutex
	closeSent bool

	openResult chan error

	requestReplies chan bool
}

func newChannel(c *Conn, id uint32) *Channel {
	ch := &Channel{
		conn:           c,
		id:             id,
		myWindow:       InitialWindowSize,
		closedCh:       make(chan struct{}),
		openResult:     make(chan error, 1),
		requestReplies: make(chan bool, 16),
	}
	ch.readCond = sync.NewCond(&ch.readMu)
	ch.extReadCond = sync.NewCond(&ch.extReadMu)
	ch.windowCond = sync.NewCond(&ch.writeMu)
	return ch
}

// OpenChannel opens a new channel of the given type, e.g. "session" or
// "direct-tcpip", with extraPayload as the type-specific data RFC 4254
// §5.1 appends to CHANNEL_OPEN.
func (c *Conn) OpenChannel(chanType string, extraPayload []byte) (*Channel, error) {
	c.chMu.Lock()
	id := c.nextChanID
	c.nextChanID++
	ch := newChannel(c, id)
	c.channels[id] = ch
	c.chMu.Unlock()

	err := c.SendMessage(&wire.ChannelOpenMsg{
		ChanType:      chanType,
		PeersID:       id,
		PeersWindow:   InitialWindowSize,
		MaxPacketSize: MaxPacketSize,
		TypeSpecific:  extraPayload,
	})
	if err != nil {
		c.chMu.Lock()
		delete(c.channels, id)
		c.chMu.Unlock()
		return nil, err
	}

	select {
	case err := <-ch.openResult:
		if err != nil {
			c.chMu.Lock()
			delete(c.channels, id)
			c.chMu.Unlock()
			return nil, err
		}
		return ch, nil
	case <-c.closed:
		return nil, wrapErr(KindConnectionLost, errors.New("connection closed while opening channel"))
	}
}

// ID returns this side's channel number.
func (ch *Channel) ID() uint32 { return ch.id }

// Read reads channel data, blocking until at least one byte is
// available, EOF has been received, or the channel closes.
func (ch *Channel) Read(p []byte) (int, error) {
	ch.readMu.Lock()
	defer ch.readMu.Unlock()
	for ch.readBuf.Len() == 0 && !ch.readEOF && ch.readErr == nil {
		ch.readCond.Wait()
	}
	if ch.readBuf.Len() == 0 {
		if ch.readErr != nil {
			return 0, ch.readErr
		}
		return 0, io.EOF
	}
	return ch.readBuf.Read(p)
}

// ReadExtended reads SSH_MSG_CHANNEL_EXTENDED_DATA (stderr) content.
func (ch *Channel) ReadExtended(p []byte) (int, error) {
	ch.extReadMu.Lock()
	defer ch.extReadMu.Unlock()
	for ch.extReadBuf.Len() == 0 && !ch.readEOF && ch.readErr == nil {
		ch.extReadCond.Wait()
	}
	if ch.extReadBuf.Len() == 0 {
		if ch.readErr != nil {
			return 0, ch.readErr
		}
		return 0, io.EOF
	}
	return ch.extReadBuf.Read(p)
}

// deliverData is called by Conn.loop for CHANNEL_DATA / CHANNEL_EXTENDED_DATA.
func (ch *Channel) deliverData(extended bool, data []byte) {
	if extended {
		ch.extReadMu.Lock()
		ch.extReadBuf.Write(data)
		ch.extReadCond.Broadcast()
		ch.extReadMu.Unlock()
	} else {
		ch.readMu.Lock()
		ch.readBuf.Write(data)
		ch.readCond.Broadcast()
		ch.readMu.Unlock()
	}

	ch.readMu.Lock()
	ch.myWindow -= uint32(len(data))
	var refill uint32
	if ch.myWindow <= windowRefillAt {
		refill = InitialWindowSize - ch.myWindow
		ch.myWindow = InitialWindowSize
	}
	ch.readMu.Unlock()

	if refill > 0 {
		ch.conn.SendMessage(&wire.WindowAdjustMsg{PeersID: ch.peerID, AdditionalBytes: refill})
	}
}

func (ch *Channel) adjustPeerWindow(n uint32) {
	ch.writeMu.Lock()
	ch.peerWindow += n
	ch.windowCond.Broadcast()
	ch.writeMu.Unlock()
}

// Write sends p as channel data, splitting it across multiple
// CHANNEL_DATA messages to respect the peer's advertised window and
// maximum packet size.
func (ch *Channel) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		ch.writeMu.Lock()
		for ch.peerWindow == 0 {
			select {
			case <-ch.closedCh:
				ch.writeMu.Unlock()
				return total, errors.New("pinch: channel closed")
			default:
			}
			ch.windowCond.Wait()
		}
		n := uint32(len(p))
		if n > ch.peerWindow {
			n = ch.peerWindow
		}
		if ch.peerMaxPacketSize > 0 && n > ch.peerMaxPacketSize {
			n = ch.peerMaxPacketSize
		}
		ch.peerWindow -= n
		ch.writeMu.Unlock()

		chunk := p[:n]
		if err := ch.conn.SendMessage(&wire.ChannelDataMsg{PeersID: ch.peerID, Data: chunk}); err != nil {
			return total, err
		}
		total += int(n)
		p = p[n:]
	}
	return total, nil
}

// WriteExtended sends p as SSH_MSG_CHANNEL_EXTENDED_DATA with the given
// data_type_code (1 == SSH_EXTENDED_DATA_STDERR).
func (ch *Channel) WriteExtended(dataTypeCode uint32, p []byte) (int, error) {
	return len(p), ch.conn.SendMessage(&wire.ChannelExtendedDataMsg{PeersID: ch.peerID, DataTypeCode: dataTypeCode, Data: p})
}

// Request sends a channel request and, if wantReply, blocks for the
// matching CHANNEL_SUCCESS/CHANNEL_FAILURE.
func (ch *Channel) Request(requestType string, wantReply bool, payload []byte) (bool, error) {
	err := ch.conn.SendMessage(&wire.ChannelRequestMsg{
		PeersID:      ch.peerID,
		Request:      requestType,
		WantReply:    wantReply,
		TypeSpecific: payload,
	})
	if err != nil {
		return false, err
	}
	if !wantReply {
		return true, nil
	}
	select {
	case ok := <-ch.requestReplies:
		return ok, nil
	case <-ch.closedCh:
		return false, errors.New("pinch: channel closed while awaiting request reply")
	}
}

// PtyRequest sends a "pty-req" channel request (RFC 4254 §6.2).
func (ch *Channel) PtyRequest(term string, cols, rows, widthPx, heightPx uint32, modes []byte) (bool, error) {
	w := wire.NewWriter(0)
	w.WriteString(term)
	w.WriteUint32(cols)
	w.WriteUint32(rows)
	w.WriteUint32(widthPx)
	w.WriteUint32(heightPx)
	w.WriteBytes(modes)
	return ch.Request("pty-req", true, w.Bytes()[1:])
}

// Shell sends a "shell" channel request (RFC 4254 §6.5).
func (ch *Channel) Shell() (bool, error) { return ch.Request("shell", true, nil) }

// Exec sends an "exec" channel request (RFC 4254 §6.5).
func (ch *Channel) Exec(command string) (bool, error) {
	w := wire.NewWriter(0)
	w.WriteString(command)
	return ch.Request("exec", true, w.Bytes()[1:])
}

// Setenv sends an "env" channel request (RFC 4254 §6.4).
func (ch *Channel) Setenv(name, value string) (bool, error) {
	w := wire.NewWriter(0)
	w.WriteString(name)
	w.WriteString(value)
	return ch.Request("env", true, w.Bytes()[1:])
}

// CloseWrite sends CHANNEL_EOF, signaling no more data will be written.
func (ch *Channel) CloseWrite() error {
	return ch.conn.SendMessage(&wire.ChannelEOFMsg{PeersID: ch.peerID})
}

// Close sends CHANNEL_CLOSE, unless the peer's CHANNEL_CLOSE already
// arrived and this side answered it, and waits for the channel to reach
// the fully-closed state (RFC 4254 §5.3: both sides have sent
// channel_close).
func (ch *Channel) Close() error {
	ch.closeMu.Lock()
	alreadySent := ch.closeSent
	ch.closeSent = true
	ch.closeMu.Unlock()

	var err error
	if !alreadySent {
		err = ch.conn.SendMessage(&wire.ChannelCloseMsg{PeersID: ch.peerID})
	}
	<-ch.closedCh
	return err
}

// closeLocally marks the channel closed without a wire round trip, used
// when the whole Conn is torn down.
func (ch *Channel) closeLocally(err error) {
	ch.closeOnce.Do(func() {
		ch.readMu.Lock()
		ch.readErr = err
		ch.readCond.Broadcast()
		ch.readMu.Unlock()

		ch.extReadMu.Lock()
		ch.extReadCond.Broadcast()
		ch.extReadMu.Unlock()

		ch.writeMu.Lock()
		ch.windowCond.Broadcast()
		ch.writeMu.Unlock()

		close(ch.closedCh)
	})
}

func (c *Conn) channelByPeerID(id uint32) (*Channel, error) {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	ch, ok := c.channels[id]
	if !ok {
		return nil, fmt.Errorf("pinch: unknown channel %d", id)
	}
	return ch, nil
}
