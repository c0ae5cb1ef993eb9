package pinch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mhekkel/pinch/cipher"
	"github.com/mhekkel/pinch/wire"
)

// loop is the connection's single reader goroutine: it pulls one packet
// at a time off the wire and dispatches it, mirroring the historical
// gosshnew mainLoop's "one goroutine decodes, channels fan out data"
// design. It exits, closing the Conn, on any read or protocol error.
func (c *Conn) loop() {
	var err error
	for {
		var packet []byte
		packet, err = c.engine.ReadPacket(c.conn)
		if err != nil {
			var cerr *wire.ErrCompression
			switch {
			case errors.Is(err, cipher.ErrMAC):
				err = wrapErr(KindMAC, err)
			case errors.As(err, &cerr):
				err = wrapErr(KindCompression, err)
			case errors.Is(err, wire.ErrPacketTooLarge):
				err = wrapErr(KindProtocol, err)
			default:
				err = wrapErr(KindConnectionLost, err)
			}
			break
		}
		if len(packet) == 0 {
			err = wrapErr(KindProtocol, errors.New("pinch: empty packet"))
			break
		}
		if err = c.dispatch(packet); err != nil {
			break
		}
	}
	c.teardown(err)
}

func (c *Conn) teardown(err error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.chMu.Lock()
		for _, ch := range c.channels {
			ch.closeLocally(err)
		}
		c.chMu.Unlock()
		c.closeErr = err
		c.conn.Close()
	})
}

func (c *Conn) dispatch(packet []byte) error {
	switch packet[0] {
	case wire.MsgChannelData:
		return c.dispatchChannelData(packet, false)
	case wire.MsgChannelExtendedData:
		return c.dispatchChannelData(packet, true)
	case wire.MsgKexInit:
		return c.rekey(packet)
	case wire.MsgDisconnect:
		var m wire.DisconnectMsg
		if err := wire.Unmarshal(&m, packet); err != nil {
			return err
		}
		return wrapDisconnect(m.Reason, m.Message)
	case wire.MsgIgnore, wire.MsgDebug, wire.MsgUnimplemented:
		return nil
	case wire.MsgGlobalRequest:
		var m wire.GlobalRequestMsg
		if err := wire.Unmarshal(&m, packet); err != nil {
			return err
		}
		if m.WantReply {
			return c.SendMessage(&wire.RequestFailureMsg{})
		}
		return nil
	case wire.MsgRequestSuccess:
		var m wire.RequestSuccessMsg
		wire.Unmarshal(&m, packet)
		c.deliverGlobalReply(globalReply{ok: true, data: m.Data})
		return nil
	case wire.MsgRequestFailure:
		c.deliverGlobalReply(globalReply{ok: false})
		return nil
	case wire.MsgChannelOpenConfirm:
		var m wire.ChannelOpenConfirmMsg
		if err := wire.Unmarshal(&m, packet); err != nil {
			return err
		}
		ch, err := c.channelByPeerID(m.PeersID)
		if err != nil {
			return nil // stray confirmation for a channel we gave up on
		}
		ch.peerID = m.MyID
		ch.peerWindow = m.MyWindow
		ch.peerMaxPacketSize = m.MaxPacketSize
		ch.openResult <- nil
		return nil
	case wire.MsgChannelOpenFailure:
		var m wire.ChannelOpenFailureMsg
		if err := wire.Unmarshal(&m, packet); err != nil {
			return err
		}
		ch, err := c.channelByPeerID(m.PeersID)
		if err != nil {
			return nil
		}
		ch.openResult <- wrapErr(KindChannelOpenFailure, fmt.Errorf("pinch: channel open failed: %s", m.Message))
		return nil
	case wire.MsgChannelWindowAdjust:
		var m wire.WindowAdjustMsg
		if err := wire.Unmarshal(&m, packet); err != nil {
			return err
		}
		ch, err := c.channelByPeerID(m.PeersID)
		if err != nil {
			return nil
		}
		ch.adjustPeerWindow(m.AdditionalBytes)
		return nil
	case wire.MsgChannelEOF:
		var m wire.ChannelEOFMsg
		if err := wire.Unmarshal(&m, packet); err != nil {
			return err
		}
		ch, err := c.channelByPeerID(m.PeersID)
		if err != nil {
			return nil
		}
		ch.readMu.Lock()
		ch.readEOF = true
		ch.readCond.Broadcast()
		ch.readMu.Unlock()
		ch.extReadMu.Lock()
		ch.extReadCond.Broadcast()
		ch.extReadMu.Unlock()
		return nil
	case wire.MsgChannelClose:
		var m wire.ChannelCloseMsg
		if err := wire.Unmarshal(&m, packet); err != nil {
			return err
		}
		ch, err := c.channelByPeerID(m.PeersID)
		if err != nil {
			return nil
		}
		c.chMu.Lock()
		delete(c.channels, ch.id)
		c.chMu.Unlock()

		// RFC 4254 §5.3: a CHANNEL_CLOSE recipient MUST send its own
		// CHANNEL_CLOSE back unless it has already sent one for this
		// channel (i.e. this side called Channel.Close first).
		ch.closeMu.Lock()
		alreadySent := ch.closeSent
		ch.closeSent = true
		ch.closeMu.Unlock()
		if !alreadySent {
			if err := c.SendMessage(&wire.ChannelCloseMsg{PeersID: ch.peerID}); err != nil {
				return err
			}
		}

		ch.closeLocally(errors.New("pinch: channel closed by peer"))
		return nil
	case wire.MsgChannelRequest:
		var m wire.ChannelRequestMsg
		if err := wire.Unmarshal(&m, packet); err != nil {
			return err
		}
		if m.WantReply {
			return c.SendMessage(&wire.ChannelFailureMsg{PeersID: m.PeersID})
		}
		return nil
	case wire.MsgChannelSuccess:
		var m wire.ChannelSuccessMsg
		if err := wire.Unmarshal(&m, packet); err != nil {
			return err
		}
		ch, err := c.channelByPeerID(m.PeersID)
		if err == nil {
			ch.requestReplies <- true
		}
		return nil
	case wire.MsgChannelFailure:
		var m wire.ChannelFailureMsg
		if err := wire.Unmarshal(&m, packet); err != nil {
			return err
		}
		ch, err := c.channelByPeerID(m.PeersID)
		if err == nil {
			ch.requestReplies <- false
		}
		return nil
	default:
		return c.SendMessage(&wire.UnimplementedMsg{RejectedSeq: 0})
	}
}

func (c *Conn) dispatchChannelData(packet []byte, extended bool) error {
	if len(packet) < 9 {
		return wrapErr(KindProtocol, errors.New("pinch: malformed channel data packet"))
	}
	peerID := binary.BigEndian.Uint32(packet[1:5])
	var data []byte
	var dataTypeCode uint32
	if extended {
		if len(packet) < 13 {
			return wrapErr(KindProtocol, errors.New("pinch: malformed extended data packet"))
		}
		dataTypeCode = binary.BigEndian.Uint32(packet[5:9])
		length := binary.BigEndian.Uint32(packet[9:13])
		if uint32(len(packet)-13) < length {
			return wrapErr(KindProtocol, errors.New("pinch: malformed extended data packet"))
		}
		data = packet[13 : 13+length]
	} else {
		length := binary.BigEndian.Uint32(packet[5:9])
		if uint32(len(packet)-9) < length {
			return wrapErr(KindProtocol, errors.New("pinch: malformed channel data packet"))
		}
		data = packet[9 : 9+length]
	}
	_ = dataTypeCode

	ch, err := c.channelByPeerID(peerID)
	if err != nil {
		return nil // data for a channel we already closed; ignore
	}
	ch.deliverData(extended, data)
	return nil
}

func (c *Conn) deliverGlobalReply(r globalReply) {
	select {
	case c.globalReplies <- r:
	default:
	}
}
