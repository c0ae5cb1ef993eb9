package pinch

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/mhekkel/pinch/wire"
)

func TestDispatchChannelOpenConfirmDeliversToChannel(t *testing.T) {
	c, _, _ := newTestConn(t)
	ch := newChannel(c, 0)
	c.channels[0] = ch

	packet := wire.Marshal(&wire.ChannelOpenConfirmMsg{
		PeersID:       0,
		MyID:          42,
		MyWindow:      1000,
		MaxPacketSize: 500,
	})
	if err := c.dispatch(packet); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ch.peerID != 42 || ch.peerWindow != 1000 || ch.peerMaxPacketSize != 500 {
		t.Fatalf("channel not updated: %+v", ch)
	}
	select {
	case err := <-ch.openResult:
		if err != nil {
			t.Fatalf("openResult: %v", err)
		}
	default:
		t.Fatal("openResult was not delivered")
	}
}

func TestDispatchChannelOpenFailureDeliversError(t *testing.T) {
	c, _, _ := newTestConn(t)
	ch := newChannel(c, 0)
	c.channels[0] = ch

	packet := wire.Marshal(&wire.ChannelOpenFailureMsg{
		PeersID: 0,
		Reason:  2,
		Message: "administratively prohibited",
	})
	if err := c.dispatch(packet); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case err := <-ch.openResult:
		if err == nil {
			t.Fatal("expected a non-nil open error")
		}
	default:
		t.Fatal("openResult was not delivered")
	}
}

func TestDispatchWindowAdjustUpdatesPeerWindow(t *testing.T) {
	c, _, _ := newTestConn(t)
	ch := newChannel(c, 0)
	ch.peerWindow = 10
	c.channels[0] = ch

	packet := wire.Marshal(&wire.WindowAdjustMsg{PeersID: 0, AdditionalBytes: 90})
	if err := c.dispatch(packet); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	ch.writeMu.Lock()
	got := ch.peerWindow
	ch.writeMu.Unlock()
	if got != 100 {
		t.Fatalf("peerWindow = %d, want 100", got)
	}
}

func TestDispatchChannelEOFSetsReadEOF(t *testing.T) {
	c, _, _ := newTestConn(t)
	ch := newChannel(c, 0)
	c.channels[0] = ch

	packet := wire.Marshal(&wire.ChannelEOFMsg{PeersID: 0})
	if err := c.dispatch(packet); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	n, err := ch.Read(make([]byte, 1))
	if n != 0 || err != io.EOF {
		t.Fatalf("Read after EOF = (%d, %v), want (0, io.EOF)", n, err)
	}
}

func TestDispatchChannelCloseRemovesChannelAndUnblocks(t *testing.T) {
	c, peer, peerEngine := newTestConn(t)
	ch := newChannel(c, 0)
	c.channels[0] = ch

	// dispatch answers the peer's CHANNEL_CLOSE with its own over the
	// pipe, which blocks until the peer side reads it.
	go func() {
		for {
			if _, err := peerEngine.ReadPacket(peer); err != nil {
				return
			}
		}
	}()

	packet := wire.Marshal(&wire.ChannelCloseMsg{PeersID: 0})
	if err := c.dispatch(packet); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	c.chMu.Lock()
	_, stillPresent := c.channels[0]
	c.chMu.Unlock()
	if stillPresent {
		t.Fatal("channel was not removed from Conn.channels")
	}

	select {
	case <-ch.closedCh:
	case <-time.After(time.Second):
		t.Fatal("channel was not marked closed")
	}
}

func TestDispatchChannelDataRoutesToChannel(t *testing.T) {
	c, peer, peerEngine := newTestConn(t)
	ch := newChannel(c, 0)
	ch.peerID = 5
	c.channels[0] = ch

	packet := wire.Marshal(&wire.ChannelDataMsg{PeersID: 0, Data: []byte("payload")})

	// deliverData may send a WINDOW_ADJUST back on the pipe if the window
	// threshold is crossed; drain it concurrently so dispatch can't block.
	go func() {
		for {
			if _, err := peerEngine.ReadPacket(peer); err != nil {
				return
			}
		}
	}()

	if err := c.dispatch(packet); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	buf := make([]byte, 32)
	n, err := ch.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "payload" {
		t.Fatalf("Read = %q, want %q", buf[:n], "payload")
	}
}

func TestDispatchChannelRequestWithWantReplySendsFailureForUnknownChannel(t *testing.T) {
	c, peer, peerEngine := newTestConn(t)

	packet := wire.Marshal(&wire.ChannelRequestMsg{PeersID: 99, Request: "exec", WantReply: true})

	dispatchErr := make(chan error, 1)
	go func() { dispatchErr <- c.dispatch(packet) }()

	reply, err := peerEngine.ReadPacket(peer)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if reply[0] != wire.MsgChannelFailure {
		t.Fatalf("reply type = %d, want MsgChannelFailure", reply[0])
	}
	if err := <-dispatchErr; err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func TestDispatchGlobalRequestWithWantReplySendsRequestFailure(t *testing.T) {
	c, peer, peerEngine := newTestConn(t)

	packet := wire.Marshal(&wire.GlobalRequestMsg{Type: "unknown@pinch", WantReply: true})

	dispatchErr := make(chan error, 1)
	go func() { dispatchErr <- c.dispatch(packet) }()

	reply, err := peerEngine.ReadPacket(peer)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if reply[0] != wire.MsgRequestFailure {
		t.Fatalf("reply type = %d, want MsgRequestFailure", reply[0])
	}
	if err := <-dispatchErr; err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func TestDispatchUnknownMessageSendsUnimplemented(t *testing.T) {
	c, peer, peerEngine := newTestConn(t)

	dispatchErr := make(chan error, 1)
	go func() { dispatchErr <- c.dispatch([]byte{250}) }()

	reply, err := peerEngine.ReadPacket(peer)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if reply[0] != wire.MsgUnimplemented {
		t.Fatalf("reply type = %d, want MsgUnimplemented", reply[0])
	}
	if err := <-dispatchErr; err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func TestDispatchDisconnectReturnsError(t *testing.T) {
	c, _, _ := newTestConn(t)
	packet := wire.Marshal(&wire.DisconnectMsg{Reason: 11, Message: "bye"})
	err := c.dispatch(packet)
	if err == nil {
		t.Fatal("expected an error for SSH_MSG_DISCONNECT")
	}
}

func TestSendGlobalRequestDeliversSuccessReply(t *testing.T) {
	c, peer, peerEngine := newTestConn(t)

	resultErr := make(chan error, 1)
	go func() { resultErr <- c.SendGlobalRequest("keepalive@pinch", true) }()

	if _, err := peerEngine.ReadPacket(peer); err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	c.deliverGlobalReply(globalReply{ok: true})

	if err := <-resultErr; err != nil {
		t.Fatalf("SendGlobalRequest: %v", err)
	}
}

func TestSendGlobalRequestReturnsErrorOnFailureReply(t *testing.T) {
	c, peer, peerEngine := newTestConn(t)

	resultErr := make(chan error, 1)
	go func() { resultErr <- c.SendGlobalRequest("keepalive@pinch", true) }()

	if _, err := peerEngine.ReadPacket(peer); err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	c.deliverGlobalReply(globalReply{ok: false})

	if err := <-resultErr; err == nil {
		t.Fatal("expected an error for a failed global request")
	}
}

func TestSendGlobalRequestWithoutReplyDoesNotBlock(t *testing.T) {
	c, peer, peerEngine := newTestConn(t)

	done := make(chan error, 1)
	go func() { done <- c.SendGlobalRequest("fire-and-forget@pinch", false) }()

	if _, err := peerEngine.ReadPacket(peer); err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SendGlobalRequest: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SendGlobalRequest with wantReply=false blocked")
	}
}

func TestTeardownClosesConnAndChannels(t *testing.T) {
	c, _, _ := newTestConn(t)
	ch := newChannel(c, 0)
	c.channels[0] = ch

	teardownErr := errors.New("read failed")
	c.teardown(teardownErr)

	select {
	case <-c.closed:
	default:
		t.Fatal("closed channel was not closed")
	}
	select {
	case <-ch.closedCh:
	default:
		t.Fatal("channel was not closed by teardown")
	}
	if c.closeErr != teardownErr {
		t.Fatalf("closeErr = %v, want %v", c.closeErr, teardownErr)
	}

	// teardown is idempotent via closeOnce.
	c.teardown(errors.New("second call"))
	if c.closeErr != teardownErr {
		t.Fatal("second teardown call overwrote closeErr")
	}
}

func TestCloseTearsDownChannels(t *testing.T) {
	c, _, _ := newTestConn(t)
	ch := newChannel(c, 0)
	c.channels[0] = ch

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-ch.closedCh:
	default:
		t.Fatal("channel was not closed by Conn.Close")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done() channel was not closed")
	}
}
