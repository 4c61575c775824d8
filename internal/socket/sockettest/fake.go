// ABOUTME: Scriptable fake Socket and Dialer for tests.
// ABOUTME: Tests push events and inspect recorded sends without a real platform.

package sockettest

import (
	"context"
	"fmt"
	"sync"

	"github.com/chatwire/chatwire/internal/socket"
)

// FakeSocket is a test double for socket.Socket. Tests emit events with
// the Emit* helpers and inspect what the gateway sent via Sent.
type FakeSocket struct {
	mu        sync.Mutex
	events    chan socket.Event
	sent      []socket.Message
	closed    bool
	connected bool
	nextID    int

	// SendErr, when set, is returned by the next Send call.
	SendErr error
	// ConnectErr, when set, is returned by Connect.
	ConnectErr error
	// PairCode is returned by PairPhone.
	PairCode string
	// LogoutCalls counts Logout invocations.
	LogoutCalls int
}

// NewFakeSocket returns an unconnected fake with a buffered event channel.
func NewFakeSocket() *FakeSocket {
	return &FakeSocket{
		events:   make(chan socket.Event, 64),
		PairCode: "ABCD-1234",
	}
}

func (f *FakeSocket) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connected = true
	return nil
}

func (f *FakeSocket) Send(ctx context.Context, msg socket.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		err := f.SendErr
		f.SendErr = nil
		return "", err
	}
	if !f.connected {
		return "", socket.ErrNotConnected
	}
	f.nextID++
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("msg-%d", f.nextID), nil
}

func (f *FakeSocket) PairPhone(ctx context.Context, phone string) (string, error) {
	return f.PairCode, nil
}

func (f *FakeSocket) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LogoutCalls++
	return nil
}

func (f *FakeSocket) Events() <-chan socket.Event {
	return f.events
}

func (f *FakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.connected = false
		close(f.events)
	}
	return nil
}

// Sent returns a copy of all messages dispatched through this socket.
func (f *FakeSocket) Sent() []socket.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]socket.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

// Closed reports whether Close has been called.
func (f *FakeSocket) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Emit pushes an arbitrary event onto the socket's event channel.
func (f *FakeSocket) Emit(ev socket.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
}

// EmitConnected marks the socket connected and emits a ConnectedEvent.
func (f *FakeSocket) EmitConnected() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.Emit(socket.ConnectedEvent{})
}

// EmitDisconnected emits a DisconnectedEvent with the given reason.
func (f *FakeSocket) EmitDisconnected(reason string, loggedOut bool) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.Emit(socket.DisconnectedEvent{Reason: reason, LoggedOut: loggedOut})
}

// EmitQR emits a QR challenge event.
func (f *FakeSocket) EmitQR(challenge string) {
	f.Emit(socket.QREvent{Challenge: challenge})
}

// EmitStatus emits a delivery-status update for a message id.
func (f *FakeSocket) EmitStatus(messageID string, st socket.Status) {
	f.Emit(socket.StatusEvent{MessageID: messageID, Status: st})
}

// FakeDialer hands out FakeSockets keyed by session id.
type FakeDialer struct {
	mu      sync.Mutex
	sockets map[string][]*FakeSocket
	erased  []string

	// DialErr, when set, is returned by the next Dial call.
	DialErr error
}

// NewFakeDialer returns an empty dialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{sockets: make(map[string][]*FakeSocket)}
}

func (d *FakeDialer) Dial(ctx context.Context, sessionID string) (socket.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		err := d.DialErr
		d.DialErr = nil
		return nil, err
	}
	s := NewFakeSocket()
	d.sockets[sessionID] = append(d.sockets[sessionID], s)
	return s, nil
}

func (d *FakeDialer) EraseCredentials(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.erased = append(d.erased, sessionID)
	return nil
}

// Socket returns the most recently dialed socket for a session, or nil.
func (d *FakeDialer) Socket(sessionID string) *FakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	socks := d.sockets[sessionID]
	if len(socks) == 0 {
		return nil
	}
	return socks[len(socks)-1]
}

// DialCount returns how many sockets have been dialed for a session.
func (d *FakeDialer) DialCount(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets[sessionID])
}

// Erased reports whether credentials were erased for a session.
func (d *FakeDialer) Erased(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.erased {
		if id == sessionID {
			return true
		}
	}
	return false
}
