// ABOUTME: Development Socket that pairs and echoes without a real platform.
// ABOUTME: Credential presence is a marker file so reset/start flows work end to end.

package loopback

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/socket"
)

// Dialer hands out loopback sockets. A session counts as paired once its
// credential marker file exists under dir.
type Dialer struct {
	dir string
}

// NewDialer creates a loopback dialer storing credential markers in dir.
func NewDialer(dir string) (*Dialer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating credential dir: %w", err)
	}
	return &Dialer{dir: dir}, nil
}

func (d *Dialer) credPath(sessionID string) string {
	return filepath.Join(d.dir, sessionID+".creds")
}

// Dial returns a socket for the session. An unpaired session emits a QR
// challenge and opens once the challenge "scans" itself after a short
// delay, writing the credential marker.
func (d *Dialer) Dial(ctx context.Context, sessionID string) (socket.Socket, error) {
	_, err := os.Stat(d.credPath(sessionID))
	return newSocket(d.credPath(sessionID), err == nil), nil
}

// EraseCredentials removes the session's credential marker.
func (d *Dialer) EraseCredentials(sessionID string) error {
	if err := os.Remove(d.credPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing credentials: %w", err)
	}
	return nil
}

// Socket is a self-contained development connection. It echoes every
// outbound message back as an inbound one and walks each send through
// the full status ladder.
type Socket struct {
	mu       sync.Mutex
	events   chan socket.Event
	credPath string
	paired   bool
	open     bool
	closed   bool
	nextID   int
}

func newSocket(credPath string, paired bool) *Socket {
	return &Socket{
		events:   make(chan socket.Event, 64),
		credPath: credPath,
		paired:   paired,
	}
}

func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	paired := s.paired
	s.mu.Unlock()

	if paired {
		s.emit(socket.ConnectedEvent{})
		s.mu.Lock()
		s.open = true
		s.mu.Unlock()
		return nil
	}

	challenge := make([]byte, 16)
	if _, err := rand.Read(challenge); err != nil {
		return fmt.Errorf("generating challenge: %w", err)
	}
	s.emit(socket.QREvent{Challenge: hex.EncodeToString(challenge)})

	// The loopback "phone" scans the challenge shortly after it appears.
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
		if err := os.WriteFile(s.credPath, []byte(time.Now().UTC().Format(time.RFC3339)), 0o600); err != nil {
			s.emit(socket.DisconnectedEvent{Reason: "persisting credentials: " + err.Error()})
			return
		}
		s.mu.Lock()
		s.paired = true
		s.open = true
		s.mu.Unlock()
		s.emit(socket.ConnectedEvent{})
	}()
	return nil
}

func (s *Socket) Send(ctx context.Context, msg socket.Message) (string, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return "", socket.ErrNotConnected
	}
	s.nextID++
	id := fmt.Sprintf("loop-%d", s.nextID)
	s.mu.Unlock()

	go func() {
		for _, st := range []socket.Status{socket.StatusServerAck, socket.StatusDelivered, socket.StatusRead} {
			time.Sleep(50 * time.Millisecond)
			s.emit(socket.StatusEvent{MessageID: id, Status: st})
		}
		s.emit(socket.InboundMessageEvent{
			MessageID: id + "-echo",
			From:      msg.To,
			Text:      "echo: " + msg.Text,
			Timestamp: time.Now(),
		})
	}()
	return id, nil
}

func (s *Socket) PairPhone(ctx context.Context, phone string) (string, error) {
	code := make([]byte, 4)
	if _, err := rand.Read(code); err != nil {
		return "", fmt.Errorf("generating pairing code: %w", err)
	}
	raw := hex.EncodeToString(code)
	return fmt.Sprintf("%s-%s", raw[:4], raw[4:]), nil
}

func (s *Socket) Logout(ctx context.Context) error {
	if err := os.Remove(s.credPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing credentials: %w", err)
	}
	s.mu.Lock()
	s.paired = false
	s.open = false
	s.mu.Unlock()
	s.emit(socket.DisconnectedEvent{Reason: "logged out", LoggedOut: true})
	return nil
}

func (s *Socket) Events() <-chan socket.Event {
	return s.events
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.open = false
		close(s.events)
	}
	return nil
}

func (s *Socket) emit(ev socket.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}
