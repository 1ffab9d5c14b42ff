package tlsengine

import (
	"crypto/tls"
	"net"
	"sync"

	"github.com/jroosing/packetforge/internal/pool"
)

// wireBufPool recycles the fixed-size scratch buffers each Session's pump
// goroutines read into. Unlike the data-plane's bounded buffer.Pool, a
// TLS session's ciphertext pump has no fixed-capacity requirement, so
// internal/pool's plain sync.Pool wrapper fits here unmodified.
var wireBufPool = pool.New(func() []byte { return make([]byte, 4096) })

// Session wraps a crypto/tls.Conn terminated over an in-memory net.Pipe.
// The "wire" side of the pipe is where this type reads ciphertext destined
// for the TCP engine's Send path and writes ciphertext arriving from a
// TCB's L7 callback; the "plain" side is crypto/tls's own Read/Write,
// carrying cleartext application data (e.g. internal/http1 request bytes).
//
// All pipe I/O happens on background goroutines so that neither a TCB's
// L7 callback (invoked from the worker's hot loop) nor a caller pushing
// plaintext ever blocks the data plane.
type Session struct {
	wire net.Conn
	conn *tls.Conn

	outbox  chan []byte // ciphertext ready to hand to the TCP send path
	plainRX chan []byte // decrypted application data delivered upward

	closeOnce sync.Once
	done      chan struct{}

	handshakeErr chan error
}

// NewClient starts a client-side TLS session (crypto/tls.Client) for an
// outbound enable_tls flow.
func NewClient(cfg *tls.Config) *Session {
	return newSession(func(wireEnd net.Conn) *tls.Conn { return tls.Client(wireEnd, cfg) })
}

// NewServer starts a server-side TLS session (crypto/tls.Server) for a
// flow that terminates inbound TLS.
func NewServer(cfg *tls.Config) *Session {
	return newSession(func(wireEnd net.Conn) *tls.Conn { return tls.Server(wireEnd, cfg) })
}

func newSession(build func(net.Conn) *tls.Conn) *Session {
	wireEnd, ourEnd := net.Pipe()
	s := &Session{
		wire:         ourEnd,
		conn:         build(wireEnd),
		outbox:       make(chan []byte, 64),
		plainRX:      make(chan []byte, 64),
		done:         make(chan struct{}),
		handshakeErr: make(chan error, 1),
	}
	go s.pumpCiphertextOut()
	go s.pumpPlaintextIn()
	go func() { s.handshakeErr <- s.conn.Handshake() }()
	return s
}

// DeliverCiphertext feeds wire bytes received over TCP (from a TCB's L7
// callback) into the TLS state machine. Non-blocking from the caller's
// perspective: the actual pipe write happens on a dedicated goroutine so a
// full pipe never stalls the worker tick that invoked the callback.
func (s *Session) DeliverCiphertext(b []byte) {
	cp := append([]byte(nil), b...)
	go func() {
		select {
		case <-s.done:
		default:
			_, _ = s.wire.Write(cp)
		}
	}()
}

// Outbox returns the channel of ciphertext chunks ready to be handed to
// fsm.Engine.Send for the TCB this session belongs to.
func (s *Session) Outbox() <-chan []byte { return s.outbox }

// Plaintext returns the channel of decrypted application bytes delivered
// to whatever consumes this flow (internal/http1's parser for an HTTPS
// flow).
func (s *Session) Plaintext() <-chan []byte { return s.plainRX }

// HandshakeDone reports whether the TLS handshake has finished, and its
// result if so.
func (s *Session) HandshakeDone() (done bool, err error) {
	select {
	case err = <-s.handshakeErr:
		s.handshakeErr <- err // keep it readable for subsequent calls
		return true, err
	default:
		return false, nil
	}
}

// WritePlaintext queues application data (e.g. an HTTP request) to be
// encrypted and emitted on Outbox. It blocks until the handshake has
// progressed enough for crypto/tls to accept it; callers should invoke it
// from their own goroutine, never from a worker tick.
func (s *Session) WritePlaintext(p []byte) (int, error) {
	return s.conn.Write(p)
}

// Close tears down the session and its pump goroutines.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.conn.Close()
}

func (s *Session) pumpCiphertextOut() {
	for {
		buf := wireBufPool.Get()
		n, err := s.wire.Read(buf)
		if n > 0 {
			cp := append([]byte(nil), buf[:n]...)
			select {
			case s.outbox <- cp:
			case <-s.done:
				wireBufPool.Put(buf)
				return
			}
		}
		wireBufPool.Put(buf)
		if err != nil {
			close(s.outbox)
			return
		}
	}
}

func (s *Session) pumpPlaintextIn() {
	for {
		buf := wireBufPool.Get()
		n, err := s.conn.Read(buf)
		if n > 0 {
			cp := append([]byte(nil), buf[:n]...)
			select {
			case s.plainRX <- cp:
			case <-s.done:
				wireBufPool.Put(buf)
				return
			}
		}
		wireBufPool.Put(buf)
		if err != nil {
			close(s.plainRX)
			return
		}
	}
}
