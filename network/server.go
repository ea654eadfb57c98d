package network

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Server accepts inbound TLS sessions, verifies the certificate pin and the
// identity-binding hello, and upgrades them to PeerConnection.
type Server struct {
	listener net.Listener
	identity LocalIdentity
	source   TrustSource
	options  ConnectionOptions
	timeout  time.Duration

	incoming chan *PeerConnection
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts the pinned TLS listener and its accept loop.
func Listen(address string, identity LocalIdentity, source TrustSource, options ConnectionOptions) (*Server, error) {
	if err := identity.validate(); err != nil {
		return nil, err
	}
	if address == "" {
		address = ":0"
	}

	listener, err := tls.Listen("tcp", address, BuildTLSConfig(identity.TLSCertificate, source))
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		identity: identity,
		source:   source,
		options:  options,
		timeout:  DefaultConnectionTimeout,
		incoming: make(chan *PeerConnection, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted and authenticated peer connections.
func (s *Server) Incoming() <-chan *PeerConnection {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			select {
			case s.errs <- fmt.Errorf("accept connection: %w", err):
			default:
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		s.reportError(errors.New("network: accepted connection is not TLS"))
		return
	}

	if err := tlsConn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		s.reportError(fmt.Errorf("set handshake deadline: %w", err))
		return
	}

	// The certificate pin check runs inside the TLS handshake.
	if err := tlsConn.Handshake(); err != nil {
		s.reportError(fmt.Errorf("TLS handshake with %s: %w", conn.RemoteAddr(), err))
		return
	}

	device, err := exchangeHello(tlsConn, s.identity, s.source, false, s.timeout)
	if err != nil {
		s.reportError(fmt.Errorf("hello exchange with %s: %w", conn.RemoteAddr(), err))
		return
	}

	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear handshake deadline: %w", err))
		return
	}

	options := s.options
	options.LocalDeviceID = s.identity.DeviceID
	options.PeerDeviceID = device.DeviceID
	options.PeerDeviceName = device.DisplayName
	peerConnection := newPeerConnection(tlsConn, options)

	closeConn = false
	select {
	case s.incoming <- peerConnection:
	case <-s.closed:
		_ = peerConnection.Close()
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}

// Dial opens an outbound pinned TLS connection and runs the hello exchange.
func Dial(address string, identity LocalIdentity, source TrustSource, options ConnectionOptions) (*PeerConnection, error) {
	if err := identity.validate(); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: DefaultConnectionTimeout}
	tlsConn, err := tls.DialWithDialer(dialer, "tcp", address, BuildTLSConfig(identity.TLSCertificate, source))
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	if err := tlsConn.SetDeadline(time.Now().Add(DefaultConnectionTimeout)); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	device, err := exchangeHello(tlsConn, identity, source, true, DefaultConnectionTimeout)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}

	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	options.LocalDeviceID = identity.DeviceID
	options.PeerDeviceID = device.DeviceID
	options.PeerDeviceName = device.DisplayName
	return newPeerConnection(tlsConn, options), nil
}
