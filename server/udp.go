package server

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"locator-go/logging"
)

// UDPServer feeds anchor datagrams into the service.
type UDPServer struct {
	conn    *net.UDPConn
	service *Service
	log     logrus.FieldLogger

	mu      sync.Mutex
	running bool
	// anchor id -> last source address
	lastSeen map[string]*net.UDPAddr
}

func NewUDPServer(addr string, service *Service, log logrus.FieldLogger) (*UDPServer, error) {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", uaddr)
	if err != nil {
		return nil, err
	}
	conn.SetReadBuffer(256 * 1024)

	return &UDPServer{
		conn:     conn,
		service:  service,
		log:      log,
		running:  true,
		lastSeen: make(map[string]*net.UDPAddr),
	}, nil
}

func (s *UDPServer) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// AnchorAddr returns the address an anchor last reported from.
func (s *UDPServer) AnchorAddr(anchorID string) (*net.UDPAddr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.lastSeen[anchorID]
	return a, ok
}

// Serve reads datagrams until Stop is called. It returns at once if Stop
// already ran.
func (s *UDPServer) Serve(ctx context.Context) {
	buf := make([]byte, MaxPacketSize)
	s.log.Infof("UDP listener on %s", s.conn.LocalAddr())

	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if !s.isRunning() {
				return
			}
			s.log.WithError(err).Warn("udp read error")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.handlePacket(ctx, data, addr)
	}
}

func (s *UDPServer) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *UDPServer) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.conn.Close()
}

func (s *UDPServer) handlePacket(ctx context.Context, data []byte, addr *net.UDPAddr) {
	inputs, err := ParseDatagram(data)
	if err != nil {
		s.log.WithError(err).WithField("from", addr.String()).Warn("malformed datagram")
	}
	for _, in := range inputs {
		if in.AnchorID != "" {
			s.mu.Lock()
			s.lastSeen[in.AnchorID] = addr
			s.mu.Unlock()
		}
		if _, err := s.service.IngestReading(ctx, in); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				logging.FieldDevice: in.MAC,
				logging.FieldAnchor: in.AnchorID,
			}).Warn("reading rejected")
		}
	}
}
