package rbc

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	tcpQueueSize   = 1000
	dialTimeout    = 2 * time.Second
	writeTimeout   = 5 * time.Second
	redialInterval = 500 * time.Millisecond
)

// target is one consumer of forwarded lines.
type target interface {
	mask() uint32
	deliver(line []byte)
	close()
}

func covers(mask, flag uint32) bool { return mask&flag == flag }

// Sender fans lines out to UDP targets and to TCP consumers. UDP targets
// share one socket; each TCP consumer owns a bounded queue drained by its
// own goroutine, so a slow consumer never blocks Send.
type Sender struct {
	mu      sync.RWMutex
	targets []target
	udp     *sharedUDP
	header  []byte
	running bool
	log     logrus.FieldLogger
}

func NewSender(log logrus.FieldLogger) *Sender {
	return &Sender{log: log, udp: &sharedUDP{}}
}

// SetHeader prefixes every line with "<hdr>:".
func (s *Sender) SetHeader(hdr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header = nil
	if hdr != "" {
		s.header = []byte(hdr + ":")
	}
}

// AddTarget registers a consumer. network is "udp" or "tcp".
func (s *Sender) AddTarget(network, addr string, flag uint32) error {
	switch network {
	case "udp":
		return s.AddUDPSender(addr, flag)
	case "tcp":
		s.AddTCPSender(addr, flag)
		return nil
	default:
		return errors.Errorf("rbc: unknown network %q", network)
	}
}

func (s *Sender) AddUDPSender(addr string, flag uint32) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "rbc: resolve %s", addr)
	}
	s.add(&udpTarget{shared: s.udp, addr: raddr, flag: flag, log: s.log})
	return nil
}

// AddTCPSender registers a TCP consumer. The connection is dialed lazily
// and redialed after write failures.
func (s *Sender) AddTCPSender(addr string, flag uint32) {
	s.add(&tcpTarget{
		addr:  addr,
		flag:  flag,
		queue: make(chan []byte, tcpQueueSize),
		done:  make(chan struct{}),
		log:   s.log.WithField("target", addr),
	})
}

func (s *Sender) add(t target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, t)
	if tt, ok := t.(*tcpTarget); ok && s.running {
		tt.start()
	}
}

func (s *Sender) Start() error {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return errors.Wrap(err, "rbc: open udp socket")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.udp.conn = conn
	s.running = true
	for _, t := range s.targets {
		if tt, ok := t.(*tcpTarget); ok {
			tt.start()
		}
	}
	return nil
}

// Stop closes every target; lines still queued for TCP consumers are
// discarded. It is safe to call more than once.
func (s *Sender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	for _, t := range s.targets {
		t.close()
	}
	if s.udp.conn != nil {
		s.udp.conn.Close()
	}
}

// Send delivers data to every target whose mask covers flag. Full TCP
// queues drop the line.
func (s *Sender) Send(data []byte, flag uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return
	}
	line := data
	if len(s.header) > 0 {
		line = append(append(make([]byte, 0, len(s.header)+len(data)), s.header...), data...)
	}
	for _, t := range s.targets {
		if covers(t.mask(), flag) {
			t.deliver(line)
		}
	}
}

type sharedUDP struct {
	conn *net.UDPConn
}

type udpTarget struct {
	shared *sharedUDP
	addr   *net.UDPAddr
	flag   uint32
	log    logrus.FieldLogger
}

func (t *udpTarget) mask() uint32 { return t.flag }

func (t *udpTarget) deliver(line []byte) {
	if _, err := t.shared.conn.WriteToUDP(line, t.addr); err != nil {
		t.log.WithError(err).WithField("target", t.addr.String()).Debug("rbc udp send failed")
	}
}

func (t *udpTarget) close() {}

type tcpTarget struct {
	addr  string
	flag  uint32
	queue chan []byte
	done  chan struct{}
	log   logrus.FieldLogger
	wg    sync.WaitGroup
	conn  net.Conn
}

func (t *tcpTarget) mask() uint32 { return t.flag }

func (t *tcpTarget) deliver(line []byte) {
	select {
	case t.queue <- line:
	default:
		t.log.Warn("rbc tcp queue full, dropping line")
	}
}

func (t *tcpTarget) start() {
	t.wg.Add(1)
	go t.drain()
}

func (t *tcpTarget) close() {
	close(t.done)
	close(t.queue)
	t.wg.Wait()
}

// ensureConn dials when there is no live connection, retrying once.
func (t *tcpTarget) ensureConn() bool {
	for attempt := 0; attempt < 2; attempt++ {
		if t.conn != nil {
			return true
		}
		conn, err := net.DialTimeout("tcp", t.addr, dialTimeout)
		if err == nil {
			t.conn = conn
			return true
		}
		if attempt == 0 {
			time.Sleep(redialInterval)
		}
	}
	return false
}

func (t *tcpTarget) drain() {
	defer t.wg.Done()
	defer func() {
		if t.conn != nil {
			t.conn.Close()
		}
	}()
	for line := range t.queue {
		select {
		case <-t.done:
			continue
		default:
		}
		if !t.ensureConn() {
			t.log.Debug("rbc tcp consumer unreachable, dropping line")
			continue
		}
		t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := t.conn.Write(line); err != nil {
			t.log.WithError(err).Warn("rbc tcp write failed")
			t.conn.Close()
			t.conn = nil
		}
	}
}
