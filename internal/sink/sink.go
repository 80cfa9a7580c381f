// Package sink exposes the local stream endpoint consumers connect to.
// Frames are broadcast to every connected consumer through a bounded
// per-consumer queue; a slow consumer is dropped rather than ever blocking
// the block-processing task.
package sink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Sgas17/reth-exex-liquidity/internal/model"
	"github.com/Sgas17/reth-exex-liquidity/internal/wire"
)

// DefaultSocketPath is the conventional IPC endpoint.
const DefaultSocketPath = "/tmp/reth_exex_liquidity.sock"

// Config controls socket placement and consumer handling.
type Config struct {
	// Path of the Unix domain socket. DefaultSocketPath if empty.
	Path string
	// QueueSize bounds each consumer's frame queue. A consumer whose queue
	// is full is disconnected.
	QueueSize int
	// WriteTimeout bounds a single frame write; exceeding it drops the
	// consumer.
	WriteTimeout time.Duration
	// PingInterval is the idle keepalive period. Zero disables pings.
	PingInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultSocketPath
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 10_000
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

type consumer struct {
	conn    net.Conn
	frames  chan []byte
	dropped bool
}

// Sink accepts consumer connections and fans encoded frames out to them.
type Sink struct {
	cfg      Config
	listener net.Listener
	logger   *zap.Logger

	mu        sync.Mutex
	consumers map[*consumer]struct{}
	lastSend  time.Time
	closed    bool
}

// Listen binds the Unix socket, replacing any stale socket file.
func Listen(cfg Config, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	if _, err := os.Stat(cfg.Path); err == nil {
		if err := os.Remove(cfg.Path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", cfg.Path, err)
	}
	if err := os.Chmod(cfg.Path, 0o666); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("ipc sink listening", zap.String("path", cfg.Path))
	return &Sink{
		cfg:       cfg,
		listener:  listener,
		logger:    logger,
		consumers: make(map[*consumer]struct{}),
		lastSend:  time.Now(),
	}, nil
}

// Run accepts connections and emits idle keepalives until ctx is done.
func (s *Sink) Run(ctx context.Context) error {
	if s.cfg.PingInterval > 0 {
		go s.pingLoop(ctx)
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		s.attach(conn)
	}
}

func (s *Sink) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastSend) >= s.cfg.PingInterval
			s.mu.Unlock()
			if idle {
				s.Broadcast(model.Ping{})
			}
		}
	}
}

func (s *Sink) attach(conn net.Conn) {
	c := &consumer{
		conn:   conn,
		frames: make(chan []byte, s.cfg.QueueSize),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.consumers[c] = struct{}{}
	total := len(s.consumers)
	s.mu.Unlock()

	s.logger.Info("consumer connected", zap.Int("consumers", total))
	go s.writeLoop(c)
}

func (s *Sink) writeLoop(c *consumer) {
	for frame := range c.frames {
		if err := c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			s.drop(c, err)
			return
		}
		if _, err := c.conn.Write(frame); err != nil {
			s.drop(c, err)
			return
		}
	}
	c.conn.Close()
}

// drop disconnects one consumer without affecting the sender or others.
func (s *Sink) drop(c *consumer, cause error) {
	s.mu.Lock()
	_, present := s.consumers[c]
	if present {
		delete(s.consumers, c)
		if !c.dropped {
			c.dropped = true
			close(c.frames)
		}
	}
	s.mu.Unlock()

	c.conn.Close()
	if present {
		s.logger.Warn("consumer dropped", zap.Error(cause))
	}
}

// Broadcast encodes msg once and enqueues it to every consumer. The call
// never blocks: a consumer with a full queue is disconnected and its
// remaining frames are discarded.
func (s *Sink) Broadcast(msg model.ControlMessage) {
	body, err := wire.EncodeMessage(msg)
	if err != nil {
		s.logger.Warn("frame encode failed", zap.Error(err))
		return
	}
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSend = time.Now()
	for c := range s.consumers {
		select {
		case c.frames <- frame:
		default:
			delete(s.consumers, c)
			c.dropped = true
			close(c.frames)
			c.conn.Close()
			s.logger.Warn("consumer queue full, dropping connection")
		}
	}
}

// ConsumerCount reports currently connected consumers.
func (s *Sink) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// Close sends a terminal Shutdown frame to every consumer, then tears the
// socket down.
func (s *Sink) Close() {
	s.Broadcast(model.Shutdown{})

	s.mu.Lock()
	s.closed = true
	for c := range s.consumers {
		delete(s.consumers, c)
		if !c.dropped {
			c.dropped = true
			close(c.frames)
		}
	}
	s.mu.Unlock()

	s.listener.Close()
	os.Remove(s.cfg.Path)
}
