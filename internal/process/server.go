package process

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Server speaks the process protocol as line-delimited JSON over TCP.
type Server struct {
	Addr string
	Hub  *Hub
	log  *zap.Logger
}

func NewServer(addr string, hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Addr: addr, Hub: hub, log: logger.Named("tcp")}
}

// Run listens on Addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled, then closes ln
// and waits for connection handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}

		client := s.Hub.Connect(&tcpTransport{conn: conn})
		s.Hub.Welcome(client)
		s.log.Info("client connected", zap.String("client", client.ID()), zap.Stringer("remote", conn.RemoteAddr()))

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				s.Hub.Disconnect(client)
				s.log.Info("client disconnected", zap.String("client", client.ID()))
			}()

			// unblock the scanner when the hub drops the client or we shut down
			go func() {
				select {
				case <-client.Done():
				case <-ctx.Done():
				}
				_ = conn.Close()
			}()

			sc := bufio.NewScanner(conn)
			for sc.Scan() {
				line := sc.Bytes()
				if len(line) == 0 {
					continue
				}
				s.Hub.Handle(client, append([]byte(nil), line...))
			}
		}()
	}
}

type tcpTransport struct {
	mu   sync.Mutex
	conn net.Conn
}

func (t *tcpTransport) Kind() string { return "tcp" }

func (t *tcpTransport) Write(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	w := bufio.NewWriter(t.conn)
	if _, err := w.Write(frame); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}
