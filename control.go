package main

import (
	"bufio"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"relaychat/server"
)

// controlSocket serves one-line management commands over a unix socket:
//
//	stats              -> OK|connections=N,users=a;b
//	shutdown[|reason]  -> OK|Shutting down
type controlSocket struct {
	path     string
	listener net.Listener
	srv      *server.Server
	shutdown func()
	log      zerolog.Logger

	once sync.Once
}

func listenControl(path string, srv *server.Server, shutdown func(), log zerolog.Logger) (*controlSocket, error) {
	// A stale socket file from a previous run blocks Listen.
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Msg("control socket listening")

	return &controlSocket{
		path:     path,
		listener: ln,
		srv:      srv,
		shutdown: shutdown,
		log:      log.With().Str("component", "control").Logger(),
	}, nil
}

func (c *controlSocket) serve() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		go c.handle(conn)
	}
}

func (c *controlSocket) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
	switch parts[0] {
	case "stats":
		_, _ = conn.Write([]byte("OK|" + c.srv.GetStats().String() + "\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}
		_, _ = conn.Write([]byte("OK|Shutting down\n"))
		c.log.Info().Str("reason", reason).Msg("shutdown requested")
		c.shutdown()

	default:
		_, _ = conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

func (c *controlSocket) close() error {
	var err error
	c.once.Do(func() {
		err = c.listener.Close()
		_ = os.Remove(c.path)
	})
	return err
}
