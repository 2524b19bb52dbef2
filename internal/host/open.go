package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"atbridge_go/internal/types"
)

type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error { return nil }

// Stdio uses the process stdin/stdout; logs must then go to stderr or a file.
func Stdio() *Link {
	return NewLink(stdio{Reader: os.Stdin, Writer: os.Stdout}, "stdio")
}

// OpenDevice opens a serial tty in raw mode at baud.
func OpenDevice(path string, baud int) (*Link, error) {
	if path == "" {
		return nil, errors.New("host.device is empty")
	}
	dev, err := openSerial(path, baud)
	if err != nil {
		return nil, fmt.Errorf("open host device %s: %w", path, err)
	}
	log.Info().Str("device", path).Int("baud", baud).Msg("Host serial device opened")
	return NewLink(dev, path), nil
}

// ListenTCP waits for the first host client on addr; the listener is closed
// once it has connected.
func ListenTCP(ctx context.Context, addr string) (*Link, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for host on %s: %w", addr, err)
	}
	defer ln.Close()
	log.Info().Str("listen_addr", ln.Addr().String()).Msg("Waiting for host connection")

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept host: %w", err)
	}
	log.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("Host connected")
	return NewLink(conn, conn.RemoteAddr().String()), nil
}

// ListenWebSocket serves path on addr and returns a link for the first host
// that upgrades. Later upgrade attempts are refused.
func ListenWebSocket(ctx context.Context, addr, path string) (*Link, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for websocket host on %s: %w", addr, err)
	}
	accepted := make(chan *wsConn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := newServerConn(w, r)
		if err != nil {
			log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
			return
		}
		select {
		case accepted <- conn:
		default:
			conn.Close()
		}
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("WebSocket host listener failed")
		}
	}()
	log.Info().Str("listen_addr", ln.Addr().String()).Str("path", path).Msg("Waiting for WebSocket host")

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	select {
	case conn := <-accepted:
		log.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket host connected")
		return NewLink(conn, "ws:"+conn.RemoteAddr().String()), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Open selects the transport named by the [host] section.
func Open(ctx context.Context, cfg types.HostConf) (*Link, error) {
	switch cfg.Mode {
	case "stdio", "":
		return Stdio(), nil
	case "serial":
		return OpenDevice(cfg.Device, cfg.Baud)
	case "tcp":
		return ListenTCP(ctx, cfg.ListenAddr)
	case "websocket":
		return ListenWebSocket(ctx, cfg.ListenAddr, cfg.WsPath)
	default:
		return nil, fmt.Errorf("unsupported host mode %q", cfg.Mode)
	}
}
