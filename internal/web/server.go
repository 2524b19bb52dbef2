// Package web serves the read-only status API.
package web

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"atbridge_go/internal/types"
)

// StartServer 启动状态 API 服务器；端口为 0 时返回 nil
func StartServer(wg *sync.WaitGroup, cfg *types.Config, src StatusSource) (*http.Server, error) {
	if cfg.WebConf.Port <= 0 {
		log.Info().Msg("[WebServer] Status API is disabled (port is 0 or not set).")
		return nil, nil
	}

	handler := NewHandler(src)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", handler.HandleStatus)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.WebConf.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("start status API on %s: %w", addr, err)
	}
	log.Info().Str("addr", listener.Addr().String()).Msg("Status API listening")

	srv := &http.Server{Handler: mux}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Web server error")
		}
		log.Info().Msg("Web server stopped.")
	}()
	return srv, nil
}
