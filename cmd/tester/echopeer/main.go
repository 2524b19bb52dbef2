// echopeer answers TCP and UDP traffic with the bytes it received; point
// AT+CIPSTART at it for manual end-to-end checks.
package main

import (
	"errors"
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"

	"atbridge_go/internal/shared/logger"
	"atbridge_go/internal/types"
)

func main() {
	addr := flag.String("addr", ":4000", "TCP and UDP listen address")
	level := flag.String("log", "debug", "log level")
	flag.Parse()

	if err := logger.Init(types.LogConf{Level: *level}); err != nil {
		logger.Fatal().Err(err).Msg("Error initializing logger")
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("无法监听TCP端口")
	}
	pc, err := net.ListenPacket("udp", *addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("无法监听UDP端口")
	}
	logger.Info().Str("tcp", ln.Addr().String()).Str("udp", pc.LocalAddr().String()).Msg("Echo peer listening")

	go serveTCP(ln)
	go serveUDP(pc)

	waitForSignal()
	_ = ln.Close()
	_ = pc.Close()
	logger.Info().Msg("--- Echo peer shutdown complete. ---")
}

func serveTCP(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Error().Err(err).Msg("Accept failed")
			}
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			remote := c.RemoteAddr().String()
			logger.Info().Str("remote", remote).Msg("TCP client connected")
			n, err := io.Copy(c, c)
			if err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Debug().Err(err).Str("remote", remote).Msg("TCP echo ended")
			}
			logger.Info().Str("remote", remote).Str("echoed", humanize.Bytes(uint64(n))).Msg("TCP client gone")
		}(conn)
	}
}

func serveUDP(pc net.PacketConn) {
	buf := make([]byte, 64*1024)
	for {
		// 读取一个UDP包
		n, remote, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn().Err(err).Msg("读取错误")
			continue
		}
		logger.Debug().Str("remote", remote.String()).Int("bytes", n).Msg("收到UDP包")

		// 将收到的数据原封不动地发回给源地址
		if _, err := pc.WriteTo(buf[:n], remote); err != nil {
			logger.Warn().Err(err).Str("remote", remote.String()).Msg("写入错误")
		}
	}
}

func waitForSignal() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}
