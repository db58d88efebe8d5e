package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"

	"zonewatch/internal/config"
)

// StartTCPStream accepts newline-delimited JSON fixes. Every line is answered
// with one JSON line holding the per-fix results.
func StartTCPStream(ctx context.Context, cfg *config.Manager, gateway *Gateway, logger *slog.Logger) (net.Listener, error) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil, nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleTCPStreamConn(ctx, conn, gateway, logger)
		}
	}()
	return ln, nil
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, gateway *Gateway, logger *slog.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		results, _, err := gateway.SubmitBytes(ctx, line, SourceTCPStream)
		var reply any = results
		if err != nil {
			reply = map[string]string{"error": err.Error()}
		}
		if err := enc.Encode(reply); err != nil {
			if logger != nil {
				logger.Debug("tcp stream write error", "err", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
