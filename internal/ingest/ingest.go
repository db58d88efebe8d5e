package ingest

import (
	"context"
	"time"
)

const (
	SourceREST      = "rest"
	SourceTCPStream = "tcp_stream"
	SourceKafka     = "kafka"
)

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
