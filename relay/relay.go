// Package relay is the bidirectional copy loop between an ingress
// connection and its upstream mux stream: 32KiB buffers each way, a
// flush every 16KiB, and a 300s idle timer that cancels the whole
// relay — plus half-close, where EOF on one side shuts down the write
// side of the other instead of tearing the connection down outright.
//
// Grounded on XTLS-Xray-core/proxy/socks/server.go's transport():
// the same task.OnSuccess(copyOneDirection, closeOneDirection) plus
// task.Run(ctx, uplink, downlink) shape, generalized off xray's
// buf.Copy/ActivityUpdater since there is no buffer-pool layer here.
package relay

import (
	"context"
	"io"

	"github.com/ech-tunnel/echtun/common/errors"
	"github.com/ech-tunnel/echtun/common/signal"
	"github.com/ech-tunnel/echtun/common/task"
	"github.com/ech-tunnel/echtun/config"
)

// halfCloser is satisfied by connections such as *net.TCPConn: closing
// only the write side lets the other direction keep draining. mux.Stream
// does not implement it, so a stream side is closed with Close.
type halfCloser interface {
	CloseWrite() error
}

// Copy relays bytes between a and b in both directions until both
// directions have finished (EOF or an error) or config.DefaultRelayIdle
// passes with no activity on either direction, then returns. When a side supports CloseWrite,
// its write half is shut down on the other direction's EOF instead of
// closing the whole connection (so outstanding reads can still drain);
// otherwise the whole side is closed.
func Copy(ctx context.Context, a, b io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := signal.CancelAfterInactivity(ctx, cancel, config.DefaultRelayIdle)

	uplink := func() error {
		return copyDirection(a, b, timer)
	}
	downlink := func() error {
		return copyDirection(b, a, timer)
	}

	uplinkDone := task.OnSuccess(uplink, closeWriteOrClose(b))
	downlinkDone := task.OnSuccess(downlink, closeWriteOrClose(a))

	if err := task.Run(ctx, uplinkDone, downlinkDone); err != nil {
		a.Close()
		b.Close()
		return errors.New("relay ended").AtKind(errors.KindIoFault).Base(err)
	}
	return nil
}

func closeWriteOrClose(side io.ReadWriteCloser) func() error {
	return func() error {
		if hc, ok := side.(halfCloser); ok {
			return hc.CloseWrite()
		}
		return side.Close()
	}
}

// copyDirection streams from src to dst, flushing (if dst supports
// it) every config.DefaultRelayFlushEach bytes and touching timer on
// every successful read so the idle timeout only fires on true
// silence in both directions.
func copyDirection(src io.Reader, dst io.Writer, timer *signal.ActivityTimer) error {
	buf := make([]byte, config.DefaultRelayBufSize)
	flusher, canFlush := dst.(interface{ Flush() error })
	sinceFlush := 0

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			timer.Update()
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return errors.New("relay write failed").AtKind(errors.KindIoFault).Base(werr)
			}
			sinceFlush += n
			if canFlush && sinceFlush >= config.DefaultRelayFlushEach {
				if err := flusher.Flush(); err != nil {
					return errors.New("relay flush failed").AtKind(errors.KindIoFault).Base(err)
				}
				sinceFlush = 0
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return errors.New("relay read failed").AtKind(errors.KindIoFault).Base(rerr)
		}
	}
}
