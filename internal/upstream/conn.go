package upstream

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// ErrReadTimeout is returned when an upstream goes quiet for longer than the
// read timeout, either before the response headers or between body reads
var ErrReadTimeout error = readTimeoutError{}

type readTimeoutError struct{}

func (readTimeoutError) Error() string   { return "upstream read timeout" }
func (readTimeoutError) Timeout() bool   { return true }
func (readTimeoutError) Temporary() bool { return true }

// writeDeadlineConn refreshes its write deadline before every write
type writeDeadlineConn struct {
	net.Conn
	writeTimeout time.Duration
}

func (c *writeDeadlineConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

func deadlineDialer(d *net.Dialer, write time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if write <= 0 {
			return conn, nil
		}
		return &writeDeadlineConn{Conn: conn, writeTimeout: write}, nil
	}
}

// idleTimeoutTransport cancels a request once no bytes have arrived for the
// read timeout. The timer is armed when the request is sent and re-armed on
// every body read.
type idleTimeoutTransport struct {
	base    http.RoundTripper
	timeout time.Duration
}

func (t *idleTimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.timeout <= 0 {
		return t.base.RoundTrip(req)
	}
	ctx, cancel := context.WithCancel(req.Context())
	w := &idleWatch{cancel: cancel}
	w.timer = time.AfterFunc(t.timeout, w.expire)

	res, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		w.stop()
		if w.expired.Load() {
			return nil, ErrReadTimeout
		}
		return nil, err
	}
	w.timer.Reset(t.timeout)
	res.Body = &idleTimeoutBody{ReadCloser: res.Body, watch: w, timeout: t.timeout}
	return res, nil
}

type idleWatch struct {
	timer   *time.Timer
	cancel  context.CancelFunc
	expired atomic.Bool
}

func (w *idleWatch) expire() {
	w.expired.Store(true)
	w.cancel()
}

func (w *idleWatch) stop() {
	w.timer.Stop()
	w.cancel()
}

type idleTimeoutBody struct {
	io.ReadCloser
	watch   *idleWatch
	timeout time.Duration
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF && b.watch.expired.Load() {
		return n, ErrReadTimeout
	}
	if err == nil && !b.watch.expired.Load() {
		b.watch.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	err := b.ReadCloser.Close()
	b.watch.stop()
	return err
}
