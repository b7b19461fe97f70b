// Package relay forwards an upstream event stream to a caller while keeping
// the connection alive, enforcing a total time budget and noticing when the
// caller goes away
package relay

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"inference-gateway/internal/metrics"
	"inference-gateway/internal/shared"
)

const maxLineBytes = 1 << 20

type Outcome int

const (
	// UpstreamExhausted means the upstream ended the stream normally
	UpstreamExhausted Outcome = iota
	Timeout
	Disconnected
	// Failed means reading the upstream broke mid-stream
	Failed
)

func (o Outcome) String() string {
	switch o {
	case UpstreamExhausted:
		return "completed"
	case Timeout:
		return "timeout"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Writer is the caller side of a session. echo.Response satisfies it.
type Writer interface {
	Write(p []byte) (int, error)
	Flush()
}

// Result is handed to the Finalizer once per session
type Result struct {
	Outcome     Outcome
	FinalText   string
	RawLines    []string
	Heartbeats  int
	TimeToFirst time.Duration
	Duration    time.Duration
	Err         error
}

// Finalizer receives whatever the session collected, on every exit path
type Finalizer func(Result)

type Config struct {
	HeartbeatInterval time.Duration
	TotalTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: shared.DefaultHeartbeatInterval,
		TotalTimeout:      shared.DefaultTotalTimeout,
	}
}

type Relay struct {
	cfg Config
}

func New(cfg Config) *Relay {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = shared.DefaultHeartbeatInterval
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = shared.DefaultTotalTimeout
	}
	return &Relay{cfg: cfg}
}

func write(w Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// Run drives one session until the upstream ends, the total timeout passes,
// ctx is cancelled or a write to the caller fails. The upstream body is always
// closed before Run returns, and fin runs exactly once.
func (r *Relay) Run(ctx context.Context, upstream io.ReadCloser, w Writer, fin Finalizer) Result {
	start := time.Now()
	metrics.InflightStreams.Inc()
	defer metrics.InflightStreams.Dec()

	var closeOnce sync.Once
	closeUpstream := func() {
		closeOnce.Do(func() { _ = upstream.Close() })
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(upstream)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-done:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	deadline := time.NewTimer(r.cfg.TotalTimeout)
	defer deadline.Stop()
	idle := time.NewTimer(r.cfg.HeartbeatInterval)
	defer idle.Stop()

	res := Result{}
	var raw []string

loop:
	for {
		select {
		case <-ctx.Done():
			res.Outcome = Disconnected
			break loop

		case <-deadline.C:
			res.Outcome = Timeout
			_ = write(w, ErrorEvent(shared.UpstreamTimeoutMessage))
			break loop

		case <-idle.C:
			if err := write(w, heartbeat); err != nil {
				res.Outcome = Disconnected
				break loop
			}
			res.Heartbeats++
			metrics.Heartbeats.Inc()
			idle.Reset(r.cfg.HeartbeatInterval)

		case line, ok := <-lines:
			if !ok {
				err := <-readErr
				switch {
				case ctx.Err() != nil:
					res.Outcome = Disconnected
				case err != nil:
					res.Outcome = Failed
					res.Err = err
					_ = write(w, ErrorEvent(shared.UpstreamStreamErrorMessage))
				default:
					res.Outcome = UpstreamExhausted
				}
				break loop
			}
			if len(raw) == 0 {
				res.TimeToFirst = time.Since(start)
			}
			if err := write(w, frame(line)); err != nil {
				res.Outcome = Disconnected
				break loop
			}
			raw = append(raw, line)
			idle.Reset(r.cfg.HeartbeatInterval)
		}
	}

	closeUpstream()

	res.RawLines = raw
	res.FinalText = DeltaText(raw)
	res.Duration = time.Since(start)
	metrics.RelayOutcomes.WithLabelValues(res.Outcome.String()).Inc()
	if fin != nil {
		fin(res)
	}
	return res
}
