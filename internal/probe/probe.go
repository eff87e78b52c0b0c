// Package probe waits for TCP listeners to appear on local ports.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultAttemptTimeout = 1 * time.Second
	DefaultBackoff        = 500 * time.Millisecond
)

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("port did not become reachable")

// Target is a TCP endpoint to poll and how long to keep trying.
type Target struct {
	Name    string
	Host    string
	Port    int
	Timeout time.Duration
}

// Address returns host:port.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// TimeoutError reports a target that never accepted a connection.
type TimeoutError struct {
	Target   Target
	Elapsed  time.Duration
	Attempts int
	LastErr  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s not reachable after %v (%d attempts): %v",
		ErrTimeout, e.Target.Address(), e.Elapsed, e.Attempts, e.LastErr)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// DialFunc opens a connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Prober polls TCP ports until they accept connections.
type Prober struct {
	clock          clockwork.Clock
	dial           DialFunc
	attemptTimeout time.Duration
	backoff        time.Duration
}

// Option configures a Prober.
type Option func(*Prober)

// WithClock sets the clock used for elapsed time and backoff sleeps.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Prober) { p.clock = clock }
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) Option {
	return func(p *Prober) { p.dial = dial }
}

// WithAttemptTimeout bounds a single connection attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(p *Prober) { p.attemptTimeout = d }
}

// WithBackoff sets the pause between failed attempts.
func WithBackoff(d time.Duration) Option {
	return func(p *Prober) { p.backoff = d }
}

// NewProber creates a Prober with a real clock and the default timings
func NewProber(opts ...Option) *Prober {
	p := &Prober{
		clock:          clockwork.NewRealClock(),
		attemptTimeout: DefaultAttemptTimeout,
		backoff:        DefaultBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dial == nil {
		dialer := &net.Dialer{}
		p.dial = dialer.DialContext
	}
	return p
}

// WaitForPort returns nil as soon as target accepts a TCP connection. It
// returns a *TimeoutError once target.Timeout has elapsed without success, and
// ctx.Err() if ctx is cancelled first. The connection is closed immediately;
// this only proves a listener exists.
func (p *Prober) WaitForPort(ctx context.Context, target Target) error {
	start := p.clock.Now()
	address := target.Address()
	attempts := 0

	zap.L().Debug("Waiting for port",
		zap.String("target", target.Name),
		zap.String("address", address),
		zap.Duration("timeout", target.Timeout))

	for {
		attempts++
		lastErr := p.attempt(ctx, address)
		if lastErr == nil {
			zap.L().Info("Port is reachable",
				zap.String("target", target.Name),
				zap.String("address", address),
				zap.Int("attempts", attempts),
				zap.Duration("elapsed", p.clock.Since(start)))
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		elapsed := p.clock.Since(start)
		if elapsed >= target.Timeout {
			return &TimeoutError{Target: target, Elapsed: elapsed, Attempts: attempts, LastErr: lastErr}
		}

		select {
		case <-p.clock.After(p.backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Prober) attempt(ctx context.Context, address string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()

	conn, err := p.dial(attemptCtx, "tcp", address)
	if err != nil {
		return err
	}
	if closeErr := conn.Close(); closeErr != nil {
		zap.L().Debug("Failed to close probe connection", zap.String("address", address), zap.Error(closeErr))
	}
	return nil
}
