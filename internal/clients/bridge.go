package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrSystemBusy is returned when the bridge is at its high-water mark.
var ErrSystemBusy = errors.New("too many operations in flight")

// ErrOperationTimeout is returned when an operation outlives the bridge
// deadline. It wins over the transport classification the dead call
// would otherwise carry.
var ErrOperationTimeout = errors.New("operation timed out")

const (
	defaultBridgeTimeout = 30 * time.Second
	defaultBridgeSlots   = 100
)

type bridgeKey struct{}

// Bridge funnels every Telegram-touching operation through a bounded
// slot pool with a wall-clock deadline. Once the pool is full new work
// is rejected immediately rather than queued behind a stall.
type Bridge struct {
	slots   chan struct{}
	timeout time.Duration
	log     zerolog.Logger
}

// NewBridge builds a bridge with the given slot count and default
// per-operation timeout. Zero values take the defaults (100 slots, 30s).
func NewBridge(slots int, timeout time.Duration, logger zerolog.Logger) *Bridge {
	if slots <= 0 {
		slots = defaultBridgeSlots
	}
	if timeout <= 0 {
		timeout = defaultBridgeTimeout
	}
	return &Bridge{
		slots:   make(chan struct{}, slots),
		timeout: timeout,
		log:     logger.With().Str("component", "bridge").Logger(),
	}
}

// Pending reports how many operations hold a slot right now.
func (b *Bridge) Pending() int {
	return len(b.slots)
}

// Run executes op under the default timeout.
func (b *Bridge) Run(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return b.RunTimeout(ctx, name, b.timeout, op)
}

// RunTimeout executes op with an explicit deadline. Nested calls are
// rejected: an op must never re-enter the bridge, that is how the pool
// deadlocks.
func (b *Bridge) RunTimeout(ctx context.Context, name string, timeout time.Duration, op func(ctx context.Context) error) error {
	if ctx.Value(bridgeKey{}) != nil {
		return fmt.Errorf("nested bridge call %q", name)
	}

	select {
	case b.slots <- struct{}{}:
	default:
		b.log.Warn().Str("op", name).Int("pending", len(b.slots)).Msg("bridge full")
		return fmt.Errorf("%s: %w", name, ErrSystemBusy)
	}
	defer func() { <-b.slots }()

	opCtx, cancel := context.WithTimeout(context.WithValue(ctx, bridgeKey{}, true), timeout)
	defer cancel()

	start := time.Now()
	err := op(opCtx)
	elapsed := time.Since(start)

	if elapsed > timeout/2 {
		b.log.Warn().Str("op", name).Dur("elapsed", elapsed).Msg("slow operation")
	}

	if err != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s after %s: %w", name, elapsed.Round(time.Millisecond), ErrOperationTimeout)
	}
	return err
}
