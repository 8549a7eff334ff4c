package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/pkg/retry"
	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned without contacting the gateway while its breaker is open.
var ErrCircuitOpen = fmt.Errorf("circuit open: %w", domainErrors.ErrProviderUnavailable)

// BreakerSettings configures the per-provider circuit breaker.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  5,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  10,
		FailureRatio: 0.6,
	}
}

// Observer receives one notification per gateway call.
type Observer func(id ID, op string, elapsed time.Duration, err error)

// StateListener is notified on breaker state changes.
type StateListener func(id ID, from, to gobreaker.State)

type entry struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker[any]
}

// Registry maps provider ids to adapters. Lookups are read-locked so providers
// may be registered after startup.
type Registry struct {
	mu        sync.RWMutex
	entries   map[ID]*entry
	timeout   time.Duration
	breaker   BreakerSettings
	readRetry retry.Config
	observer  Observer
	listener  StateListener
}

type RegistryOption func(*Registry)

// WithTimeout bounds every gateway call.
func WithTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

func WithBreakerSettings(s BreakerSettings) RegistryOption {
	return func(r *Registry) { r.breaker = s }
}

// WithReadRetry sets the retry policy for CallIdempotent.
func WithReadRetry(cfg retry.Config) RegistryOption {
	return func(r *Registry) { r.readRetry = cfg }
}

func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

func WithStateListener(l StateListener) RegistryOption {
	return func(r *Registry) { r.listener = l }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:   make(map[ID]*entry),
		timeout:   10 * time.Second,
		breaker:   DefaultBreakerSettings(),
		readRetry: retry.DefaultConfig(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds or replaces the adapter for p.ID().
func (r *Registry) Register(p Provider) {
	id := p.ID()
	s := r.breaker
	settings := gobreaker.Settings{
		Name:        string(id),
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= s.FailureRatio
		},
		// Gateway declines mean the gateway is healthy.
		IsSuccessful: func(err error) bool {
			return err == nil || !transient(err)
		},
	}
	if r.listener != nil {
		listener := r.listener
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			listener(id, from, to)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &entry{
		provider: p,
		breaker:  gobreaker.NewCircuitBreaker[any](settings),
	}
}

// Resolve returns the adapter registered under id.
func (r *Registry) Resolve(id ID) (Provider, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.provider, nil
}

// IDs lists registered providers in lexical order.
func (r *Registry) IDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// BreakerState reports the breaker state of id.
func (r *Registry) BreakerState(id ID) (gobreaker.State, error) {
	e, err := r.lookup(id)
	if err != nil {
		return gobreaker.StateClosed, err
	}
	return e.breaker.State(), nil
}

func (r *Registry) lookup(id ID) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", id, domainErrors.ErrUnsupportedProvider)
	}
	return e, nil
}

// Call runs fn against provider id behind its breaker and the call timeout.
// It never retries, so it is the only way to issue mutating requests.
func Call[T any](ctx context.Context, r *Registry, id ID, op string, fn func(ctx context.Context, p Provider) (T, error)) (T, error) {
	var zero T
	e, err := r.lookup(id)
	if err != nil {
		return zero, err
	}

	start := time.Now()
	res, err := e.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		v, err := fn(callCtx, e.provider)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domainErrors.ErrProviderTimeout) {
			err = fmt.Errorf("%w: %w", domainErrors.ErrProviderTimeout, err)
		}
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("provider %s: %w", id, ErrCircuitOpen)
	}
	if r.observer != nil {
		r.observer(id, op, time.Since(start), err)
	}
	if err != nil {
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

// CallIdempotent is Call with bounded retries on transport failures. Use it for reads only.
func CallIdempotent[T any](ctx context.Context, r *Registry, id ID, op string, fn func(ctx context.Context, p Provider) (T, error)) (T, error) {
	cfg := r.readRetry
	cfg.RetryIf = transient
	return retry.DoWithResult(ctx, cfg, func() (T, error) {
		return Call(ctx, r, id, op, fn)
	})
}

// Definitive reports whether err proves the request had no effect at the
// gateway: an explicit decline, or a breaker that never let it through.
func Definitive(err error) bool {
	if err == nil {
		return false
	}
	var pe *domainErrors.ProviderError
	return errors.As(err, &pe) ||
		errors.Is(err, domainErrors.ErrNotCancelable) ||
		errors.Is(err, domainErrors.ErrAmountExceedsRemaining) ||
		errors.Is(err, ErrCircuitOpen)
}

func transient(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return errors.Is(err, domainErrors.ErrProviderUnavailable) ||
		errors.Is(err, domainErrors.ErrProviderTimeout)
}
