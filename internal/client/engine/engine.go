// Package engine schedules synchronization between the local store and the
// server: debounced pushes after local edits, pulls on demand, on a period
// and on realtime hints.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/prcalc/internal/client/identity"
	"github.com/MarcoPoloResearchLab/prcalc/internal/client/remote"
	"github.com/MarcoPoloResearchLab/prcalc/internal/client/replica"
	"github.com/MarcoPoloResearchLab/prcalc/internal/clock"
	"github.com/MarcoPoloResearchLab/prcalc/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultDebounce       = 2500 * time.Millisecond
	DefaultPullInterval   = 30 * time.Minute
	DefaultRequestTimeout = 20 * time.Second
	DefaultRealtimeRetry  = 15 * time.Second

	bootstrapFlightKey = "bootstrap"
)

var (
	// ErrAuthRequired is returned by network operations after the server
	// rejected the device credentials, until Bootstrap succeeds again.
	ErrAuthRequired = errors.New("engine: device must bootstrap again")

	errAlreadyStarted = errors.New("engine: already started")
	errStopped        = errors.New("engine: stopped")
)

// Remote is the sync API.
type Remote interface {
	Bootstrap(ctx context.Context, credentials remote.Credentials) (wire.BootstrapResponse, error)
	Push(ctx context.Context, credentials remote.Credentials, request wire.PushRequest) (wire.PushResponse, error)
	Pull(ctx context.Context, credentials remote.Credentials, sinceMs int64) (wire.PullResponse, error)
}

// Realtime delivers server hints until the connection ends.
type Realtime interface {
	Listen(ctx context.Context, credentials remote.Credentials, handle func(wire.StreamEvent)) error
}

// Replica converts local state to and from envelopes.
type Replica interface {
	BuildPush(ctx context.Context, sinceMs int64) (wire.PushRequest, error)
	ApplyPull(ctx context.Context, response wire.PullResponse) (replica.ApplyStats, error)
}

// IdentityStore holds the device credentials and the pull cursor.
type IdentityStore interface {
	GetOrCreate(ctx context.Context) (identity.Identity, error)
	SetAccountID(ctx context.Context, accountID string) error
	LastSyncMs(ctx context.Context) (int64, error)
	SetLastSyncMs(ctx context.Context, value int64) error
}

// ChangeSource is the local dirty flag.
type ChangeSource interface {
	ConsumeDirty() bool
	Restore()
	IsDirty() bool
	Subscribe(listener func()) func()
}

// Config wires an Engine. Zero durations take the package defaults.
type Config struct {
	Remote   Remote
	Realtime Realtime
	Replica  Replica
	Identity IdentityStore
	Changes  ChangeSource

	Debounce       time.Duration
	PullInterval   time.Duration
	RequestTimeout time.Duration
	RealtimeRetry  time.Duration
	PushPolicy     SlotPolicy
	PullPolicy     SlotPolicy

	Clock  clock.Clock
	Logger *zap.Logger
	// OnAuthError is called once each time the server starts rejecting the
	// device credentials, including a refused bootstrap.
	OnAuthError func(error)
}

// State describes what the engine is doing right now.
type State int

const (
	StateIdle State = iota
	StateDebouncing
	StatePushing
	StatePulling
)

func (s State) String() string {
	switch s {
	case StateDebouncing:
		return "debouncing"
	case StatePushing:
		return "pushing"
	case StatePulling:
		return "pulling"
	default:
		return "idle"
	}
}

// Stats counts triggers dropped because their phase was already running.
type Stats struct {
	DroppedPushes int64
	DroppedPulls  int64
}

// Engine owns the sync schedule of one device.
type Engine struct {
	remote   Remote
	realtime Realtime
	replica  Replica
	identity IdentityStore
	changes  ChangeSource

	debounce       time.Duration
	pullInterval   time.Duration
	requestTimeout time.Duration
	realtimeRetry  time.Duration

	clock       clock.Clock
	logger      *zap.Logger
	onAuthError func(error)

	pushSlot     *taskSlot
	pullSlot     *taskSlot
	bootstrapper singleflight.Group
	bootstrapped atomic.Bool

	mu            sync.Mutex
	started       bool
	stopped       bool
	ctx           context.Context
	cancel        context.CancelFunc
	debounceTimer *clock.Timer
	debounceArmed bool
	unsubscribe   func()
	detachParent  func() bool
	authErr       error
	wg            sync.WaitGroup
}

func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Remote == nil:
		return nil, fmt.Errorf("engine: remote is required")
	case cfg.Replica == nil:
		return nil, fmt.Errorf("engine: replica is required")
	case cfg.Identity == nil:
		return nil, fmt.Errorf("engine: identity store is required")
	case cfg.Changes == nil:
		return nil, fmt.Errorf("engine: change source is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onAuthError := cfg.OnAuthError
	if onAuthError == nil {
		onAuthError = func(error) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		remote:         cfg.Remote,
		realtime:       cfg.Realtime,
		replica:        cfg.Replica,
		identity:       cfg.Identity,
		changes:        cfg.Changes,
		debounce:       durationOr(cfg.Debounce, DefaultDebounce),
		pullInterval:   durationOr(cfg.PullInterval, DefaultPullInterval),
		requestTimeout: durationOr(cfg.RequestTimeout, DefaultRequestTimeout),
		realtimeRetry:  durationOr(cfg.RealtimeRetry, DefaultRealtimeRetry),
		clock:          clk,
		logger:         logger,
		onAuthError:    onAuthError,
		pushSlot:       newTaskSlot(cfg.PushPolicy),
		pullSlot:       newTaskSlot(cfg.PullPolicy),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Start wires the engine to local changes and starts the background
// schedule. It returns immediately; the initial bootstrap and pull run in
// the background and tolerate being offline.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return errStopped
	}
	if e.started {
		return errAlreadyStarted
	}
	e.started = true

	if ctx != nil {
		e.detachParent = context.AfterFunc(ctx, e.cancel)
	}

	e.unsubscribe = e.changes.Subscribe(e.scheduleDebounce)
	ticker := e.clock.NewTicker(e.pullInterval)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.initialSync(e.ctx)
	}()
	go func() {
		defer e.wg.Done()
		defer ticker.Stop()
		e.periodicLoop(e.ctx, ticker)
	}()

	if e.realtime != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.realtimeLoop(e.ctx)
		}()
	}

	e.logger.Info("sync engine started",
		zap.Duration("debounce", e.debounce),
		zap.Duration("pull_interval", e.pullInterval),
		zap.Bool("realtime", e.realtime != nil),
	)
	return nil
}

// Stop cancels in-flight requests and waits for background work to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	if e.detachParent != nil {
		e.detachParent()
	}
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}
	e.debounceArmed = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.logger.Info("sync engine stopped")
}

// Foreground asks for an immediate pull, as when the app becomes visible.
func (e *Engine) Foreground() {
	e.spawn(func(ctx context.Context) {
		e.report("pull", e.pull(ctx))
	})
}

// SyncNow pushes the whole local state and then pulls, regardless of the
// dirty flag. A failed push restores the flag and skips the pull.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.changes.ConsumeDirty()
	if err := e.push(ctx); err != nil {
		e.changes.Restore()
		return err
	}
	return e.pull(ctx)
}

func (e *Engine) PushNow(ctx context.Context) error {
	e.changes.ConsumeDirty()
	if err := e.push(ctx); err != nil {
		e.changes.Restore()
		return err
	}
	return nil
}

func (e *Engine) PullNow(ctx context.Context) error {
	return e.pull(ctx)
}

// Bootstrap registers the device with the server. Concurrent callers share
// one request, which runs under the engine's lifetime rather than the
// caller's context. Success clears a recorded authentication failure.
func (e *Engine) Bootstrap(ctx context.Context) error {
	result := e.bootstrapper.DoChan(bootstrapFlightKey, func() (interface{}, error) {
		return nil, e.bootstrap(e.ctx)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case outcome := <-result:
		return outcome.Err
	}
}

// AuthErr returns the authentication failure that currently blocks syncing.
func (e *Engine) AuthErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.authErr
}

func (e *Engine) State() State {
	if e.pushSlot.isBusy() {
		return StatePushing
	}
	if e.pullSlot.isBusy() {
		return StatePulling
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.debounceArmed {
		return StateDebouncing
	}
	return StateIdle
}

func (e *Engine) Stats() Stats {
	return Stats{DroppedPushes: e.pushSlot.droppedCount(), DroppedPulls: e.pullSlot.droppedCount()}
}

func (e *Engine) bootstrap(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	credentials, err := e.credentials(ctx)
	if err != nil {
		return err
	}
	response, err := e.remote.Bootstrap(ctx, credentials)
	if err != nil {
		if remote.IsAuth(err) || remote.IsValidation(err) {
			e.blockSync(err)
		}
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := e.identity.SetAccountID(ctx, response.AccountID); err != nil {
		return err
	}
	e.bootstrapped.Store(true)
	e.mu.Lock()
	e.authErr = nil
	e.mu.Unlock()
	e.logger.Info("device bootstrapped",
		zap.String("device_id", credentials.DeviceID),
		zap.String("account_id", response.AccountID),
	)
	return nil
}

func (e *Engine) ensureBootstrapped(ctx context.Context) error {
	if e.bootstrapped.Load() {
		return nil
	}
	return e.Bootstrap(ctx)
}

func (e *Engine) push(ctx context.Context) error {
	if err := e.AuthErr(); err != nil {
		return ErrAuthRequired
	}
	return e.pushSlot.run(ctx, func(ctx context.Context) error {
		if err := e.ensureBootstrapped(ctx); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
		defer cancel()

		credentials, err := e.credentials(ctx)
		if err != nil {
			return err
		}
		since, err := e.identity.LastSyncMs(ctx)
		if err != nil {
			return err
		}
		request, err := e.replica.BuildPush(ctx, since)
		if err != nil {
			return err
		}
		response, err := e.remote.Push(ctx, credentials, request)
		if err != nil {
			e.recordAuthFailure(err)
			return fmt.Errorf("push: %w", err)
		}
		for _, rejection := range response.Rejected {
			e.logger.Warn("server rejected record",
				zap.String("kind", rejection.Kind),
				zap.String("id", rejection.ID),
				zap.String("reason", rejection.Reason),
			)
		}
		e.logger.Debug("push complete",
			zap.Int("accepted", response.Accepted),
			zap.Int("rejected", len(response.Rejected)),
		)
		return nil
	})
}

func (e *Engine) pull(ctx context.Context) error {
	if err := e.AuthErr(); err != nil {
		return ErrAuthRequired
	}
	return e.pullSlot.run(ctx, func(ctx context.Context) error {
		if err := e.ensureBootstrapped(ctx); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
		defer cancel()

		credentials, err := e.credentials(ctx)
		if err != nil {
			return err
		}
		since, err := e.identity.LastSyncMs(ctx)
		if err != nil {
			return err
		}
		response, err := e.remote.Pull(ctx, credentials, since)
		if err != nil {
			e.recordAuthFailure(err)
			return fmt.Errorf("pull: %w", err)
		}
		stats, err := e.replica.ApplyPull(ctx, response)
		if err != nil {
			return err
		}
		if err := e.identity.SetLastSyncMs(ctx, response.ServerTimeMs); err != nil {
			return err
		}
		e.logger.Debug("pull complete",
			zap.Int64("since_ms", since),
			zap.Int64("server_time_ms", response.ServerTimeMs),
			zap.Int("movements", stats.Movements),
			zap.Int("pr_entries", stats.PrEntries),
			zap.Int("stale", stats.Stale),
		)
		return nil
	})
}

// flush is the debounced cycle: push when something changed, then pull.
func (e *Engine) flush(ctx context.Context) {
	if !e.changes.ConsumeDirty() {
		return
	}
	if err := e.push(ctx); err != nil {
		e.changes.Restore()
		e.report("push", err)
		return
	}
	e.report("pull", e.pull(ctx))
}

func (e *Engine) scheduleDebounce() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.debounceArmed = true
	if e.debounceTimer == nil {
		e.debounceTimer = e.clock.AfterFunc(e.debounce, e.onDebounceElapsed)
		return
	}
	e.debounceTimer.Reset(e.debounce)
}

func (e *Engine) onDebounceElapsed() {
	e.mu.Lock()
	e.debounceArmed = false
	e.mu.Unlock()
	e.spawn(e.flush)
}

func (e *Engine) initialSync(ctx context.Context) {
	if err := e.Bootstrap(ctx); err != nil {
		e.report("bootstrap", err)
		return
	}
	e.report("pull", e.pull(ctx))
}

func (e *Engine) periodicLoop(ctx context.Context, ticker *clock.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.changes.IsDirty() {
				e.flush(ctx)
				continue
			}
			e.report("pull", e.pull(ctx))
		}
	}
}

func (e *Engine) realtimeLoop(ctx context.Context) {
	for {
		if e.AuthErr() == nil {
			err := e.listen(ctx)
			if ctx.Err() != nil {
				return
			}
			e.logger.Debug("realtime stream ended", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(e.realtimeRetry):
		}
	}
}

func (e *Engine) listen(ctx context.Context) error {
	if err := e.ensureBootstrapped(ctx); err != nil {
		return err
	}
	credentials, err := e.credentials(ctx)
	if err != nil {
		return err
	}
	err = e.realtime.Listen(ctx, credentials, func(event wire.StreamEvent) {
		if event.Type == wire.StreamEventSyncChanged {
			e.spawn(func(ctx context.Context) {
				e.report("pull", e.pull(ctx))
			})
		}
	})
	e.recordAuthFailure(err)
	return err
}

func (e *Engine) credentials(ctx context.Context) (remote.Credentials, error) {
	current, err := e.identity.GetOrCreate(ctx)
	if err != nil {
		return remote.Credentials{}, err
	}
	return remote.Credentials{DeviceID: current.DeviceID, DeviceToken: current.DeviceToken}, nil
}

// recordAuthFailure blocks further network work after a 401.
func (e *Engine) recordAuthFailure(err error) {
	if !remote.IsAuth(err) {
		return
	}
	e.blockSync(err)
}

// blockSync pauses pushes, pulls and the realtime stream until an explicit
// Bootstrap succeeds, reporting only the first failure.
func (e *Engine) blockSync(err error) {
	e.bootstrapped.Store(false)
	e.mu.Lock()
	first := e.authErr == nil
	if first {
		e.authErr = err
	}
	e.mu.Unlock()
	if first {
		e.logger.Warn("device credentials rejected; sync paused until bootstrap", zap.Error(err))
		e.onAuthError(err)
	}
}

// report logs the outcome of a background operation. Offline and busy
// outcomes are expected and stay at debug.
func (e *Engine) report(operation string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrSlotBusy):
		e.logger.Debug("sync trigger dropped", zap.String("operation", operation))
	case remote.IsTransient(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.logger.Debug("sync deferred", zap.String("operation", operation), zap.Error(err))
	case errors.Is(err, ErrAuthRequired), remote.IsAuth(err), e.AuthErr() != nil:
		e.logger.Debug("sync skipped", zap.String("operation", operation), zap.Error(err))
	default:
		e.logger.Warn("sync failed", zap.String("operation", operation), zap.Error(err))
	}
}

func (e *Engine) spawn(task func(context.Context)) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		task(e.ctx)
	}()
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
