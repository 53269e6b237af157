package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devicehub/hub-client-go/pkg/connection"
	"github.com/devicehub/hub-client-go/pkg/log"
	"github.com/devicehub/hub-client-go/pkg/metrics"
	"github.com/devicehub/hub-client-go/pkg/retry"
	"github.com/devicehub/hub-client-go/pkg/wire"
)

// Operation outcomes used in logs and metrics.
const (
	outcomeOK           = "ok"
	outcomeCanceled     = "canceled"
	outcomeClosed       = "closed"
	outcomeTerminal     = "terminal"
	outcomeNonRetryable = "non_retryable"
	outcomeRetryExpired = "retry_expired"
)

// RetryOption configures a RetryHandler.
type RetryOption func(*RetryHandler)

// WithRetryPolicy sets the initial policy. A nil policy installs
// retry.Default.
func WithRetryPolicy(p retry.Policy) RetryOption {
	return func(h *RetryHandler) {
		h.SetRetryPolicy(p)
	}
}

// WithAutoReconnect controls session recovery after connection loss.
// Enabled by default.
func WithAutoReconnect(enabled bool) RetryOption {
	return func(h *RetryHandler) {
		h.autoReconnect = enabled
	}
}

// RetryStage returns a Stage that builds a RetryHandler.
func RetryStage(opts ...RetryOption) Stage {
	return func(pctx *Context, next Handler) Handler {
		return NewRetryHandler(pctx, next, opts...)
	}
}

// policyBox lets an interface value live in an atomic.Pointer.
type policyBox struct {
	policy retry.Policy
}

// subscriptions are the links the caller asked for, restored after
// recovery.
type subscriptions struct {
	messages  bool
	methods   bool
	twinPatch bool
}

// RetryHandler wraps every request in a retry loop governed by the active
// policy and maintains the connection status.
type RetryHandler struct {
	next     Handler
	tracker  *connection.Tracker
	logger   *slog.Logger
	protoLog log.Logger
	key      string

	policy        atomic.Pointer[policyBox]
	autoReconnect bool

	// life is cancelled by Close and bounds recovery.
	life       context.Context
	cancelLife context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	opened     bool
	closed     bool
	subs       subscriptions
	recovering bool
	lostAgain  bool
	callbacks  Callbacks
}

// NewRetryHandler creates a RetryHandler over next.
func NewRetryHandler(pctx *Context, next Handler, opts ...RetryOption) *RetryHandler {
	if pctx.Tracker == nil {
		pctx.Tracker = connection.NewTracker(connection.WithProtocolLogger(pctx.DeviceKey, pctx.ProtocolLogger))
	}
	life, cancel := context.WithCancel(context.Background())
	h := &RetryHandler{
		next:          next,
		tracker:       pctx.Tracker,
		logger:        pctx.logger().With("device", pctx.DeviceKey),
		protoLog:      log.OrNoop(pctx.ProtocolLogger),
		key:           pctx.DeviceKey,
		autoReconnect: true,
		life:          life,
		cancelLife:    cancel,
	}
	h.SetRetryPolicy(nil)
	for _, opt := range opts {
		opt(h)
	}
	h.next.SetCallbacks(Callbacks{OnConnectionLost: h.connectionLost})
	return h
}

// SetRetryPolicy replaces the active policy. Loops already running keep
// the policy they started with. A nil policy installs retry.Default.
func (h *RetryHandler) SetRetryPolicy(p retry.Policy) {
	if p == nil {
		p = retry.Default()
	}
	h.policy.Store(&policyBox{policy: p})
}

// RetryPolicy returns the active policy.
func (h *RetryHandler) RetryPolicy() retry.Policy {
	return h.policy.Load().policy
}

func (h *RetryHandler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *RetryHandler) setStatus(status connection.Status, reason connection.Reason) {
	if h.tracker.Set(status, reason) {
		metrics.RecordStatusChange(status.String(), reason.String())
		h.logger.Info("connection status changed", "status", status, "reason", reason)
	}
}

// run calls fn until it succeeds, fails for a reason the policy cannot
// help with, or ctx ends.
func (h *RetryHandler) run(ctx context.Context, op string, fn func(context.Context) error) error {
	if h.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	policy := h.RetryPolicy()
	start := time.Now()
	var (
		attempt uint32
		calls   uint32
	)
	done := func(outcome string, err error) error {
		h.finish(op, outcome, calls, start, err)
		return err
	}

	for {
		calls++
		err := fn(ctx)
		if err == nil {
			return done(outcomeOK, nil)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return done(outcomeCanceled, ctxErr)
		}

		switch wire.Classify(err) {
		case wire.ClassCanceled:
			return done(outcomeCanceled, err)
		case wire.ClassTerminal:
			h.setStatus(connection.StatusDisconnected, connection.ReasonForKind(wire.KindOf(err)))
			return done(outcomeTerminal, err)
		case wire.ClassNonRetryable:
			return done(outcomeNonRetryable, err)
		}

		attempt++
		again, delay := policy.ShouldRetry(attempt, err)
		if !again {
			if op == opOpen || op == opRecover {
				h.setStatus(connection.StatusDisconnected, connection.ReasonRetryExpired)
			}
			return done(outcomeRetryExpired, err)
		}
		if delay < 0 {
			delay = 0
		}

		metrics.RecordRetry(op)
		h.logger.Debug("retrying after transient failure",
			"op", op, "attempt", attempt, "delay", delay, "err", err)

		if err := h.wait(ctx, delay); err != nil {
			outcome := outcomeCanceled
			if errors.Is(err, ErrClosed) {
				outcome = outcomeClosed
			}
			return done(outcome, err)
		}
	}
}

// wait sleeps for d unless ctx ends or the handler is closed.
func (h *RetryHandler) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.life.Done():
		return ErrClosed
	}
}

func (h *RetryHandler) finish(op, outcome string, calls uint32, start time.Time, err error) {
	elapsed := time.Since(start)
	metrics.RecordOperation(op, outcome, elapsed)
	h.protoLog.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerPipeline,
		Category:  log.CategoryOperation,
		DeviceKey: h.key,
		Operation: &log.OperationEvent{
			Name:     op,
			Attempts: calls,
			Duration: elapsed,
			Outcome:  outcome,
		},
	})
	if err != nil && outcome != outcomeCanceled {
		h.protoLog.Log(log.NewErrorEvent(log.LayerPipeline, "", h.key, op, err))
	}
}

// Open opens the session and reports Connected on success.
func (h *RetryHandler) Open(ctx context.Context) error {
	if err := h.run(ctx, opOpen, h.next.Open); err != nil {
		return err
	}
	h.mu.Lock()
	h.opened = true
	h.mu.Unlock()
	h.setStatus(connection.StatusConnected, connection.ReasonConnectionOK)
	return nil
}

// Close stops recovery, closes the inner stages once, and moves the status
// to Closed. It is not retried.
func (h *RetryHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancelLife()
	h.wg.Wait()

	start := time.Now()
	err := h.next.Close(ctx)
	outcome := outcomeOK
	if err != nil {
		outcome = outcomeNonRetryable
	}
	h.finish(opClose, outcome, 1, start, err)
	h.setStatus(connection.StatusClosed, connection.ReasonClientClosed)
	return err
}

func (h *RetryHandler) SendTelemetry(ctx context.Context, msg *wire.TelemetryMessage) error {
	return h.run(ctx, opSendTelemetry, func(ctx context.Context) error {
		return h.next.SendTelemetry(ctx, msg)
	})
}

func (h *RetryHandler) SendTelemetryBatch(ctx context.Context, msgs []*wire.TelemetryMessage) error {
	return h.run(ctx, opSendTelemetryBatch, func(ctx context.Context) error {
		return h.next.SendTelemetryBatch(ctx, msgs)
	})
}

func (h *RetryHandler) EnableReceiveMessage(ctx context.Context) error {
	if err := h.run(ctx, opEnableReceive, h.next.EnableReceiveMessage); err != nil {
		return err
	}
	h.setSubscription(func(s *subscriptions) { s.messages = true })
	return nil
}

// DisableReceiveMessage drops the subscription before detaching, so a
// recovery running concurrently does not restore it.
func (h *RetryHandler) DisableReceiveMessage(ctx context.Context) error {
	h.setSubscription(func(s *subscriptions) { s.messages = false })
	return h.run(ctx, opDisableReceive, h.next.DisableReceiveMessage)
}

// ReceiveMessage is a wait, not a request, and is not retried.
func (h *RetryHandler) ReceiveMessage(ctx context.Context) (*wire.IncomingMessage, error) {
	if h.isClosed() {
		return nil, ErrClosed
	}
	return h.next.ReceiveMessage(ctx)
}

func (h *RetryHandler) CompleteMessage(ctx context.Context, lockToken string) error {
	return h.run(ctx, opCompleteMessage, func(ctx context.Context) error {
		return h.next.CompleteMessage(ctx, lockToken)
	})
}

func (h *RetryHandler) RejectMessage(ctx context.Context, lockToken string) error {
	return h.run(ctx, opRejectMessage, func(ctx context.Context) error {
		return h.next.RejectMessage(ctx, lockToken)
	})
}

func (h *RetryHandler) AbandonMessage(ctx context.Context, lockToken string) error {
	return h.run(ctx, opAbandonMessage, func(ctx context.Context) error {
		return h.next.AbandonMessage(ctx, lockToken)
	})
}

func (h *RetryHandler) EnableMethods(ctx context.Context) error {
	if err := h.run(ctx, opEnableMethods, h.next.EnableMethods); err != nil {
		return err
	}
	h.setSubscription(func(s *subscriptions) { s.methods = true })
	return nil
}

func (h *RetryHandler) DisableMethods(ctx context.Context) error {
	h.setSubscription(func(s *subscriptions) { s.methods = false })
	return h.run(ctx, opDisableMethods, h.next.DisableMethods)
}

func (h *RetryHandler) EnableTwinPatch(ctx context.Context) error {
	if err := h.run(ctx, opEnableTwinPatch, h.next.EnableTwinPatch); err != nil {
		return err
	}
	h.setSubscription(func(s *subscriptions) { s.twinPatch = true })
	return nil
}

func (h *RetryHandler) DisableTwinPatch(ctx context.Context) error {
	h.setSubscription(func(s *subscriptions) { s.twinPatch = false })
	return h.run(ctx, opDisableTwinPatch, h.next.DisableTwinPatch)
}

func (h *RetryHandler) GetTwin(ctx context.Context) (*wire.Twin, error) {
	var twin *wire.Twin
	err := h.run(ctx, opGetTwin, func(ctx context.Context) error {
		var err error
		twin, err = h.next.GetTwin(ctx)
		return err
	})
	return twin, err
}

func (h *RetryHandler) UpdateReportedProperties(ctx context.Context, props map[string]any) (int64, error) {
	var version int64
	err := h.run(ctx, opUpdateReported, func(ctx context.Context) error {
		var err error
		version, err = h.next.UpdateReportedProperties(ctx, props)
		return err
	})
	return version, err
}

// SetCallbacks passes cb down with connection loss routed through the
// handler first.
func (h *RetryHandler) SetCallbacks(cb Callbacks) {
	h.mu.Lock()
	h.callbacks = cb
	h.mu.Unlock()

	cb.OnConnectionLost = h.connectionLost
	h.next.SetCallbacks(cb)
}

func (h *RetryHandler) setSubscription(fn func(*subscriptions)) {
	h.mu.Lock()
	fn(&h.subs)
	h.mu.Unlock()
}

// connectionLost reacts to the physical connection failing under an open
// session. It never blocks.
func (h *RetryHandler) connectionLost(err error) {
	h.mu.Lock()
	if h.closed || !h.opened {
		h.mu.Unlock()
		return
	}
	upstream := h.callbacks.OnConnectionLost
	reconnect := h.autoReconnect
	start := false
	if reconnect {
		if h.recovering {
			h.lostAgain = true
		} else {
			h.recovering = true
			start = true
			h.wg.Add(1)
		}
	}
	h.mu.Unlock()

	if reconnect {
		h.setStatus(connection.StatusDisconnected, connection.ReasonCommunicationError)
	} else {
		h.setStatus(connection.StatusDisabled, connection.ReasonCommunicationError)
	}
	if upstream != nil {
		upstream(err)
	}
	if start {
		go h.recover()
	}
}

// recover reopens the session and restores subscriptions until it
// succeeds, the policy gives up, or the handler closes.
func (h *RetryHandler) recover() {
	defer h.wg.Done()

	for {
		err := h.run(h.life, opRecover, h.reopen)

		h.mu.Lock()
		if err == nil && h.lostAgain {
			h.lostAgain = false
			h.mu.Unlock()
			continue
		}
		h.recovering = false
		h.lostAgain = false
		h.mu.Unlock()

		if err != nil {
			if h.life.Err() == nil {
				h.logger.Warn("session recovery failed", "err", err)
			}
			return
		}
		h.setStatus(connection.StatusConnected, connection.ReasonConnectionOK)
		h.logger.Info("session recovered")
		return
	}
}

func (h *RetryHandler) reopen(ctx context.Context) error {
	if err := h.next.Open(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	subs := h.subs
	h.mu.Unlock()

	if subs.messages {
		if err := h.next.EnableReceiveMessage(ctx); err != nil {
			return err
		}
	}
	if subs.methods {
		if err := h.next.EnableMethods(ctx); err != nil {
			return err
		}
	}
	if subs.twinPatch {
		if err := h.next.EnableTwinPatch(ctx); err != nil {
			return err
		}
	}
	return nil
}

var _ Handler = (*RetryHandler)(nil)
