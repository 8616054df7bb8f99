package poller

import (
	"context"
	"sync"
	"time"

	"TablePay/internal/metrics"
	"TablePay/internal/models"
	"TablePay/internal/reconcile"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var ErrStopped = errors.New("poll loop stopped")

type State string

const (
	StateIdle      State = "idle"
	StatePolling   State = "polling"
	StateSucceeded State = "succeeded"
	StateErrored   State = "errored"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

func (s State) Final() bool {
	return s != StateIdle && s != StatePolling
}

// Checker asks for the current reconciled status of a payment. Every call
// may trigger a reconcile on the server.
type Checker interface {
	Check(ctx context.Context, paymentID, orderID string) (reconcile.Result, error)
}

// Callbacks fire at most once per loop. Cancellation fires none of them.
type Callbacks struct {
	OnSuccess func(reconcile.Result)
	OnFailure func(reconcile.Result)
	OnTimeout func()
}

// Once returns callbacks that fire at most once in total, so a loop and a
// realtime listener can report to the same screen.
func (c Callbacks) Once() Callbacks {
	var once sync.Once
	return Callbacks{
		OnSuccess: func(res reconcile.Result) {
			once.Do(func() {
				if c.OnSuccess != nil {
					c.OnSuccess(res)
				}
			})
		},
		OnFailure: func(res reconcile.Result) {
			once.Do(func() {
				if c.OnFailure != nil {
					c.OnFailure(res)
				}
			})
		},
		OnTimeout: func() {
			once.Do(func() {
				if c.OnTimeout != nil {
					c.OnTimeout()
				}
			})
		},
	}
}

type Options struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Loop polls one payment until it settles, times out or is stopped.
type Loop struct {
	paymentID string
	orderID   string
	checker   Checker
	callbacks Callbacks
	interval  time.Duration
	timeout   time.Duration
	log       zerolog.Logger
	onExit    func(*Loop)

	// beforeCheck runs between the deadline check and the state check.
	beforeCheck func(attempt int)

	mu     sync.Mutex
	state  State
	result reconcile.Result
	stop   chan struct{}
	done   chan struct{}
}

func NewLoop(paymentID, orderID string, checker Checker, opts Options, cb Callbacks, log zerolog.Logger) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Loop{
		paymentID: paymentID,
		orderID:   orderID,
		checker:   checker,
		callbacks: cb,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
		log:       log.With().Str("payment_id", paymentID).Str("order_id", orderID).Logger(),
		state:     StateIdle,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (l *Loop) PaymentID() string { return l.paymentID }
func (l *Loop) OrderID() string   { return l.orderID }

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Result is the last terminal result seen, if any.
func (l *Loop) Result() reconcile.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.result
}

func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until the loop goroutine has exited and its timers are released.
func (l *Loop) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start moves an idle loop to polling. It reports false if the loop was
// already started or stopped.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return false
	}
	l.state = StatePolling
	l.mu.Unlock()

	go l.run(ctx)
	return true
}

// Stop cancels the loop. A request already in flight completes but its
// result is discarded and no further request is issued.
func (l *Loop) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateIdle:
		l.state = StateCancelled
		close(l.stop)
		close(l.done)
		metrics.PollLoops.WithLabelValues(string(StateCancelled)).Inc()
		return true
	case StatePolling:
		l.state = StateCancelled
		close(l.stop)
		metrics.PollLoops.WithLabelValues(string(StateCancelled)).Inc()
		return true
	}
	return false
}

func (l *Loop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	timer := time.NewTimer(l.timeout)
	deadline := time.Now().Add(l.timeout)
	defer func() {
		ticker.Stop()
		timer.Stop()
		if l.onExit != nil {
			l.onExit(l)
		}
		close(l.done)
	}()

	for attempt := 1; ; attempt++ {
		if !time.Now().Before(deadline) {
			l.timedOut()
			return
		}
		if l.beforeCheck != nil {
			l.beforeCheck(attempt)
		}
		// Checked last so a Stop that lands before this point prevents the call.
		if !l.polling() {
			return
		}

		res, err := l.checker.Check(ctx, l.paymentID, l.orderID)
		switch {
		case err != nil:
			l.log.Warn().Err(err).Int("attempt", attempt).Msg("payment status check failed")
		case !res.Pending:
			l.settle(res)
			return
		default:
			l.log.Debug().Int("attempt", attempt).Str("outcome", string(res.Outcome)).Msg("payment still pending")
		}

		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			l.Stop()
			return
		case <-timer.C:
			l.timedOut()
			return
		case <-ticker.C:
		}
	}
}

func (l *Loop) polling() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StatePolling
}

// finish moves a polling loop to a final state exactly once.
func (l *Loop) finish(to State, res reconcile.Result) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StatePolling {
		return false
	}
	l.state = to
	l.result = res
	metrics.PollLoops.WithLabelValues(string(to)).Inc()
	return true
}

func (l *Loop) settle(res reconcile.Result) {
	if res.PaymentStatus == models.PaymentConfirmed {
		if l.finish(StateSucceeded, res) {
			l.log.Info().Str("outcome", string(res.Outcome)).Msg("payment confirmed")
			if l.callbacks.OnSuccess != nil {
				l.callbacks.OnSuccess(res)
			}
		}
		return
	}
	if l.finish(StateErrored, res) {
		l.log.Info().Str("outcome", string(res.Outcome)).Str("payment_status", string(res.PaymentStatus)).Msg("payment not completed")
		if l.callbacks.OnFailure != nil {
			l.callbacks.OnFailure(res)
		}
	}
}

func (l *Loop) timedOut() {
	if l.finish(StateTimedOut, reconcile.Result{Pending: true}) {
		l.log.Warn().Dur("timeout", l.timeout).Msg("payment poll timed out")
		if l.callbacks.OnTimeout != nil {
			l.callbacks.OnTimeout()
		}
	}
}
