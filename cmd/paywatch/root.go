package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TablePay/internal/logger"
	"TablePay/internal/poller"
	"TablePay/internal/realtime"
	"TablePay/internal/reconcile"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	errPaymentFailed = errors.New("payment failed")
	errTimedOut      = errors.New("payment confirmation timed out")
)

func exitCode(err error) int {
	switch {
	case errors.Is(err, errPaymentFailed):
		return 1
	case errors.Is(err, errTimedOut):
		return 2
	}
	return 3
}

type watchOptions struct {
	api      string
	orderID  string
	payment  string
	interval time.Duration
	timeout  time.Duration
	noStream bool
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := watchOptions{}
	cmd := &cobra.Command{
		Use:           "paywatch",
		Short:         "Wait for a payment to settle, the way the ordering screen does",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log := logger.New("paywatch", logger.Options{Level: opts.logLevel, Format: "console", Output: cmd.ErrOrStderr()})
			return runWatch(ctx, opts, cmd.OutOrStdout(), log)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.api, "api", "http://localhost:8080", "api base url")
	f.StringVar(&opts.orderID, "order", "", "order id")
	f.StringVar(&opts.payment, "payment", "", "gateway payment id")
	f.DurationVar(&opts.interval, "interval", 3*time.Second, "poll interval")
	f.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "give up after this long")
	f.BoolVar(&opts.noStream, "no-stream", false, "poll only, without the realtime listener")
	f.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	_ = cmd.MarkFlagRequired("order")
	_ = cmd.MarkFlagRequired("payment")
	return cmd
}

const (
	screenSuccess   = "success"
	screenFailure   = "failure"
	screenTimedOut  = "timed_out"
	screenCancelled = "cancelled"
)

type report struct {
	Screen string            `json:"screen"`
	Result *reconcile.Result `json:"result,omitempty"`
}

func runWatch(ctx context.Context, opts watchOptions, out io.Writer, log zerolog.Logger) error {
	manager := poller.NewManager(
		poller.NewHTTPChecker(opts.api, 10*time.Second),
		poller.Options{Interval: opts.interval, Timeout: opts.timeout},
		log,
	)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.StopAll(stopCtx)
	}()

	final := make(chan report, 1)
	cb := poller.Callbacks{
		OnSuccess: func(res reconcile.Result) { final <- report{Screen: screenSuccess, Result: &res} },
		OnFailure: func(res reconcile.Result) { final <- report{Screen: screenFailure, Result: &res} },
		OnTimeout: func() { final <- report{Screen: screenTimedOut} },
	}.Once()

	if !opts.noStream {
		listener := realtime.NewListener(realtime.NewWSSource(opts.api, log), manager, log)
		unsub, err := listener.Watch(ctx, opts.orderID, cb)
		if err != nil {
			log.Warn().Err(err).Msg("realtime stream unavailable, polling only")
		} else {
			defer unsub()
		}
	}

	if _, _, err := manager.Start(ctx, opts.payment, opts.orderID, cb); err != nil {
		return err
	}

	var rep report
	select {
	case rep = <-final:
	case <-ctx.Done():
		rep = report{Screen: screenCancelled}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}

	switch rep.Screen {
	case screenSuccess:
		return nil
	case screenFailure:
		return errPaymentFailed
	case screenTimedOut:
		return errTimedOut
	}
	return errors.Wrapf(ctx.Err(), "watch %s", opts.payment)
}
