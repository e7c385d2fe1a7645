package conenat

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Run attaches the hooks and keeps the collector going until ctx is done or
// the collector fails. Whichever ends first stops the other; the join is
// bounded by the shutdown timeout. The hooks are detached before Run
// returns. An interrupt is a clean exit and yields nil.
func (n *NAT) Run(ctx context.Context, hooks *HookManager) error {
	if err := hooks.Attach(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return nil
	})
	g.Go(func() error {
		return n.collector.Run(gctx)
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-gctx.Done():
		select {
		case err = <-done:
		case <-time.After(n.cfg.ShutdownTimeout):
			err = ErrShutdownTimeout
		}
	}
	if errors.Is(err, ErrInterrupted) {
		n.log.Info("interrupted, shutting down")
		err = nil
	}

	n.Shutdown()
	if derr := hooks.Detach(); derr != nil {
		n.log.WithError(derr).Error("hook teardown incomplete")
		err = multierr.Append(err, derr)
	}
	return err
}
