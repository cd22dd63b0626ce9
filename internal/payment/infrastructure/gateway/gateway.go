// Package gateway holds in-process simulations of the external systems that
// move value: the card network, the points ledger, the coupon ledger and the
// deferred-billing credit line. Each owns its state behind per-member locks
// and takes a FaultInjector so outcomes can be scripted.
package gateway

import (
	"context"
	"time"
)

type Response struct {
	Approved bool
	TxID     string
	Reason   string
	Metadata map[string]string
}

func declined(reason string) Response {
	return Response{Approved: false, Reason: reason}
}

type Option func(*options)

type options struct {
	faults  FaultInjector
	latency time.Duration
}

func WithFaults(f FaultInjector) Option {
	return func(o *options) { o.faults = f }
}

// WithLatency delays every call, honouring context cancellation.
func WithLatency(d time.Duration) Option {
	return func(o *options) { o.latency = d }
}

func buildOptions(opts []Option) options {
	o := options{faults: NoFaults}
	for _, opt := range opts {
		opt(&o)
	}
	o.faults = orNoFaults(o.faults)
	return o
}

func (o options) wait(ctx context.Context) error {
	if o.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(o.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
