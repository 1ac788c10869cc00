package driver

import (
	"context"
	"time"

	"gossipsim/internal/network"
	"gossipsim/internal/store"
)

// Remote receives finished run records, typically a collector process.
type Remote interface {
	Send(ctx context.Context, rec store.Record) error
}

// QUICRemote ships records to a network.Collector.
type QUICRemote struct {
	Addr     string
	Insecure bool
	Timeout  time.Duration
}

func (r QUICRemote) Send(ctx context.Context, rec store.Record) error {
	data, err := store.Encode(rec)
	if err != nil {
		return err
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return network.Send(ctx, r.Addr, data, r.Insecure)
}
