package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/stenoworks/steno/internal/fault"
	"github.com/stenoworks/steno/internal/models"
	"github.com/stenoworks/steno/internal/pipeline"
	"github.com/stenoworks/steno/internal/queue"
	"github.com/stenoworks/steno/internal/transport"
)

// Daemon connects the chat transports and funnels their inbound events onto
// the durable ingest queue. Routing happens in the queue handler, so an
// event survives a crash between receipt and session resolution.
type Daemon struct {
	adapters []transport.Adapter
	enqueue  pipeline.Enqueuer
	router   *Router
	out      io.Writer
}

// DaemonOpts holds parameters for creating a Daemon.
type DaemonOpts struct {
	Adapters []transport.Adapter
	Enqueue  pipeline.Enqueuer
	Router   *Router
	Out      io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Router == nil {
		return nil, fmt.Errorf("ingest: router is required")
	}
	if opts.Enqueue == nil {
		return nil, fmt.Errorf("ingest: enqueue is required")
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Daemon{
		adapters: opts.Adapters,
		enqueue:  opts.Enqueue,
		router:   opts.Router,
		out:      opts.Out,
	}, nil
}

// Run connects every adapter and pumps inbound events onto the ingest queue
// until the context is cancelled. Adapters are closed on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, adapter := range d.adapters {
		if err := adapter.Connect(ctx); err != nil {
			return fmt.Errorf("ingest: connect %s: %w", adapter.Name(), err)
		}
		events, err := adapter.Listen(ctx)
		if err != nil {
			return fmt.Errorf("ingest: listen %s: %w", adapter.Name(), err)
		}
		fmt.Fprintf(d.out, "ingest: listening on %s\n", adapter.Name())

		wg.Add(1)
		go func(name string, events <-chan transport.InboundEvent) {
			defer wg.Done()
			d.pump(ctx, name, events)
		}(adapter.Name(), events)
	}

	<-ctx.Done()
	for _, adapter := range d.adapters {
		if err := adapter.Close(); err != nil {
			fmt.Fprintf(d.out, "ingest: close %s: %v\n", adapter.Name(), err)
		}
	}
	wg.Wait()
	return nil
}

// pump enqueues inbound events from one adapter until its channel closes.
func (d *Daemon) pump(ctx context.Context, name string, events <-chan transport.InboundEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := d.EnqueueEvent(evt); err != nil {
				fmt.Fprintf(d.out, "ingest: enqueue event from %s: %v\n", name, err)
			}
		}
	}
}

// EnqueueEvent puts one inbound event onto the ingest queue. The platform
// message id keys deduplication, so a redelivered platform event collapses.
func (d *Daemon) EnqueueEvent(evt transport.InboundEvent) error {
	key := queue.UnitStageKey(evt.ChatID, evt.MessageID, queue.Ingest)
	return d.enqueue(queue.Ingest, evt, key)
}

// Handler returns the ingest queue handler binding. Access violations and
// malformed payloads are logged and dropped: retrying them can never
// succeed.
func (d *Daemon) Handler() queue.Handler {
	return func(ctx context.Context, job *models.Job) error {
		var evt transport.InboundEvent
		if err := queue.Unmarshal(job, &evt); err != nil {
			fmt.Fprintf(d.out, "ingest: drop malformed job %s: %v\n", job.ID, err)
			return nil
		}
		msg, err := d.router.Handle(ctx, evt)
		if err != nil {
			if fault.Is(err, fault.AccessDenied) {
				fmt.Fprintf(d.out, "ingest: rejected event %s from %s: %v\n",
					evt.MessageID, evt.OwnerID, err)
				return nil
			}
			return err
		}
		if msg == nil {
			fmt.Fprintf(d.out, "ingest: dropped empty event %s from %s\n",
				evt.MessageID, evt.OwnerID)
		}
		return nil
	}
}
