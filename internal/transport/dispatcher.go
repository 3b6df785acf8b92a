package transport

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/stenoworks/steno/internal/fault"
)

// Delivery modes reported by the Dispatcher.
const (
	ModePrimary  = "primary"
	ModeFallback = "fallback"
)

// Dispatcher routes outbound chat messages through a primary adapter with a
// secondary fallback. Exhausting both is reported as transport_unavailable,
// never swallowed.
type Dispatcher struct {
	primary  Adapter
	fallback Adapter
	out      io.Writer
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Primary  Adapter   // optional
	Fallback Adapter   // optional
	Out      io.Writer // defaults to os.Stdout
}

// NewDispatcher creates a Dispatcher. Both adapters are optional so a
// deployment can run without chat transports; delivery then fails with
// transport_unavailable and callers degrade explicitly.
func NewDispatcher(opts DispatcherOpts) *Dispatcher {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Dispatcher{
		primary:  opts.Primary,
		fallback: opts.Fallback,
		out:      opts.Out,
	}
}

// Deliver sends text to a chat binding, trying the primary adapter first and
// the fallback second. It returns the mode that succeeded.
func (d *Dispatcher) Deliver(ctx context.Context, chatID, text string) (string, error) {
	if d.primary == nil && d.fallback == nil {
		return "", fault.New(fault.TransportUnavailable, "no transport configured")
	}

	var primaryErr error
	if d.primary != nil {
		primaryErr = d.primary.Send(ctx, chatID, text)
		if primaryErr == nil {
			return ModePrimary, nil
		}
		fmt.Fprintf(d.out, "transport: %s delivery to %s failed: %v\n",
			d.primary.Name(), chatID, primaryErr)
	}

	if d.fallback != nil {
		if err := d.fallback.Send(ctx, chatID, text); err != nil {
			fmt.Fprintf(d.out, "transport: %s fallback delivery to %s failed: %v\n",
				d.fallback.Name(), chatID, err)
			return "", fault.Wrap(fault.TransportUnavailable, "all transports failed", err)
		}
		return ModeFallback, nil
	}

	return "", fault.Wrap(fault.TransportUnavailable, "primary transport failed", primaryErr)
}

// Notify implements the pipeline Notifier contract on top of Deliver.
func (d *Dispatcher) Notify(ctx context.Context, chatID, text string) error {
	_, err := d.Deliver(ctx, chatID, text)
	return err
}
