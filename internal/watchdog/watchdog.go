// Package watchdog probes downstream proxy services over HTTP and restarts
// unhealthy ones when a start command is configured. The dispatcher contract
// is "started": a restart is fire-and-forget, completion surfaces through
// the next probe and logs only.
package watchdog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/stenoworks/steno/internal/models"
	"gorm.io/gorm"
)

// httpClient abstracts the probe transport for tests.
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Watchdog runs periodic health probes against ProxyService rows.
type Watchdog struct {
	db        *gorm.DB
	client    httpClient
	interval  time.Duration
	killAfter time.Duration
	autoStart bool
	out       io.Writer

	mu       sync.Mutex
	starting map[string]bool // services with a restart in flight
}

// Opts holds parameters for creating a Watchdog.
type Opts struct {
	DB        *gorm.DB
	Client    httpClient    // defaults to http.Client with probe timeout
	Interval  time.Duration // defaults to 60s
	KillAfter time.Duration // hard deadline for start commands, defaults to 30s
	AutoStart bool          // exec start commands for unhealthy services
	Out       io.Writer     // defaults to os.Stdout
}

// New creates a Watchdog.
func New(opts Opts) (*Watchdog, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("watchdog: db is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.KillAfter <= 0 {
		opts.KillAfter = 30 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Watchdog{
		db:        opts.DB,
		client:    opts.Client,
		interval:  opts.Interval,
		killAfter: opts.KillAfter,
		autoStart: opts.AutoStart,
		out:       opts.Out,
		starting:  make(map[string]bool),
	}, nil
}

// Run probes all services on the configured interval until the context is
// cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	for {
		w.ProbeAll(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.interval):
		}
	}
}

// ProbeAll probes every registered proxy service once.
func (w *Watchdog) ProbeAll(ctx context.Context) {
	var services []models.ProxyService
	if err := w.db.Find(&services).Error; err != nil {
		fmt.Fprintf(w.out, "watchdog: load services: %v\n", err)
		return
	}

	for i := range services {
		w.probe(ctx, &services[i])
	}
}

// probe checks one service and persists the outcome.
func (w *Watchdog) probe(ctx context.Context, svc *models.ProxyService) {
	now := time.Now()
	healthy, perr := w.check(ctx, svc.ProbeURL)

	update := map[string]interface{}{
		"last_probe_at": now,
	}

	switch {
	case healthy:
		update["status"] = models.ProxyHealthy
		update["last_error"] = ""

	case w.autoStart && svc.StartCommand != "" && !w.restartInFlight(svc.Name):
		update["status"] = models.ProxyStarting
		update["last_error"] = perr.Error()
		w.start(ctx, svc)

	default:
		update["status"] = models.ProxyUnhealthy
		update["last_error"] = perr.Error()
	}

	if err := w.db.Model(&models.ProxyService{}).Where("name = ?", svc.Name).
		Updates(update).Error; err != nil {
		fmt.Fprintf(w.out, "watchdog: persist probe for %s: %v\n", svc.Name, err)
	}
}

// check issues one HTTP GET probe. Any 2xx status counts as healthy.
func (w *Watchdog) check(ctx context.Context, probeURL string) (bool, error) {
	if probeURL == "" {
		return false, fmt.Errorf("no probe url configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return false, fmt.Errorf("build probe request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	return true, nil
}

// restartInFlight reports whether a restart for the named service has been
// dispatched and not yet finished.
func (w *Watchdog) restartInFlight(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.starting[name]
}

// start dispatches the service's start command in the background with a
// hard kill deadline. The contract is "started": the outcome lands in logs
// and the next probe, never in the caller.
func (w *Watchdog) start(ctx context.Context, svc *models.ProxyService) {
	w.mu.Lock()
	w.starting[svc.Name] = true
	w.mu.Unlock()

	fmt.Fprintf(w.out, "watchdog: starting %s: %s\n", svc.Name, svc.StartCommand)

	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.starting, svc.Name)
			w.mu.Unlock()
		}()

		cmdCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.killAfter)
		defer cancel()

		parts := strings.Fields(svc.StartCommand)
		if len(parts) == 0 {
			return
		}
		cmd := exec.CommandContext(cmdCtx, parts[0], parts[1:]...)
		cmd.WaitDelay = 5 * time.Second

		out, err := cmd.CombinedOutput()
		if err != nil {
			fmt.Fprintf(w.out, "watchdog: start %s failed: %v (%s)\n",
				svc.Name, err, strings.TrimSpace(string(out)))
			return
		}
		fmt.Fprintf(w.out, "watchdog: start %s finished\n", svc.Name)
	}()
}
