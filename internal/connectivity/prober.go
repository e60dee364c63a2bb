package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/chefcloud/posync/internal/logging"
)

// DefaultProbeInterval is used when no interval is configured.
const DefaultProbeInterval = 15 * time.Second

// Prober is a Source that polls a health URL. Any response below 500 counts
// as online: the API answered.
type Prober struct {
	*notifier
	url      string
	interval time.Duration
	client   *http.Client

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProber creates a Prober for url. It starts offline until the first probe.
func NewProber(url string, interval time.Duration, client *http.Client) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Prober{
		notifier: newNotifier(false),
		url:      url,
		interval: interval,
		client:   client,
	}
}

// Start probes immediately and then on every interval until Stop or ctx is done.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.stopCh = nil
	p.mu.Unlock()
	p.wg.Wait()
}

// Probe checks the URL once and publishes the result.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.check(ctx)
	if p.set(online) {
		logging.Info("Connectivity changed", map[string]interface{}{
			"online": online,
			"url":    p.url,
		})
	}
	return online
}

func (p *Prober) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
