package remote

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"planner/internal/logging"

	"github.com/rs/zerolog"
)

// Probe tracks connectivity to the remote API by polling a health URL.
// Any HTTP response counts as online; only transport failures are offline.
type Probe struct {
	url        string
	httpClient *http.Client
	interval   time.Duration
	online     atomic.Bool
	checked    atomic.Bool
	restored   chan struct{}
	logger     *zerolog.Logger
}

func NewProbe(url string, interval time.Duration, logger *zerolog.Logger) *Probe {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Probe{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		interval:   interval,
		restored:   make(chan struct{}, 1),
		logger:     logging.Component(logger, "probe"),
	}
}

func (p *Probe) Online() bool {
	return p.online.Load()
}

// Restored fires once per offline→online transition. The first check
// only establishes the initial state.
func (p *Probe) Restored() <-chan struct{} {
	return p.restored
}

// Check probes once and returns the new state.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	was := p.online.Swap(online)
	if !p.checked.Swap(true) {
		return online
	}
	switch {
	case online && !was:
		p.logger.Info().Msg("connectivity restored")
		select {
		case p.restored <- struct{}{}:
		default:
		}
	case !online && was:
		p.logger.Warn().Msg("connectivity lost")
	}
	return online
}

func (p *Probe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Run probes every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
