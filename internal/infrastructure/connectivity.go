package infrastructure

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// broadcaster fans connectivity snapshots out to subscribers
type broadcaster struct {
	mu      sync.Mutex
	current domain.Connectivity
	subs    map[chan domain.Connectivity]struct{}
}

func newBroadcaster(initial domain.Connectivity) *broadcaster {
	return &broadcaster{current: initial, subs: make(map[chan domain.Connectivity]struct{})}
}

func (b *broadcaster) Current() domain.Connectivity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *broadcaster) Subscribe() (<-chan domain.Connectivity, func()) {
	ch := make(chan domain.Connectivity, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// publish stores c and delivers it to every subscriber, replacing any
// snapshot a slow subscriber has not read yet
func (b *broadcaster) publish(c domain.Connectivity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = c
	for ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- c:
		default:
		}
	}
}

// StaticConnectivity is a connectivity source whose state is set by hand
type StaticConnectivity struct {
	*broadcaster
}

// NewStaticConnectivity creates a source reporting c until Set is called
func NewStaticConnectivity(c domain.Connectivity) *StaticConnectivity {
	return &StaticConnectivity{broadcaster: newBroadcaster(c)}
}

// Set publishes a new connectivity snapshot
func (s *StaticConnectivity) Set(c domain.Connectivity) {
	s.publish(c)
}

// HTTPReachability reports connectivity by periodically sending HEAD requests to
// the media server
type HTTPReachability struct {
	*broadcaster
	target   string
	interval time.Duration
	metered  bool
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPReachability creates a reachability checker for target. metered is reported as-is since
// the link type cannot be observed from a request.
func NewHTTPReachability(target string, interval time.Duration, metered bool, logger *zap.Logger) *HTTPReachability {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HTTPReachability{
		broadcaster: newBroadcaster(domain.Connectivity{Online: true, Type: domain.ConnectionUnknown, Metered: metered}),
		target:      target,
		interval:    interval,
		metered:     metered,
		client:      &http.Client{Timeout: 5 * time.Second},
		logger:      logger,
	}
}

// Run checks reachability until ctx is done
func (p *HTTPReachability) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

func (p *HTTPReachability) check(ctx context.Context) {
	online := p.reachable(ctx)
	c := domain.Connectivity{Online: online, Type: domain.ConnectionUnknown, Metered: p.metered}
	if !online {
		c.Type = domain.ConnectionNone
	}
	if prev := p.Current(); prev.Online != online {
		p.logger.Info("Connectivity changed", zap.Bool("online", online), zap.String("target", p.target))
	}
	p.publish(c)
}

// reachable treats any HTTP response as reachable; only transport errors
// count as offline
func (p *HTTPReachability) reachable(ctx context.Context) bool {
	if p.target == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.target, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("Reachability check failed", zap.Error(err))
		return false
	}
	resp.Body.Close()
	return true
}
