package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// NetworkScheduler combines platform connectivity with the manual offline
// flag. It is the one place deciding whether network work runs now.
type NetworkScheduler struct {
	source   domain.ConnectivityObservable
	config   domain.ConfigProvider
	debounce time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	conn      domain.Connectivity
	allowed   bool
	listeners map[int]func(domain.NetworkStatus)
	nextID    int
}

// NewNetworkScheduler creates a scheduler seeded with the source's current
// connectivity
func NewNetworkScheduler(source domain.ConnectivityObservable, config domain.ConfigProvider, debounce time.Duration, logger *zap.Logger) *NetworkScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NetworkScheduler{
		source:    source,
		config:    config,
		debounce:  debounce,
		logger:    logger,
		conn:      source.Current(),
		listeners: make(map[int]func(domain.NetworkStatus)),
	}
	s.allowed = s.Status().IsOnlineAllowed()
	return s
}

// Start follows connectivity updates until ctx is done. Bursts of updates
// are collapsed so only the last one within the debounce window applies.
func (s *NetworkScheduler) Start(ctx context.Context) {
	updates, unsubscribe := s.source.Subscribe()
	go func() {
		defer unsubscribe()
		s.run(ctx, updates)
	}()
}

func (s *NetworkScheduler) run(ctx context.Context, updates <-chan domain.Connectivity) {
	var (
		latest domain.Connectivity
		timer  *time.Timer
		fire   <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-updates:
			if !ok {
				return
			}
			if s.debounce <= 0 {
				s.apply(c)
				continue
			}
			latest = c
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				timer.Reset(s.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			s.apply(latest)
		}
	}
}

func (s *NetworkScheduler) apply(c domain.Connectivity) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
	s.Refresh()
}

// Refresh recomputes the allowed state and notifies listeners when it changed
func (s *NetworkScheduler) Refresh() {
	status := s.Status()
	allowed := status.IsOnlineAllowed()

	s.mu.Lock()
	changed := allowed != s.allowed
	s.allowed = allowed
	var listeners []func(domain.NetworkStatus)
	if changed {
		for _, fn := range s.listeners {
			listeners = append(listeners, fn)
		}
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	s.logger.Info("Network availability changed",
		zap.Bool("allowed", allowed),
		zap.Bool("online", status.IsOnline),
		zap.Bool("offline_mode", status.OfflineMode))
	for _, fn := range listeners {
		fn(status)
	}
}

// Status returns the current combined network status
func (s *NetworkScheduler) Status() domain.NetworkStatus {
	s.mu.RLock()
	c := s.conn
	s.mu.RUnlock()
	return domain.NetworkStatus{
		IsOnline:       c.Online,
		ConnectionType: c.Type,
		IsMetered:      c.Metered,
		IsRoaming:      c.Roaming,
		BatteryLow:     c.BatteryLow,
		OfflineMode:    s.config.OfflineMode(),
	}
}

// IsOnlineAllowed reports whether the device is online and offline mode is off
func (s *NetworkScheduler) IsOnlineAllowed() bool {
	return s.Status().IsOnlineAllowed()
}

// ShouldDeferNetworkWork reports whether dispatches and retries must wait
func (s *NetworkScheduler) ShouldDeferNetworkWork() bool {
	return !s.IsOnlineAllowed()
}

// BuildConstraints returns the execution conditions for download work
func (s *NetworkScheduler) BuildConstraints(allowMetered, requireBatteryNotLow bool) domain.Constraints {
	return domain.Constraints{
		RequireNetwork:       true,
		AllowMetered:         allowMetered,
		RequireBatteryNotLow: requireBatteryNotLow,
	}
}

// SetOfflineMode updates the manual offline flag and applies it immediately
func (s *NetworkScheduler) SetOfflineMode(enabled bool) error {
	if err := s.config.SetOfflineMode(enabled); err != nil {
		return err
	}
	s.Refresh()
	return nil
}

// Subscribe registers fn to run whenever the allowed state flips. The
// returned function removes it.
func (s *NetworkScheduler) Subscribe(fn func(domain.NetworkStatus)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
