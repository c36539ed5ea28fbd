// Package alert delivers important rebalancer events to an out-of-band
// channel. Delivery is asynchronous; a full queue drops events rather than
// stalling the caller.
package alert

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 64
	defaultDropReportInterval = time.Minute
	sendTimeout               = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	Logger             *slog.Logger
}

type Manager struct {
	component string
	pair      string
	notifier  Notifier
	logger    *slog.Logger

	queue              chan event
	stop               chan struct{}
	done               chan struct{}
	dropReportInterval time.Duration
	droppedTotal       atomic.Uint64
	droppedWindow      atomic.Uint64

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type event struct {
	name   string
	at     time.Time
	fields map[string]string
}

// NewManager returns nil when notifier is nil; a nil *Manager is a valid
// Alerter that discards everything.
func NewManager(component, pair string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	interval := opts.DropReportInterval
	if interval < 0 {
		interval = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		component:          component,
		pair:               pair,
		notifier:           notifier,
		logger:             logger,
		queue:              make(chan event, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: interval,
	}
	m.wg.Add(1)
	go m.deliverLoop()
	if interval > 0 {
		m.wg.Add(1)
		go m.reportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil {
		return
	}
	ev := event{name: name, at: time.Now().UTC(), fields: cloneFields(fields)}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		total := m.droppedTotal.Add(1)
		if m.droppedWindow.Add(1) == 1 {
			m.logger.Warn("alert_queue_dropped",
				slog.String("target_event", name),
				slog.Uint64("dropped_total", total),
				slog.Int("queue_cap", cap(m.queue)),
			)
		}
	}
}

// Close stops accepting events and waits for queued ones to be sent.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) deliverLoop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDropped()
					return
				}
			}
		}
	}
}

func (m *Manager) reportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDropped()
		case <-m.stop:
			m.reportDropped()
			return
		}
	}
}

func (m *Manager) reportDropped() {
	dropped := m.droppedWindow.Swap(0)
	if dropped == 0 {
		return
	}
	m.logger.Warn("alert_queue_dropped_report",
		slog.Uint64("dropped_since_last", dropped),
		slog.Uint64("dropped_total", m.droppedTotal.Load()),
		slog.Duration("report_interval", m.dropReportInterval),
	)
}

func (m *Manager) droppedStats() (uint64, uint64) {
	return m.droppedTotal.Load(), m.droppedWindow.Load()
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.format(ev)); err != nil {
		m.logger.Error("alert_notify_failed", slog.String("target_event", ev.name), slog.String("error", err.Error()))
	}
}

type eventStyle struct {
	severity string
	headline string
	action   string
}

// eventStyles shapes the events the rebalancer raises. $name expands to the
// event field of that name.
var eventStyles = map[string]eventStyle{
	"rebalance_stopped": {
		severity: "CRITICAL",
		headline: "rebalance loop stopped: $reason",
		action:   "orders from the last iteration were cancelled; fix the cause and restart",
	},
	"unwind_failed": {
		severity: "CRITICAL",
		headline: "open orders may remain on account $account",
		action:   "cancel open $pair orders on account $account by hand",
	},
	"circuit_breaker_trip": {
		severity: "CRITICAL",
		headline: "$action circuit open after $consecutive_failures failures",
		action:   "the rebalancer stops; check account health before restarting",
	},
	"circuit_breaker_near_trip": {
		severity: "WARN",
		headline: "$action failed $consecutive_failures times (trips at $threshold)",
	},
	"circuit_breaker_recovered": {
		severity: "INFO",
		headline: "$action recovered after $previous_consecutive_failures failures",
	},
}

func (m *Manager) format(ev event) string {
	style, styled := eventStyles[ev.name]
	header := "[coinone-rebalancer] " + ev.name
	if styled {
		header += " [" + style.severity + "]"
	}
	lookup := func(key string) string {
		if key == "pair" && ev.fields[key] == "" {
			return m.pair
		}
		return ev.fields[key]
	}

	lines := []string{header}
	if style.headline != "" {
		lines = append(lines, os.Expand(style.headline, lookup))
	}
	lines = append(lines,
		"time: "+ev.at.Format(time.RFC3339),
		"component: "+m.component,
		"pair: "+m.pair,
	)
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		if k == "pair" && ev.fields[k] == m.pair {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	if style.action != "" {
		lines = append(lines, "next: "+os.Expand(style.action, lookup))
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
