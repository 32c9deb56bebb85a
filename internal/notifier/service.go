package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pobot/internal/eventbus"
	"pobot/internal/runtime/gate"
	rtsup "pobot/internal/runtime/supervisor"
	"pobot/internal/transport"
	logx "pobot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoTarget  = errors.New("notification has no target")
)

type job struct {
	id       string
	n        transport.Notification
	dedupKey string
}

// Service is the async notification pipeline: queue, worker pool, rate
// limit, retry and dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender *gate.Gate[transport.Sender]
	bus    eventbus.Bus
	store  DedupStore

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

type dedupWrite struct {
	key   string
	until time.Time
}

// New builds a stopped service. Workers send through whatever sender opens
// the gate; store may be nil.
func New(cfg Config, sender *gate.Gate[transport.Sender], log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the internal supervisor, nil when not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the configuration. Worker count and queue size take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// burst = rate, so short spikes don't block.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	// Notification failures are best-effort and must not take the app down.
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup, q, pch, workers := s.sup, s.queue, s.persistCh, s.cfg.Workers
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch)
			return s.exitErr(c, "persist loop")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := range workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitErr(c, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
}

// exitErr classifies a loop return: clean on shutdown, an error otherwise so the supervisor restarts it.
func (s *Service) exitErr(ctx context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop closes intake and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.persistCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify enqueues n and returns its id. A zero target falls back to the
// configured notification chat. Duplicates inside the dedup window are
// accepted and silently dropped.
func (s *Service) Notify(ctx context.Context, n transport.Notification) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return "", ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return "", ErrStopped
	}
	if n.Target.IsZero() {
		n.Target = s.cfg.Target
	}
	q, cfg, pch := s.queue, s.cfg, s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if n.Target.IsZero() {
		return "", ErrNoTarget
	}

	id := uuid.NewString()
	key := dedupKey(n)
	if cfg.DedupWindow > 0 {
		if !s.dedupAllow(ctx, key, cfg, pch) {
			s.publish(EventDeduped, id, n, key, 0, nil)
			return id, nil
		}
	}

	select {
	case q <- job{id: id, n: n, dedupKey: key}:
		s.publish(EventQueued, id, n, key, 0, nil)
		return id, nil
	default:
		s.publish(EventDropped, id, n, key, 0, ErrQueueFull)
		return "", ErrQueueFull
	}
}

// Report sends a reconciliation report to the notification chat.
func (s *Service) Report(ctx context.Context, text string) error {
	_, err := s.Notify(ctx, transport.Notification{
		Priority: 5,
		Text:     text,
		Options:  &transport.SendOptions{ParseMode: "HTML", DisablePreview: true},
	})
	return err
}

// History returns recently sent notifications, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(id, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{ID: id, At: time.Now(), Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-prune.C:
			cctx, cancel := context.WithTimeout(ctx, time.Second)
			if n, err := s.store.PruneDedup(cctx, now); err != nil {
				s.log.Debug("prune dedup failed", logx.Err(err))
			} else if n > 0 {
				s.log.Debug("dedup pruned", logx.Int64("count", n))
			}
			cancel()
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("persist dedup failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			sender, err := s.sender.Wait(ctx)
			if err != nil {
				return
			}
			s.send(ctx, sender, j)
		}
	}
}

func (s *Service) send(ctx context.Context, sender transport.Sender, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := prefixForPriority(j.n.Priority) + j.n.Text
	if text == "" {
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBase
	b.MaxInterval = cfg.RetryMaxDelay
	b.RandomizationFactor = 0.3

	attempts := 0
	_, err := backoff.Retry(ctx, func() (transport.MessageRef, error) {
		attempts++
		if err := lim.Wait(ctx); err != nil {
			return transport.MessageRef{}, backoff.Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		ref, err := sender.SendText(callCtx, j.n.Target, text, j.n.Options)
		if err != nil {
			s.log.Debug("notify send failed", logx.String("id", j.id), logx.Int("attempt", attempts), logx.Err(err))
		}
		return ref, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(cfg.RetryMax+1)))

	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("notification dropped", logx.String("id", j.id), logx.Int("attempts", attempts), logx.Err(err))
		}
		s.publish(EventFailed, j.id, j.n, j.dedupKey, attempts, err)
		return
	}
	s.appendHistory(j.id, text)
	s.publish(EventSent, j.id, j.n, j.dedupKey, attempts, nil)
}

func (s *Service) publish(typ, id string, n transport.Notification, key string, attempts int, err error) {
	if s.bus == nil {
		return
	}
	ev := NotificationEvent{ID: id, ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Key: key, At: time.Now(), Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	default:
		return ""
	}
}

func dedupKey(n transport.Notification) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d:%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether key may be sent now and, if so, opens a new window for it.
func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var oldest string
		var oldestAt time.Time
		for k, u := range s.dedup {
			if oldest == "" || u.Before(oldestAt) {
				oldest, oldestAt = k, u
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}
