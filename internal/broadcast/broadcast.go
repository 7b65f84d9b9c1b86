package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ZUA228132/wishlist-app/internal/fanout"
	"github.com/ZUA228132/wishlist-app/internal/store"
	"github.com/ZUA228132/wishlist-app/internal/transport"
	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

var (
	ErrNotRunning = errors.New("broadcaster not running")
	ErrQueueFull  = errors.New("broadcast queue full")
)

type Config struct {
	QueueSize int           // default 16
	StatusMax int           // default 200
	StatusTTL time.Duration // default 24h
}

type job struct {
	id       string
	name     string
	msg      fanout.Message
	operator int64 // chat receiving progress and the final report; 0 disables
}

// JobStatus is the in-memory record of one broadcast run.
type JobStatus struct {
	ID          string
	Name        string
	Total       int
	Delivered   int
	Unreachable int
	Failed      int
	CreatedAt   time.Time
	StartedAt   time.Time
	DoneAt      time.Time
	Running     bool
}

// Service runs mass broadcasts to the full user population. Jobs are queued
// and executed one at a time by a single worker; the target list is read
// from the store at execution time.
type Service struct {
	mu sync.Mutex

	cfg        Config
	store      store.Store
	dispatcher *fanout.Dispatcher
	notifier   transport.Notifier
	log        logx.Logger

	queue  chan job
	stopCh chan struct{}

	statusMu sync.RWMutex
	status   map[string]*JobStatus
}

func New(cfg Config, st store.Store, d *fanout.Dispatcher, n transport.Notifier, log logx.Logger) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.StatusMax <= 0 {
		cfg.StatusMax = 200
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg,
		store:      st,
		dispatcher: d,
		notifier:   n,
		log:        log,
		status:     map[string]*JobStatus{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	go s.worker(ctx)
	s.log.Info("broadcaster started", logx.Int("queue_cap", s.cfg.QueueSize))
}

func (s *Service) Stop(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.log.Info("broadcaster stopped")
}

// Submit enqueues a broadcast of msg to every known user. operator, when
// non-zero, receives progress updates and the final aggregate report.
func (s *Service) Submit(name string, msg fanout.Message, operator int64) (string, error) {
	now := time.Now()
	id := fmt.Sprintf("bc:%d", now.UnixNano())
	s.pruneStatus(now)
	st := &JobStatus{ID: id, Name: name, CreatedAt: now}
	s.statusMu.Lock()
	s.status[id] = st
	s.statusMu.Unlock()

	s.mu.Lock()
	q := s.queue
	running := s.stopCh != nil
	s.mu.Unlock()

	if !running || q == nil {
		s.markAborted(id)
		return id, ErrNotRunning
	}
	select {
	case q <- job{id: id, name: name, msg: msg, operator: operator}:
		s.log.Debug("broadcast job enqueued", logx.String("job", id), logx.String("name", name))
		return id, nil
	default:
		s.log.Warn("broadcast queue full; dropping job", logx.String("job", id), logx.String("name", name))
		s.markAborted(id)
		return id, ErrQueueFull
	}
}

// Status returns a copy of the job record.
func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	return *st, true
}

func (s *Service) worker(ctx context.Context) {
	s.mu.Lock()
	queue := s.queue
	stopCh := s.stopCh
	s.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execJob(ctx, j)
		}
	}
}

func (s *Service) execJob(ctx context.Context, j job) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		s.log.Error("broadcast aborted: store load failed", logx.String("job", j.id), logx.Err(err))
		s.markAborted(j.id)
		s.tellOperator(ctx, j.operator, "Broadcast failed: could not read the user list.")
		return
	}

	targets := make([]int64, 0, len(snap.Users))
	for id := range snap.Users {
		targets = append(targets, id)
	}
	sort.Slice(targets, func(a, b int) bool { return targets[a] < targets[b] })

	s.setRunning(j.id, len(targets))

	rep := s.dispatcher.Deliver(ctx, targets, func(int64) fanout.Message {
		return j.msg
	}, func(delivered, total int) {
		s.tellOperator(ctx, j.operator, fmt.Sprintf("Broadcast %q: %d/%d delivered...", j.name, delivered, total))
	})

	s.finish(j.id, rep)
	s.log.Info("broadcast finished",
		logx.String("job", j.id),
		logx.Int("total", len(targets)),
		logx.Int("delivered", rep.Delivered),
		logx.Int("unreachable", rep.Unreachable),
		logx.Int("failed", rep.Failed),
	)
	s.tellOperator(ctx, j.operator, fmt.Sprintf(
		"Broadcast %q done.\nDelivered: %d\nUnreachable: %d\nFailed: %d",
		j.name, rep.Delivered, rep.Unreachable, rep.Failed,
	))
}

// tellOperator is a best-effort side channel; its own failures are swallowed.
func (s *Service) tellOperator(ctx context.Context, operator int64, text string) {
	if operator == 0 || s.notifier == nil {
		return
	}
	if err := s.notifier.SendText(ctx, operator, text); err != nil {
		s.log.Debug("operator report failed", logx.Err(err))
	}
}

func (s *Service) setRunning(id string, total int) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Total = total
		st.StartedAt = time.Now()
		st.Running = true
	}
}

func (s *Service) finish(id string, rep fanout.Report) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Delivered = rep.Delivered
		st.Unreachable = rep.Unreachable
		st.Failed = rep.Failed
		st.DoneAt = time.Now()
		st.Running = false
	}
}

func (s *Service) markAborted(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.DoneAt = time.Now()
		st.Running = false
	}
}

// pruneStatus evicts old completed job records so memory stays bounded.
func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	for id, st := range s.status {
		if st == nil {
			delete(s.status, id)
			continue
		}
		if !st.DoneAt.IsZero() && now.Sub(st.DoneAt) > s.cfg.StatusTTL {
			delete(s.status, id)
			continue
		}
		if !st.Running && st.DoneAt.IsZero() && now.Sub(st.CreatedAt) > s.cfg.StatusTTL {
			delete(s.status, id)
		}
	}

	over := len(s.status) - s.cfg.StatusMax
	if over <= 0 {
		return
	}
	type cand struct {
		id string
		t  time.Time
	}
	cands := make([]cand, 0, len(s.status))
	for id, st := range s.status {
		if st.Running {
			continue
		}
		key := st.DoneAt
		if key.IsZero() {
			key = st.CreatedAt
		}
		cands = append(cands, cand{id: id, t: key})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].t.Before(cands[j].t) })
	for i := 0; i < len(cands) && over > 0; i++ {
		delete(s.status, cands[i].id)
		over--
	}
}
