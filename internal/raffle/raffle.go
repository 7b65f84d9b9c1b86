package raffle

import (
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/ZUA228132/wishlist-app/internal/broadcast"
	"github.com/ZUA228132/wishlist-app/internal/fanout"
	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

// The prize draw happens Sunday 20:00 by default.
const defaultSchedule = "0 20 * * 0"

const defaultMessage = "🎟️ The weekly prize draw is today! Open the app to check your tickets."

type Config struct {
	Enabled  bool
	Schedule string // standard 5-field cron spec
	Message  string
}

// Service submits the recurring prize-draw reminder as a broadcast job.
type Service struct {
	mu sync.Mutex

	cfg        Config
	broadcasts *broadcast.Service
	log        logx.Logger
	cron       *cron.Cron
}

func New(cfg Config, b *broadcast.Service, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = defaultSchedule
	}
	if strings.TrimSpace(cfg.Message) == "" {
		cfg.Message = defaultMessage
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, broadcasts: b, log: log}
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.cron != nil {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		id, err := s.broadcasts.Submit("raffle:weekly-reminder", fanout.Message{Text: s.cfg.Message}, 0)
		if err != nil {
			s.log.Warn("raffle reminder not enqueued", logx.Err(err))
			return
		}
		s.log.Info("raffle reminder enqueued", logx.String("job", id))
	})
	if err != nil {
		return fmt.Errorf("raffle schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("raffle reminder scheduled", logx.String("spec", s.cfg.Schedule))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
