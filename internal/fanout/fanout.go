package fanout

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ZUA228132/wishlist-app/internal/transport"
	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

// Message is one per-recipient payload. A non-nil Photo is sent as a photo
// with Caption; otherwise Text is sent.
type Message struct {
	Text    string
	Photo   []byte
	Caption string
}

// Report aggregates per-recipient outcomes. Delivered + Unreachable + Failed
// always equals the number of recipients handed to Deliver.
type Report struct {
	Delivered   int
	Unreachable int
	Failed      int
}

func (r Report) Total() int { return r.Delivered + r.Unreachable + r.Failed }

// Observer receives best-effort progress updates during large batches.
// Failures inside the observer never affect the dispatch result.
type Observer func(delivered, total int)

type Config struct {
	RatePerSec  int           // token bucket for outbound sends; default 10
	SendTimeout time.Duration // per-attempt timeout; default 10s

	// Progress updates fire after every ProgressEvery-th successful delivery,
	// but only for batches of at least ProgressMinBatch recipients.
	ProgressEvery    int // default 10
	ProgressMinBatch int // default 20
}

// Dispatcher sends one message per recipient, isolating failures: one
// recipient's error never aborts delivery to the rest.
type Dispatcher struct {
	cfg      Config
	notifier transport.Notifier
	log      logx.Logger
	limiter  *rate.Limiter
}

func New(cfg Config, notifier transport.Notifier, log logx.Logger) *Dispatcher {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 10
	}
	if cfg.ProgressMinBatch <= 0 {
		cfg.ProgressMinBatch = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg,
		notifier: notifier,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Deliver attempts delivery to every recipient and classifies each outcome.
// Iteration is total: a cancelled context stops sending, but the remaining
// recipients are still counted (as failed) so the report covers the whole
// batch. obs may be nil.
func (d *Dispatcher) Deliver(ctx context.Context, recipients []int64, build func(int64) Message, obs Observer) Report {
	var rep Report
	total := len(recipients)
	withProgress := obs != nil && total >= d.cfg.ProgressMinBatch

	for _, to := range recipients {
		if ctx.Err() != nil {
			rep.Failed++
			continue
		}

		err := d.sendOne(ctx, to, build(to))
		switch classify(err) {
		case outcomeDelivered:
			rep.Delivered++
			if withProgress && rep.Delivered%d.cfg.ProgressEvery == 0 {
				d.notifyProgress(obs, rep.Delivered, total)
			}
		case outcomeUnreachable:
			rep.Unreachable++
			d.log.Debug("recipient unreachable", logx.Int64("to", to), logx.Err(err))
		default:
			rep.Failed++
			d.log.Warn("delivery failed", logx.Int64("to", to), logx.Err(err))
		}
	}
	return rep
}

func (d *Dispatcher) sendOne(ctx context.Context, to int64, msg Message) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	if msg.Photo != nil {
		return d.notifier.SendPhoto(sctx, to, msg.Photo, msg.Caption)
	}
	return d.notifier.SendText(sctx, to, msg.Text)
}

// notifyProgress shields the dispatch loop from a misbehaving observer.
func (d *Dispatcher) notifyProgress(obs Observer, delivered, total int) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Debug("progress observer panicked", logx.Any("panic", r))
		}
	}()
	obs(delivered, total)
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeUnreachable
	outcomeFailed
)

// classify buckets a send error. Telegram reports a recipient who blocked the
// bot or deleted their account with "Forbidden: bot was blocked by the user"
// / "Forbidden: user is deactivated"; those are terminal, everything else is
// a plain failure.
func classify(err error) outcome {
	if err == nil {
		return outcomeDelivered
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "blocked") || strings.Contains(msg, "deactivated") {
		return outcomeUnreachable
	}
	return outcomeFailed
}
