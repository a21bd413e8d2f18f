package persist

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"strategy-engine/internal/model"
)

// DefaultSchedule saves every instance every 30 seconds.
const DefaultSchedule = "@every 30s"

// Periodic re-queues every registry snapshot on a cron schedule so stores that
// missed a write (Redis restart, breaker open) catch up.
type Periodic struct {
	cron   *cron.Cron
	source func() map[string]model.Snapshot
	p      *Persister
	log    *zap.Logger
}

// NewPeriodic registers the save job. spec is a cron expression or descriptor.
func NewPeriodic(spec string, source func() map[string]model.Snapshot, p *Persister, log *zap.Logger) (*Periodic, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	pr := &Periodic{
		cron:   cron.New(),
		source: source,
		p:      p,
		log:    log,
	}
	if _, err := pr.cron.AddFunc(spec, pr.RunNow); err != nil {
		return nil, fmt.Errorf("register snapshot schedule %q: %w", spec, err)
	}
	return pr, nil
}

// RunNow queues one full save.
func (pr *Periodic) RunNow() {
	snaps := pr.source()
	pr.p.ScheduleAll(snaps)
	pr.log.Debug("periodic snapshot queued", zap.Int("strategies", len(snaps)))
}

func (pr *Periodic) Start() {
	pr.cron.Start()
	pr.log.Info("snapshot schedule started")
}

// Stop stops the schedule and waits for a running job.
func (pr *Periodic) Stop() {
	<-pr.cron.Stop().Done()
	pr.log.Info("snapshot schedule stopped")
}
