package sidecar

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// rescanner triggers directory re-discovery on a cron schedule
type rescanner struct {
	schedule string
	trigger  func()
	cron     *cron.Cron
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
}

func newRescanner(schedule string, trigger func(), logger zerolog.Logger) *rescanner {
	return &rescanner{
		schedule: schedule,
		trigger:  trigger,
		cron:     cron.New(),
		logger:   logger,
	}
}

func (r *rescanner) start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.schedule == "" || r.running {
		return nil
	}

	if _, err := r.cron.AddFunc(r.schedule, r.trigger); err != nil {
		return fmt.Errorf("invalid rescan schedule %q: %w", r.schedule, err)
	}
	r.cron.Start()
	r.running = true

	r.logger.Info().Str("schedule", r.schedule).Msg("Directory rescan scheduled")
	return nil
}

// stop halts the schedule and waits for a running trigger to return
func (r *rescanner) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	<-r.cron.Stop().Done()
	r.running = false
}
