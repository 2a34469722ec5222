package registry

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Pruner is the part of a Store the janitor needs.
type Pruner interface {
	Prune() int
	Stats() Stats
}

// Janitor periodically drops empty rooms.
type Janitor struct {
	runner *cron.Cron
}

// StartJanitor schedules Prune on the given cron schedule (e.g. "@every 5m").
// An empty schedule disables the janitor and returns nil.
func StartJanitor(store Pruner, schedule string, logger *zerolog.Logger) (*Janitor, error) {
	if schedule == "" {
		return nil, nil
	}
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	log = log.With().Str("component", "janitor").Logger()

	runner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := runner.AddFunc(schedule, func() {
		pruned := store.Prune()
		stats := store.Stats()
		log.Debug().
			Int("pruned", pruned).
			Int("chatRooms", stats.ChatRooms).
			Int("gameRooms", stats.GameRooms).
			Int("posts", stats.Posts).
			Msg("registry pruned")
	})
	if err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	runner.Start()
	return &Janitor{runner: runner}, nil
}

// Stop halts the schedule and waits for a running prune to finish.
func (j *Janitor) Stop() {
	if j == nil {
		return
	}
	<-j.runner.Stop().Done()
}
