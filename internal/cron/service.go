// Package cron schedules recurring maintenance tasks on cron expressions
// with a seconds field, e.g. "0 0 3 * * *" for a nightly run.
package cron

import (
	"context"
	"fmt"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Task is one named maintenance function.
type Task func(ctx context.Context) error

type Service struct {
	cron *rcron.Cron
}

func NewService() *Service {
	return &Service{cron: rcron.New(rcron.WithSeconds())}
}

// Register schedules fn under the given cron expression. Tasks registered
// after Start are picked up immediately.
func (s *Service) Register(name, spec string, fn Task) error {
	_, err := s.cron.AddFunc(spec, func() {
		started := time.Now()
		if err := fn(context.Background()); err != nil {
			log.Warn().Err(err).Str("task", name).Msg("maintenance task failed")
			return
		}
		log.Info().Str("task", name).Dur("took", time.Since(started)).Msg("maintenance task done")
	})
	if err != nil {
		return fmt.Errorf("register task %s (%s): %w", name, spec, err)
	}
	return nil
}

func (s *Service) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits briefly for running tasks.
func (s *Service) Stop() {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Warn().Msg("cron stop timeout waiting for running tasks")
	}
}
