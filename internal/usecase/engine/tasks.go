package engine

import (
	"context"
	"time"

	"chorus/internal/usecase/scheduling"
)

// Schedules sets how often each background task runs. Zero disables a task.
type Schedules struct {
	Initiate time.Duration
	Announce time.Duration
	Prune    time.Duration
	Sweep    time.Duration
}

// RegisterTasks wires the engine's periodic work into s. initiate may be
// nil when spontaneous conversations are disabled.
func (e *Engine) RegisterTasks(s *scheduling.Scheduler, sched Schedules, initiate func(context.Context) error) error {
	s.RegisterAction(scheduling.ActionAnnounce, e.dir.Announce)
	s.RegisterAction(scheduling.ActionPrune, func(context.Context) error {
		if n := e.dir.Prune(); n > 0 {
			e.logger.Info("stale agents marked unavailable", "count", n)
		}
		return nil
	})
	s.RegisterAction(scheduling.ActionSweep, e.Sweep)
	if initiate != nil {
		s.RegisterAction(scheduling.ActionInitiate, initiate)
	}

	type task struct {
		every  time.Duration
		action scheduling.ScheduledAction
	}
	tasks := []task{
		{sched.Announce, scheduling.ActionAnnounce},
		{sched.Prune, scheduling.ActionPrune},
		{sched.Sweep, scheduling.ActionSweep},
	}
	if initiate != nil {
		tasks = append(tasks, task{sched.Initiate, scheduling.ActionInitiate})
	}

	for _, t := range tasks {
		if t.every <= 0 {
			continue
		}
		err := s.AddTask(scheduling.ScheduledTask{
			Name:     string(t.action),
			Schedule: scheduling.Every(t.every),
			Action:   t.action,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
