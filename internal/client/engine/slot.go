package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrSlotBusy is returned when a trigger arrives while the same phase is running.
var ErrSlotBusy = errors.New("engine: task already in flight")

// SlotPolicy decides what happens to a trigger that finds its slot busy.
type SlotPolicy int

const (
	// DropWhenBusy discards the trigger.
	DropWhenBusy SlotPolicy = iota
	// CoalesceWhenBusy remembers the trigger and runs the task once more after
	// the in-flight run succeeds. Any number of busy triggers collapse into one rerun.
	CoalesceWhenBusy
)

// taskSlot lets at most one run of a task execute at a time.
type taskSlot struct {
	policy SlotPolicy

	mu      sync.Mutex
	busy    bool
	pending bool
	dropped int64
}

func newTaskSlot(policy SlotPolicy) *taskSlot {
	return &taskSlot{policy: policy}
}

func (s *taskSlot) run(ctx context.Context, task func(context.Context) error) error {
	s.mu.Lock()
	if s.busy {
		if s.policy == CoalesceWhenBusy {
			s.pending = true
		}
		s.dropped++
		s.mu.Unlock()
		return ErrSlotBusy
	}
	s.busy = true
	s.mu.Unlock()

	for {
		err := task(ctx)

		s.mu.Lock()
		rerun := s.pending && err == nil && ctx.Err() == nil
		s.pending = false
		if !rerun {
			s.busy = false
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()
	}
}

func (s *taskSlot) isBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *taskSlot) droppedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
