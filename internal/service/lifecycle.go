// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"

	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// Instance states.
const (
	StateDisabled = "disabled"
	StateEnabled  = "enabled"
	// StateOrphaned marks a stored watermark whose trigger is no longer
	// registered. Disable by id removes it.
	StateOrphaned = "orphaned"
)

const (
	eventEnable  = "enable"
	eventDisable = "disable"
)

// lifecycle tracks whether one trigger instance is enabled. The store is the
// source of truth: an instance is enabled exactly when it has a watermark,
// and Sync realigns the machine after a restart or reload.
type lifecycle struct {
	id  string
	fsm *fsm.FSM

	// mu serializes lifecycle calls on the instance so a Disable cannot
	// interleave with a Run that would write the watermark back.
	mu sync.Mutex
}

func newLifecycle(id, initial string, logger *slog.Logger) *lifecycle {
	l := &lifecycle{id: id}
	l.fsm = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: eventEnable, Src: []string{StateDisabled, StateEnabled}, Dst: StateEnabled},
			{Name: eventDisable, Src: []string{StateDisabled, StateEnabled}, Dst: StateDisabled},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				logger.InfoContext(ctx, "trigger state changed",
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)
	return l
}

func (l *lifecycle) current() string { return l.fsm.Current() }

// fire applies event. Enabling an enabled instance (and disabling a
// disabled one) is a no-op, which makes both operations idempotent.
func (l *lifecycle) fire(ctx context.Context, event string) error {
	err := l.fsm.Event(ctx, event)
	var noop fsm.NoTransitionError
	if err == nil || pwerrors.As(err, &noop) {
		return nil
	}
	return pwerrors.Wrapf(err, "trigger %s: %s", l.id, event)
}

// set forces the state without running callbacks.
func (l *lifecycle) set(state string) { l.fsm.SetState(state) }
