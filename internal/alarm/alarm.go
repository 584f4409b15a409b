// Package alarm keeps the operator-facing alarms raised by the routing core.
package alarm

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/linerouter/internal/logging"
	"github.com/signalsfoundry/linerouter/model"
)

// Manager raises and clears alarms.
type Manager interface {
	Raise(ctx context.Context, a *model.Alarm)
	Clear(ctx context.Context, a *model.Alarm)
}

// New builds an alarm with a fresh ID. RaisedAt is stamped by Raise.
func New(module string, level model.AlarmLevel, message string) *model.Alarm {
	return &model.Alarm{
		ID:      uuid.NewString(),
		Module:  module,
		Level:   level,
		Message: message,
	}
}

// Registry is an in-memory Manager that remembers active alarms.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*model.Alarm
	log    logging.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(log logging.Logger) *Registry {
	return &Registry{
		active: make(map[string]*model.Alarm),
		log:    logging.OrNoop(log),
		now:    time.Now,
	}
}

// Raise activates a. Raising an already active alarm is a no-op.
func (r *Registry) Raise(ctx context.Context, a *model.Alarm) {
	if a == nil {
		return
	}
	r.mu.Lock()
	if _, ok := r.active[a.ID]; ok {
		r.mu.Unlock()
		return
	}
	a.RaisedAt = r.now()
	r.active[a.ID] = a
	r.mu.Unlock()

	r.log.Warn(ctx, "alarm raised",
		logging.String("alarm_id", a.ID),
		logging.Module(a.Module),
		logging.String("level", a.Level.String()),
		logging.String("message", a.Message),
	)
}

// Clear deactivates a. Clearing an inactive alarm is a no-op.
func (r *Registry) Clear(ctx context.Context, a *model.Alarm) {
	if a == nil {
		return
	}
	r.mu.Lock()
	if _, ok := r.active[a.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.active, a.ID)
	r.mu.Unlock()

	r.log.Info(ctx, "alarm cleared", logging.String("alarm_id", a.ID), logging.Module(a.Module))
}

// Active returns the active alarms ordered by raise time.
func (r *Registry) Active() []model.Alarm {
	r.mu.RLock()
	out := make([]model.Alarm, 0, len(r.active))
	for _, a := range r.active {
		out = append(out, *a)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].Module < out[j].Module
		}
		return out[i].RaisedAt.Before(out[j].RaisedAt)
	})
	return out
}

// IsActive reports whether the alarm with id is active.
func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[id]
	return ok
}
