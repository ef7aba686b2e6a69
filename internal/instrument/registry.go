package instrument

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
)

var ErrAlreadyInstrumented = errors.New("instrument: layer role already has an observation point")

// Sink receives activations routed to observation points.
type Sink interface {
	Observe(p *ObservationPoint, act Activation)
}

// ObservationPoint binds one layer and one tensor role to a Sink. It lives
// from Manager.Attach until Manager.Detach.
type ObservationPoint struct {
	ID     uint64
	Handle LayerHandle
	Role   TensorRole

	sink  Sink
	calls atomic.Int64
}

// Calls returns how many activations reached the point.
func (p *ObservationPoint) Calls() int64 {
	return p.calls.Load()
}

type pointKey struct {
	layer string
	role  TensorRole
}

// Registry is a model's table of live observation points. The zero value
// is ready to use.
type Registry struct {
	mu     sync.Mutex
	points map[pointKey]*ObservationPoint
	nextID uint64
}

func (r *Registry) register(h LayerHandle, role TensorRole, sink Sink) (*ObservationPoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.points == nil {
		r.points = make(map[pointKey]*ObservationPoint)
	}
	k := pointKey{layer: h.Name, role: role}
	if _, ok := r.points[k]; ok {
		return nil, ErrAlreadyInstrumented
	}
	r.nextID++
	p := &ObservationPoint{ID: r.nextID, Handle: h, Role: role, sink: sink}
	r.points[k] = p
	return p, nil
}

// remove deletes p if it is still the registered point for its key.
func (r *Registry) remove(p *ObservationPoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := pointKey{layer: p.Handle.Name, role: p.Role}
	if cur, ok := r.points[k]; ok && cur == p {
		delete(r.points, k)
		return true
	}
	return false
}

// Wants reports whether an Emit for layer/role would reach a point. Forward
// drivers use it to skip building activations nobody observes.
func (r *Registry) Wants(layer string, role TensorRole) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.points[pointKey{layer: layer, role: role}]
	return ok
}

// Emit routes an activation to the point registered for layer/role, if any.
// The sink runs outside the registry lock.
func (r *Registry) Emit(layer string, role TensorRole, act Activation) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	p, ok := r.points[pointKey{layer: layer, role: role}]
	r.mu.Unlock()
	if !ok {
		return false
	}
	p.calls.Add(1)
	p.sink.Observe(p, act)
	return true
}

// Len returns the number of live observation points.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.points)
}

// Points returns the live points ordered by registration.
func (r *Registry) Points() []*ObservationPoint {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	out := make([]*ObservationPoint, 0, len(r.points))
	for _, p := range r.points {
		out = append(out, p)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *ObservationPoint) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
