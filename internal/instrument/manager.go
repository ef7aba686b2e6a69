package instrument

import (
	"errors"
	"fmt"

	"github.com/samcharles93/kvcalib/internal/logger"
)

var (
	ErrNoMatchingLayers = errors.New("instrument: no matching layers")
	ErrAttached         = errors.New("instrument: manager already attached")
	ErrDuplicateLayer   = errors.New("instrument: duplicate layer name")
)

// NoMatchingLayersError is returned when a requested type tag matches no
// sublayer of the model. The tag is configuration, so this usually means the
// wrong architecture preset was selected.
type NoMatchingLayersError struct {
	Type      string
	Role      LayerRole
	Available []string
}

func (e *NoMatchingLayersError) Error() string {
	return fmt.Sprintf("instrument: no %s layers of type %q (model has types %v)", e.Role, e.Type, e.Available)
}

func (e *NoMatchingLayersError) Unwrap() error {
	return ErrNoMatchingLayers
}

// Manager attaches observation points to a model and removes exactly the
// points it attached.
type Manager struct {
	log     logger.Logger
	hooks   *Registry
	points  []*ObservationPoint
	handles []LayerHandle
}

func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{log: log}
}

// Handles returns the layers matched by the last successful Attach.
func (m *Manager) Handles() []LayerHandle {
	return m.handles
}

// Points returns the observation points this manager owns.
func (m *Manager) Points() []*ObservationPoint {
	return m.points
}

// Attach matches sublayers by exact type tag and registers one observation
// point per (layer, tensor role) into the model's registry. Attention blocks
// get key and value points; normalization layers get input and weight points.
// normType may be empty to skip normalization layers.
//
// Handles are returned in traversal order. On any error nothing stays
// registered.
func (m *Manager) Attach(model Instrumentable, layerType, normType string, sink Sink) ([]LayerHandle, error) {
	if m.hooks != nil {
		return nil, ErrAttached
	}
	if model == nil {
		return nil, errors.New("instrument: nil model")
	}
	if sink == nil {
		return nil, errors.New("instrument: nil sink")
	}
	hooks := model.Hooks()
	if hooks == nil {
		return nil, errors.New("instrument: model has no observation registry")
	}

	handles, err := match(model.Sublayers(), layerType, normType)
	if err != nil {
		return nil, err
	}

	m.hooks = hooks
	for _, h := range handles {
		for _, role := range h.Role.Roles() {
			p, err := hooks.register(h, role, sink)
			if err != nil {
				if derr := m.Detach(); derr != nil {
					m.log.Error("rollback after failed attach", "error", derr)
				}
				return nil, fmt.Errorf("attach %s/%s: %w", h.Name, role, err)
			}
			m.points = append(m.points, p)
		}
	}
	m.handles = handles
	m.log.Debug("instrumentation attached", "layers", len(handles), "points", len(m.points))
	return handles, nil
}

// match walks the flattened hierarchy in order and returns one handle per
// sublayer whose type tag equals layerType or normType.
func match(subs []Sublayer, layerType, normType string) ([]LayerHandle, error) {
	var (
		handles  []LayerHandle
		seen     = make(map[string]bool, len(subs))
		types    []string
		typeSeen = make(map[string]bool)
		attn     int
		norms    int
	)
	for _, s := range subs {
		if !typeSeen[s.Type] {
			typeSeen[s.Type] = true
			types = append(types, s.Type)
		}
		var role LayerRole
		switch {
		case s.Type == layerType:
			role = AttentionBlock
		case normType != "" && s.Type == normType:
			role = Normalization
		default:
			continue
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateLayer, s.Name)
		}
		seen[s.Name] = true

		var ordinal int
		if role == AttentionBlock {
			ordinal = attn
			attn++
		} else {
			ordinal = norms
			norms++
		}
		idx, ok := layerIndex(s.Name)
		if !ok {
			idx = ordinal
		}
		handles = append(handles, LayerHandle{Name: s.Name, Type: s.Type, Index: idx, Role: role})
	}

	if attn == 0 {
		return nil, &NoMatchingLayersError{Type: layerType, Role: AttentionBlock, Available: types}
	}
	if normType != "" && norms == 0 {
		return nil, &NoMatchingLayersError{Type: normType, Role: Normalization, Available: types}
	}
	return handles, nil
}

// Detach removes every point this manager registered. It is safe to call
// any number of times and after a failed Attach or a failed run.
func (m *Manager) Detach() error {
	if m.hooks == nil {
		return nil
	}
	var missing int
	for _, p := range m.points {
		if !m.hooks.remove(p) {
			missing++
		}
	}
	n := len(m.points)
	m.points = nil
	m.hooks = nil
	if missing > 0 {
		return fmt.Errorf("instrument: %d of %d observation points were already gone at detach", missing, n)
	}
	m.log.Debug("instrumentation detached", "points", n)
	return nil
}
