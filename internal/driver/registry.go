package driver

import (
	"fmt"
	"sync"

	"github.com/CZERTAINLY/scanbridge/internal/model"
)

// Registry maps driver kinds to descriptors and factories.
type Registry struct {
	mx        sync.RWMutex
	infos     map[model.DriverKind]Info
	factories map[model.DriverKind]Factory
}

// NewRegistry returns a registry knowing the descriptors in Known and no
// factories.
func NewRegistry() *Registry {
	r := &Registry{
		infos:     make(map[model.DriverKind]Info, len(Known)),
		factories: make(map[model.DriverKind]Factory),
	}
	for _, info := range Known {
		r.infos[info.Kind] = info
	}
	return r
}

// Register adds or replaces the implementation of info.Kind.
func (r *Registry) Register(info Info, factory Factory) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.infos[info.Kind] = info
	r.factories[info.Kind] = factory
}

// Lookup returns the descriptor of kind. Unknown kinds and kinds that do not
// exist on this platform are KindDriverUnsupported.
func (r *Registry) Lookup(kind model.DriverKind) (Info, error) {
	r.mx.RLock()
	info, ok := r.infos[kind]
	r.mx.RUnlock()
	if !ok {
		return Info{}, model.Errorf(model.KindDriverUnsupported, "driver %q is not known", kind)
	}
	if !HostSupports(info) {
		return Info{}, model.Errorf(model.KindDriverUnsupported, "driver %q is not available on this platform", kind)
	}
	return info, nil
}

// Open instantiates the driver of kind.
func (r *Registry) Open(kind model.DriverKind, env Environment) (Driver, error) {
	if _, err := r.Lookup(kind); err != nil {
		return nil, err
	}
	r.mx.RLock()
	factory, ok := r.factories[kind]
	r.mx.RUnlock()
	if !ok || factory == nil {
		return nil, model.Errorf(model.KindDriverUnsupported, "driver %q has no implementation in this build", kind)
	}
	d, err := factory(env)
	if err != nil {
		return nil, fmt.Errorf("opening driver %s: %w", kind, err)
	}
	return d, nil
}

// Kinds returns the kinds which have an implementation.
func (r *Registry) Kinds() []model.DriverKind {
	r.mx.RLock()
	defer r.mx.RUnlock()
	ret := make([]model.DriverKind, 0, len(r.factories))
	for _, info := range Known {
		if _, ok := r.factories[info.Kind]; ok {
			ret = append(ret, info.Kind)
		}
	}
	for kind := range r.factories {
		if !knownKind(kind) {
			ret = append(ret, kind)
		}
	}
	return ret
}

func knownKind(kind model.DriverKind) bool {
	for _, info := range Known {
		if info.Kind == kind {
			return true
		}
	}
	return false
}
