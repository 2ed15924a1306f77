package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jasonkneen/vexa/pkg/provider/stt"
	"github.com/jasonkneen/vexa/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned when a config names a provider no
// factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factoryTable is one name → constructor map, generic over the config block
// the constructor consumes (C) and the provider it yields (P).
type factoryTable[C, P any] struct {
	mu        sync.RWMutex
	factories map[string]func(C) (P, error)
}

func (ft *factoryTable[C, P]) put(name string, factory func(C) (P, error)) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.factories == nil {
		ft.factories = make(map[string]func(C) (P, error))
	}
	ft.factories[name] = factory
}

func (ft *factoryTable[C, P]) build(kind, name string, cfg C) (P, error) {
	ft.mu.RLock()
	factory, ok := ft.factories[name]
	ft.mu.RUnlock()
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, name)
	}
	return factory(cfg)
}

// Registry resolves the provider names found in a config file to concrete
// constructors. Two slots are pluggable: the transcriber and the voice
// activity detector. Registering an already-taken name overwrites it, so a
// binary embedding vexa can shadow a builtin. Safe for concurrent use.
type Registry struct {
	transcribers factoryTable[TranscriberConfig, stt.Transcriber]
	detectors    factoryTable[VADConfig, vad.Detector]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry { return &Registry{} }

// RegisterTranscriber makes a transcriber constructor selectable by name.
func (r *Registry) RegisterTranscriber(name string, factory func(TranscriberConfig) (stt.Transcriber, error)) {
	r.transcribers.put(name, factory)
}

// RegisterDetector makes a voice activity detector constructor selectable by
// name.
func (r *Registry) RegisterDetector(name string, factory func(VADConfig) (vad.Detector, error)) {
	r.detectors.put(name, factory)
}

// CreateTranscriber builds the transcriber named by tc.Provider, or reports
// [ErrProviderNotRegistered].
func (r *Registry) CreateTranscriber(tc TranscriberConfig) (stt.Transcriber, error) {
	return r.transcribers.build("transcriber", tc.Provider, tc)
}

// CreateDetector builds the detector named by vc.Provider, or reports
// [ErrProviderNotRegistered].
func (r *Registry) CreateDetector(vc VADConfig) (vad.Detector, error) {
	return r.detectors.build("vad", vc.Provider, vc)
}
