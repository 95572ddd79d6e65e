package runtime

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"VinoDetServer/ir"
)

// ErrorListener receives diagnostic messages emitted while the composite
// assigns and compiles layers.
type ErrorListener func(msg string)

// HeteroPlugin composes several device plugins in priority order. Layers are
// assigned to the first device able to run them; compilation starts on the
// highest priority device that owns layers and falls back down the list.
type HeteroPlugin struct {
	spec    DeviceSpec
	members []Plugin

	mu       sync.Mutex
	listener ErrorListener
}

func newHetero(spec DeviceSpec, members []Plugin) *HeteroPlugin {
	return &HeteroPlugin{spec: spec, members: members}
}

// NewHetero builds a composite from already opened plugins. The priority order
// is the order of members.
func NewHetero(members ...Plugin) *HeteroPlugin {
	spec := DeviceSpec{Hetero: true}
	for _, m := range members {
		spec.Devices = append(spec.Devices, m.Name())
	}
	return newHetero(spec, members)
}

func (h *HeteroPlugin) Name() string {
	return h.spec.String()
}

func (h *HeteroPlugin) Devices() []string {
	return append([]string(nil), h.spec.Devices...)
}

func (h *HeteroPlugin) SetErrorListener(l ErrorListener) {
	h.mu.Lock()
	h.listener = l
	h.mu.Unlock()
}

func (h *HeteroPlugin) report(format string, args ...any) {
	h.mu.Lock()
	l := h.listener
	h.mu.Unlock()
	if l != nil {
		l(fmt.Sprintf(format, args...))
	}
}

func (h *HeteroPlugin) Supports(layerType string) bool {
	for _, m := range h.members {
		if m.Supports(layerType) {
			return true
		}
	}
	return false
}

func (h *HeteroPlugin) SetConfig(cfg map[string]string) error {
	for _, m := range h.members {
		if err := m.SetConfig(cfg); err != nil {
			h.report("%s: set config: %v", m.Name(), err)
			return fmt.Errorf("%s: %w", m.Name(), err)
		}
	}
	return nil
}

// Member reports whether device is part of the composite.
func (h *HeteroPlugin) Member(device string) bool {
	device = strings.ToUpper(device)
	for _, d := range h.spec.Devices {
		if d == device {
			return true
		}
	}
	return false
}

// SetDefaultAffinity assigns every layer to the first device in priority order
// that supports its type and returns a one-line summary of the assignment.
func (h *HeteroPlugin) SetDefaultAffinity(net *ir.Network) (string, error) {
	counts := make(map[string]int, len(h.members))
	var unsupported []string
	for _, l := range net.Layers {
		assigned := false
		for i, m := range h.members {
			if m.Supports(l.Type) {
				l.Affinity = h.spec.Devices[i]
				counts[h.spec.Devices[i]]++
				assigned = true
				break
			}
		}
		if !assigned {
			unsupported = append(unsupported, fmt.Sprintf("%s(%s)", l.Name, l.Type))
		}
	}
	parts := make([]string, 0, len(h.spec.Devices))
	for _, d := range h.spec.Devices {
		parts = append(parts, fmt.Sprintf("%s=%d", d, counts[d]))
	}
	msg := "layer affinity " + strings.Join(parts, " ")
	if len(unsupported) > 0 {
		msg += " unsupported " + strings.Join(unsupported, ",")
		h.report("%s", msg)
		return msg, fmt.Errorf("no device in %s supports %s: %w", h.Name(), strings.Join(unsupported, ","), ErrDeviceUnavailable)
	}
	return msg, nil
}

// Compile hands the whole network to one member. Layer affinity only picks the
// starting member: the first in priority order that owns any layer. Members
// that reject the network are reported and the next one is tried. Layers are
// never split across devices, so the returned executable runs every layer on
// the member named by its Device.
func (h *HeteroPlugin) Compile(net *ir.Network) (Executable, error) {
	owned := make(map[string]bool)
	for _, l := range net.Layers {
		if l.Affinity != "" {
			owned[strings.ToUpper(l.Affinity)] = true
		}
	}
	start := 0
	if len(owned) > 0 {
		for i, d := range h.spec.Devices {
			if owned[d] {
				start = i
				break
			}
		}
	}

	var errs []error
	for i := start; i < len(h.members); i++ {
		m := h.members[i]
		exe, err := m.Compile(net)
		if err == nil {
			if i != start {
				h.report("compiled on fallback device %s", m.Name())
			}
			return exe, nil
		}
		h.report("%s rejected network %s: %v", m.Name(), net.Name, err)
		errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
	}
	return nil, errors.Join(errs...)
}

func (h *HeteroPlugin) Close() error {
	var errs []error
	for _, m := range h.members {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
