package runtime

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type Factory func() (Plugin, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a device binding available by name. Registering the same name
// twice replaces the earlier factory.
func Register(device string, f Factory) {
	if f == nil {
		panic("runtime: Register factory is nil")
	}
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[strings.ToUpper(device)] = f
}

func Unregister(device string) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	delete(factories, strings.ToUpper(device))
}

func Devices() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	list := make([]string, 0, len(factories))
	for name := range factories {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

func lookup(device string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[device]
	return f, ok
}

const heteroPrefix = "HETERO"

// DeviceSpec is a parsed device string. Devices lists the priority order of a
// heterogeneous composite, or the single device otherwise.
type DeviceSpec struct {
	Hetero  bool
	Devices []string
}

func (s DeviceSpec) String() string {
	if s.Hetero {
		return heteroPrefix + ":" + strings.Join(s.Devices, ",")
	}
	if len(s.Devices) == 0 {
		return ""
	}
	return s.Devices[0]
}

func ParseDevice(s string) (DeviceSpec, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return DeviceSpec{}, fmt.Errorf("empty device string: %w", ErrDeviceUnavailable)
	}
	if s == heteroPrefix || strings.HasPrefix(s, heteroPrefix+":") {
		rest := strings.TrimPrefix(strings.TrimPrefix(s, heteroPrefix), ":")
		spec := DeviceSpec{Hetero: true}
		seen := make(map[string]bool)
		for _, d := range strings.Split(rest, ",") {
			d = strings.TrimSpace(d)
			if d == "" || seen[d] {
				continue
			}
			seen[d] = true
			spec.Devices = append(spec.Devices, d)
		}
		if len(spec.Devices) == 0 {
			return DeviceSpec{}, fmt.Errorf("%q names no fallback devices: %w", s, ErrDeviceUnavailable)
		}
		return spec, nil
	}
	if strings.ContainsAny(s, ":,") {
		return DeviceSpec{}, fmt.Errorf("malformed device string %q: %w", s, ErrDeviceUnavailable)
	}
	return DeviceSpec{Devices: []string{s}}, nil
}

// Open resolves a device string to a plugin. A heterogeneous spec yields a
// *HeteroPlugin wrapping one plugin per listed device.
func Open(device string) (Plugin, error) {
	spec, err := ParseDevice(device)
	if err != nil {
		return nil, err
	}
	if !spec.Hetero {
		return openOne(spec.Devices[0])
	}
	members := make([]Plugin, 0, len(spec.Devices))
	for _, d := range spec.Devices {
		p, err := openOne(d)
		if err != nil {
			for _, m := range members {
				_ = m.Close()
			}
			return nil, err
		}
		members = append(members, p)
	}
	return newHetero(spec, members), nil
}

func openOne(device string) (Plugin, error) {
	f, ok := lookup(device)
	if !ok {
		return nil, fmt.Errorf("%s: %w", device, ErrDeviceUnavailable)
	}
	p, err := f()
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", device, err, ErrDeviceUnavailable)
	}
	return p, nil
}
