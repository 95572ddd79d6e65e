package decoder

import (
	"sync"

	"VinoDetServer/ir"
)

type State int

const (
	Unchecked State = iota
	Valid
	Invalid
)

func (s State) String() string {
	switch s {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	}
	return "unchecked"
}

// Validator checks a loaded network once against its decoder's shape
// contract. Invalid is terminal for that network.
type Validator struct {
	mu      sync.Mutex
	decoder Decoder
	state   State
	err     error
}

func NewValidator(d Decoder) *Validator {
	return &Validator{decoder: d}
}

func (v *Validator) Check(net *ir.Network) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch v.state {
	case Valid:
		return nil
	case Invalid:
		return v.err
	}
	if err := v.decoder.Validate(net); err != nil {
		v.state = Invalid
		v.err = err
		return err
	}
	v.state = Valid
	return nil
}

func (v *Validator) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}
