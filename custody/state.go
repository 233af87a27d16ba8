package custody

import (
	"errors"
	"fmt"
)

// KeyState is the lifecycle state of a managed key object.
type KeyState uint32

const (
	StatePreActive            KeyState = 0x01
	StateActive               KeyState = 0x02
	StateDeactivated          KeyState = 0x03
	StateCompromised          KeyState = 0x04
	StateDestroyed            KeyState = 0x05
	StateDestroyedCompromised KeyState = 0x06
)

func (s KeyState) String() string {
	switch s {
	case StatePreActive:
		return "PreActive"
	case StateActive:
		return "Active"
	case StateDeactivated:
		return "Deactivated"
	case StateCompromised:
		return "Compromised"
	case StateDestroyed:
		return "Destroyed"
	case StateDestroyedCompromised:
		return "DestroyedCompromised"
	default:
		return fmt.Sprintf("KeyState(%d)", uint32(s))
	}
}

// Valid reports whether s is a known state.
func (s KeyState) Valid() bool {
	return s >= StatePreActive && s <= StateDestroyedCompromised
}

// Terminal reports whether the key material is gone.
func (s KeyState) Terminal() bool {
	return s == StateDestroyed || s == StateDestroyedCompromised
}

// CanSign reports whether a Certify request may use the key.
func (s KeyState) CanSign() bool {
	return s == StateActive
}

// ErrWrongKeyState is returned by Next for a transition the lifecycle
// does not allow.
var ErrWrongKeyState = errors.New("wrong key lifecycle state")

// Next returns the state after a successful op. Create activates a
// PreActive key. Revoke moves Active keys to Deactivated, or to
// Compromised when compromised is set; repeating it on a revoked key is
// a no-op except that a compromise report escalates Deactivated to
// Compromised. Destroy moves any non-terminal key to Destroyed, or to
// DestroyedCompromised from Compromised; repeating it is a no-op.
func (s KeyState) Next(op Operation, compromised bool) (KeyState, error) {
	switch op {
	case OpCreateKeyPair:
		if s == StatePreActive {
			return StateActive, nil
		}
	case OpRevoke:
		switch s {
		case StateActive, StateDeactivated:
			if compromised {
				return StateCompromised, nil
			}
			return StateDeactivated, nil
		case StatePreActive:
			if compromised {
				return StateCompromised, nil
			}
		case StateCompromised:
			return StateCompromised, nil
		}
	case OpDestroy:
		switch s {
		case StateCompromised, StateDestroyedCompromised:
			return StateDestroyedCompromised, nil
		case StatePreActive, StateActive, StateDeactivated, StateDestroyed:
			return StateDestroyed, nil
		}
	default:
		return s, fmt.Errorf("%w: %s does not change key state", ErrWrongKeyState, op)
	}
	return s, fmt.Errorf("%w: %s not allowed in state %s", ErrWrongKeyState, op, s)
}
