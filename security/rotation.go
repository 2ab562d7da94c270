package security

import "time"

// KeyRotationWindow gates when a key version may encrypt or decrypt. During
// a rotation the outgoing version keeps a decrypt-only window so sealed
// credential blobs stay readable until they are rewritten under the new key;
// once the window closes the version is dead on both sides.
type KeyRotationWindow struct {
	NotBefore time.Time
	NotAfter  time.Time
}

func (w KeyRotationWindow) Allows(at time.Time) bool {
	ts := at.UTC()
	if !w.NotBefore.IsZero() && ts.Before(w.NotBefore.UTC()) {
		return false
	}
	if !w.NotAfter.IsZero() && ts.After(w.NotAfter.UTC()) {
		return false
	}
	return true
}
