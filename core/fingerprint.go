package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint is the content identity of a stored credential: a SHA-256 hash
// of the stored bytes, the byte length, and the modification marker the
// store stamped at write time. All three must agree for a match.
type Fingerprint struct {
	Hash   string
	Size   int64
	Marker string
}

func (f Fingerprint) IsZero() bool {
	return strings.TrimSpace(f.Hash) == "" && f.Size == 0 && strings.TrimSpace(f.Marker) == ""
}

// FingerprintVerdict is the result of comparing a recorded fingerprint
// against the bytes actually on disk.
type FingerprintVerdict string

const (
	FingerprintMatch    FingerprintVerdict = "match"
	FingerprintMismatch FingerprintVerdict = "mismatch"
	FingerprintAbsent   FingerprintVerdict = "absent"
)

// ComputeFingerprint derives the fingerprint for a blob about to be stored
// under the given modification marker. Pure; the caller owns persistence.
func ComputeFingerprint(blob []byte, marker string) Fingerprint {
	sum := sha256.Sum256(blob)
	return Fingerprint{
		Hash:   hex.EncodeToString(sum[:]),
		Size:   int64(len(blob)),
		Marker: strings.TrimSpace(marker),
	}
}

// VerifyFingerprint recomputes the identity of the loaded bytes under the
// loaded marker and compares it against the recorded sidecar value. Any
// disagreement in hash, size, or marker is a mismatch; a zero recorded
// fingerprint with no bytes is absent.
func VerifyFingerprint(recorded Fingerprint, blob []byte, marker string) FingerprintVerdict {
	if recorded.IsZero() && len(blob) == 0 {
		return FingerprintAbsent
	}
	actual := ComputeFingerprint(blob, marker)
	if !fingerprintsEqual(recorded, actual) {
		return FingerprintMismatch
	}
	return FingerprintMatch
}

func fingerprintsEqual(a, b Fingerprint) bool {
	return strings.EqualFold(strings.TrimSpace(a.Hash), strings.TrimSpace(b.Hash)) &&
		a.Size == b.Size &&
		strings.TrimSpace(a.Marker) == strings.TrimSpace(b.Marker)
}
