package anon

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// uidRoot is the DICOM org-root prefix used to mint fresh, valid UIDs:
// opaque random strings of bounded length.
const uidRoot = "2.25"

// NewUID returns a fresh, DICOM-valid UID built from random material.
// Used for the anonymous PatientID of a newly minted key; study, series
// and SOP instance pseudonyms come from StableUID instead.
func NewUID() string {
	u := uuid.New()
	return fmt.Sprintf("%s.%d", uidRoot, uuidToUint(u))
}

// StableUID returns a UID that is stable for a given (salt, scope) pair
// within one process -- used by the REPLACE_UID action so
// that every tag referencing the same study/series inside one
// anonymise pass is replaced with the *same* fresh UID, without
// persisting a side-table of UID remaps: the hash itself is the source
// of within-run stability, while cross-run stability comes from the
// AnonymizationKey row.
func StableUID(salt, scope string) string {
	h, _ := blake2b.New256(nil) // fixed-size output, error only on bad keyed-hash args
	h.Write([]byte(salt))
	h.Write([]byte{0})
	h.Write([]byte(scope))
	sum := h.Sum(nil)
	// fold the 256-bit digest down to a 63-bit non-negative integer so
	// the resulting UID component stays within DICOM's numeric-component
	// conventions.
	n := binary.BigEndian.Uint64(sum[:8]) >> 1
	return fmt.Sprintf("%s.%d", uidRoot, n)
}

func uuidToUint(u uuid.UUID) uint64 {
	return binary.BigEndian.Uint64(u[:8]) >> 1
}

// AnonPatientName synthesises a demographically-plausible pseudonym
// from sex, so anonymised data remains demographically plausible. No
// age-bucketing statistical model is pulled in -- this
// is a fixed string template, not a generator.
func AnonPatientName(sex string) string {
	switch sex {
	case "M":
		return "John^Doe"
	case "F":
		return "Jane^Doe"
	default:
		return "Doe^Patient"
	}
}

// ZeroedBirthDate is the fixed, zeroed replacement for PatientBirthDate.
const ZeroedBirthDate = ""
