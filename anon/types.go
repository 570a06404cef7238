// Package anon implements the anonymisation key service: the
// transactional mapping between original and pseudonymised identifiers
// at patient/study/series/image granularity.
package anon

// Level tags which granularity an AnonymizationKey's fields are
// authoritative at, returned alongside a lookup so callers know how far
// up the hierarchy the match reached.
type Level string

const (
	LevelPatient Level = "PATIENT"
	LevelStudy   Level = "STUDY"
	LevelSeries  Level = "SERIES"
	LevelImage   Level = "IMAGE"
)

// Key is the pseudonym mapping for one image.
type Key struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	ImageID string `json:"imageId"`

	PatientName     string `json:"patientName"`
	AnonPatientName string `json:"anonPatientName"`
	PatientID       string `json:"patientId"`
	AnonPatientID   string `json:"anonPatientId"`

	StudyInstanceUID     string `json:"studyInstanceUid"`
	AnonStudyInstanceUID string `json:"anonStudyInstanceUid"`

	SeriesInstanceUID     string `json:"seriesInstanceUid"`
	AnonSeriesInstanceUID string `json:"anonSeriesInstanceUid"`

	SOPInstanceUID     string `json:"sopInstanceUid"`
	AnonSOPInstanceUID string `json:"anonSopInstanceUid"`

	// Optional per-level extras, carried so the reverse-anonymise flow
	// can restore the full 13-tag set, not just the five identifier
	// pairs above.
	PatientBirthDate    string `json:"patientBirthDate,omitempty"`
	StudyDescription    string `json:"studyDescription,omitempty"`
	StudyID             string `json:"studyId,omitempty"`
	AccessionNumber     string `json:"accessionNumber,omitempty"`
	SeriesDescription   string `json:"seriesDescription,omitempty"`
	ProtocolName        string `json:"protocolName,omitempty"`
	FrameOfReferenceUID string `json:"frameOfReferenceUid,omitempty"`

	// Profile is the anonymisation profile active when this key was
	// minted.
	Profile string `json:"profile,omitempty"`
}

// Match pairs a looked-up Key with the hierarchy level it was found at.
type Match struct {
	Key   Key
	Level Level
}

// equal implements the deduplication criterion: matching original and
// pseudonym on PatientName, PatientID, StudyInstanceUID,
// SeriesInstanceUID.
func (k Key) equal(other Key) bool {
	return k.PatientName == other.PatientName &&
		k.AnonPatientName == other.AnonPatientName &&
		k.PatientID == other.PatientID &&
		k.AnonPatientID == other.AnonPatientID &&
		k.StudyInstanceUID == other.StudyInstanceUID &&
		k.AnonStudyInstanceUID == other.AnonStudyInstanceUID &&
		k.SeriesInstanceUID == other.SeriesInstanceUID &&
		k.AnonSeriesInstanceUID == other.AnonSeriesInstanceUID
}
