package dicom

import "github.com/slicebox/slicebox/anon"

var levelRank = map[anon.Level]int{
	anon.LevelPatient: 1,
	anon.LevelStudy:   2,
	anon.LevelSeries:  3,
	anon.LevelImage:   4,
}

// requiredLevel is the minimum AnonymizationKey match authority needed
// to restore tag: patient-level fields only need a patient-level
// match, while study/series fields need the match to have reached at
// least that granularity, or restoring them could leak
// a different study/series of the same patient.
var requiredLevel = map[Tag]anon.Level{
	TagPatientName:         anon.LevelPatient,
	TagPatientID:           anon.LevelPatient,
	TagPatientBirthDate:    anon.LevelPatient,
	TagStudyInstanceUID:    anon.LevelStudy,
	TagStudyDescription:    anon.LevelStudy,
	TagStudyID:             anon.LevelStudy,
	TagAccessionNumber:     anon.LevelStudy,
	TagSeriesInstanceUID:   anon.LevelSeries,
	TagSeriesDescription:   anon.LevelSeries,
	TagProtocolName:        anon.LevelSeries,
	TagFrameOfReferenceUID: anon.LevelSeries,
}

func authorized(have, need anon.Level) bool { return levelRank[have] >= levelRank[need] }

// ReverseAnonymize restores tags in ReverseTags whenever match has
// sufficient authority, otherwise leaves the anonymised value in place.
// Store invokes it only when the key lookup found a match.
func ReverseAnonymize(parts []Part, match anon.Match, found bool) []Part {
	out := make([]Part, 0, len(parts)+2)
	forced := false
	bulkStarted := false

	appendForced := func() {
		if forced {
			return
		}
		out = append(out,
			Header{Tag: TagPatientIdentityRemoved, VR: "CS", Value: []byte("NO")},
			Header{Tag: TagDeidentificationMethod, VR: "LO", Value: nil},
		)
		forced = true
	}

	for _, p := range parts {
		h, isHeader := p.(Header)
		if !isHeader {
			if !bulkStarted {
				appendForced()
				bulkStarted = true
			}
			out = append(out, p)
			continue
		}
		if h.Tag == TagPatientIdentityRemoved || h.Tag == TagDeidentificationMethod {
			continue // superseded by the forced pair
		}
		need, reversible := requiredLevel[h.Tag]
		if !reversible || !found || !authorized(match.Level, need) {
			out = append(out, h) // leave the anonymised value in place
			continue
		}
		out = append(out, Header{Tag: h.Tag, VR: h.VR, Value: []byte(restoreValue(h.Tag, match.Key))})
	}
	appendForced()
	return out
}

func restoreValue(tag Tag, key anon.Key) string {
	switch tag {
	case TagPatientName:
		return key.PatientName
	case TagPatientID:
		return key.PatientID
	case TagPatientBirthDate:
		return key.PatientBirthDate
	case TagStudyInstanceUID:
		return key.StudyInstanceUID
	case TagStudyDescription:
		return key.StudyDescription
	case TagStudyID:
		return key.StudyID
	case TagAccessionNumber:
		return key.AccessionNumber
	case TagSeriesInstanceUID:
		return key.SeriesInstanceUID
	case TagSeriesDescription:
		return key.SeriesDescription
	case TagProtocolName:
		return key.ProtocolName
	case TagFrameOfReferenceUID:
		return key.FrameOfReferenceUID
	default:
		return ""
	}
}
