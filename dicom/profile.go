package dicom

// Action is a per-tag anonymisation policy.
//
// CLEAN and DUMMY are not distinct Action values: the original
// collapse of CLEAN/DUMMY/REMOVE_OR_ZERO onto the stricter ZERO
// behaviour is preserved here deliberately (pinned by profile_test.go),
// rather than re-implementing the full DICOM PS 3.15 action set -- see
// DESIGN.md Open Question decisions.
type Action int

const (
	ActionKeep Action = iota
	ActionRemove
	ActionZero
	// ActionReplaceUID covers both literal UID swaps (StudyInstanceUID,
	// SeriesInstanceUID, FrameOfReferenceUID, SOPInstanceUID) and the two
	// non-UID identity tags (PatientName, PatientID) that are likewise
	// replaced with the resolved AnonymizationKey's pseudonym rather than
	// zeroed -- AnonPatientName synthesises a pseudonym from sex so
	// anonymised data remains demographically plausible, and the dedup
	// equality criterion matches pseudonym PatientID, meaning it too is
	// a stable replacement, not an empty value.
	ActionReplaceUID
)

// Profile is a named, data-driven per-tag policy table. New profiles
// are pure data, not code.
type Profile struct {
	Name   string
	Action map[Tag]Action
}

func (p Profile) actionFor(t Tag) Action {
	if a, ok := p.Action[t]; ok {
		return a
	}
	return ActionKeep
}

// Basic is the standard profile: patient/study/series identity tags
// are replaced with fresh UIDs or zeroed, the description/protocol
// tags are zeroed, everything else is kept.
var Basic = Profile{
	Name: "basic",
	Action: map[Tag]Action{
		TagPatientName:         ActionReplaceUID,
		TagPatientID:           ActionReplaceUID,
		TagPatientBirthDate:    ActionZero,
		TagStudyInstanceUID:    ActionReplaceUID,
		TagStudyDescription:    ActionZero,
		TagStudyID:             ActionZero,
		TagAccessionNumber:     ActionZero,
		TagSeriesInstanceUID:   ActionReplaceUID,
		TagSeriesDescription:   ActionZero,
		TagProtocolName:        ActionZero,
		TagFrameOfReferenceUID: ActionReplaceUID,
		TagSOPInstanceUID:      ActionReplaceUID,
	},
}

// BasicWithUIDs additionally removes (rather than zeroes) the study/
// series description tags, a stricter variant some boxes pin via
// Box.Profile.
var BasicWithUIDs = Profile{
	Name: "basic-with-uids",
	Action: func() map[Tag]Action {
		m := make(map[Tag]Action, len(Basic.Action))
		for k, v := range Basic.Action {
			m[k] = v
		}
		m[TagStudyDescription] = ActionRemove
		m[TagSeriesDescription] = ActionRemove
		return m
	}(),
}

// None passes every tag through unchanged; used for testing and for
// boxes that have opted out of anonymisation entirely.
var None = Profile{Name: "none", Action: map[Tag]Action{}}

// Profiles indexes the shipped profiles by name.
var Profiles = map[string]Profile{
	Basic.Name:         Basic,
	BasicWithUIDs.Name: BasicWithUIDs,
	None.Name:          None,
}

// tagsToStoreInDB is the whitelist the metadata branch of the pipeline
// broadcast reads before handing tags to the metadata sink.
var tagsToStoreInDB = map[Tag]bool{
	TagPatientName:            true,
	TagPatientID:              true,
	TagPatientBirthDate:       true,
	TagPatientIdentityRemoved: true,
	TagDeidentificationMethod: true,
	TagStudyInstanceUID:       true,
	TagStudyDescription:       true,
	TagStudyID:                true,
	TagAccessionNumber:        true,
	TagSeriesInstanceUID:      true,
	TagSeriesDescription:      true,
	TagProtocolName:           true,
	TagFrameOfReferenceUID:    true,
	TagSOPInstanceUID:         true,
	TagSOPClassUID:            true,
}
