package dicom

import "github.com/slicebox/slicebox/anon"

// KeyService resolves and mints AnonymizationKey rows for the anonymise
// flow. A row is deduplicated at series granularity (the equality
// criterion omits SOPInstanceUID) -- see DESIGN.md Open Question
// decision 2.
type KeyService struct {
	store *anon.Store
}

func NewKeyService(store *anon.Store) *KeyService { return &KeyService{store: store} }

// Identity is the original patient/study/series/image identifiers read
// off an object's Header parts during the pipeline's collect(metaTags)
// stage.
type Identity struct {
	ImageID             string
	PatientName         string
	PatientID           string
	PatientSex          string
	PatientBirthDate    string
	StudyInstanceUID    string
	StudyDescription    string
	StudyID             string
	AccessionNumber     string
	SeriesInstanceUID   string
	SeriesDescription   string
	ProtocolName        string
	SOPInstanceUID      string
	FrameOfReferenceUID string
}

// CollectIdentity scans a part sequence for the identity tags the
// key-lookup stage needs.
func CollectIdentity(parts []Part, imageID string) Identity {
	id := Identity{ImageID: imageID}
	for _, p := range parts {
		h, ok := p.(Header)
		if !ok {
			continue
		}
		switch h.Tag {
		case TagPatientName:
			id.PatientName = string(h.Value)
		case TagPatientID:
			id.PatientID = string(h.Value)
		case TagPatientSex:
			id.PatientSex = string(h.Value)
		case TagPatientBirthDate:
			id.PatientBirthDate = string(h.Value)
		case TagStudyInstanceUID:
			id.StudyInstanceUID = string(h.Value)
		case TagStudyDescription:
			id.StudyDescription = string(h.Value)
		case TagStudyID:
			id.StudyID = string(h.Value)
		case TagAccessionNumber:
			id.AccessionNumber = string(h.Value)
		case TagSeriesInstanceUID:
			id.SeriesInstanceUID = string(h.Value)
		case TagSeriesDescription:
			id.SeriesDescription = string(h.Value)
		case TagProtocolName:
			id.ProtocolName = string(h.Value)
		case TagSOPInstanceUID:
			id.SOPInstanceUID = string(h.Value)
		case TagFrameOfReferenceUID:
			id.FrameOfReferenceUID = string(h.Value)
		}
	}
	return id
}

// MatchAnonymized looks up the AnonymizationKey covering an already
// anonymised object's pseudonym fields: used
// by the reverse-anonymise stage of the store pipeline, where the
// stream the box received carries pseudonyms, not originals.
func (ks *KeyService) MatchAnonymized(id Identity) (anon.Match, bool, error) {
	return ks.store.LookupForImage(id.PatientName, id.PatientID, id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID)
}

// Resolve returns the AnonymizationKey to use for anonymising one
// image, reusing an existing series-level mapping when one matches, or
// minting a fresh one otherwise.
func (ks *KeyService) Resolve(id Identity, profile string) (anon.Key, error) {
	existing, err := ks.store.QueryProtectedKeys(id.PatientName, id.PatientID)
	if err != nil {
		return anon.Key{}, err
	}
	for _, k := range existing {
		if k.StudyInstanceUID == id.StudyInstanceUID && k.SeriesInstanceUID == id.SeriesInstanceUID {
			return k, nil
		}
	}

	k := anon.Key{
		ImageID:               id.ImageID,
		PatientName:           id.PatientName,
		AnonPatientName:       anon.AnonPatientName(id.PatientSex),
		PatientID:             id.PatientID,
		AnonPatientID:         anon.NewUID(),
		StudyInstanceUID:      id.StudyInstanceUID,
		AnonStudyInstanceUID:  anon.StableUID(id.PatientID, "study:"+id.StudyInstanceUID),
		SeriesInstanceUID:     id.SeriesInstanceUID,
		AnonSeriesInstanceUID: anon.StableUID(id.PatientID, "series:"+id.SeriesInstanceUID),
		SOPInstanceUID:        id.SOPInstanceUID,
		AnonSOPInstanceUID:    anon.StableUID(id.PatientID, "sop:"+id.SOPInstanceUID),
		PatientBirthDate:      id.PatientBirthDate,
		StudyDescription:      id.StudyDescription,
		StudyID:               id.StudyID,
		AccessionNumber:       id.AccessionNumber,
		SeriesDescription:     id.SeriesDescription,
		ProtocolName:          id.ProtocolName,
		FrameOfReferenceUID:   id.FrameOfReferenceUID,
		Profile:               profile,
	}
	return ks.store.InsertAnonymizationKey(k)
}
