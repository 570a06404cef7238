package dicom

import "github.com/slicebox/slicebox/anon"

// Anonymize applies profile's per-tag action to parts. key is the
// AnonymizationKey resolved for this image (KeyService
// .Resolve); id is the identity collected from the same parts before
// anonymisation began, needed because the UID swapped in for
// SOPInstanceUID and FrameOfReferenceUID must be derived from THIS
// image's own original value even when key itself was minted for (and
// reused from) an earlier image in the same series -- see DESIGN.md
// Open Question decision 2.
func Anonymize(parts []Part, profile Profile, key anon.Key, id Identity) []Part {
	out := make([]Part, 0, len(parts)+2)
	forced := false
	bulkStarted := false

	appendForced := func() {
		if forced {
			return
		}
		out = append(out,
			Header{Tag: TagPatientIdentityRemoved, VR: "CS", Value: []byte("YES")},
			Header{Tag: TagDeidentificationMethod, VR: "LO", Value: []byte(profile.Name)},
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
		switch profile.actionFor(h.Tag) {
		case ActionRemove:
			continue
		case ActionZero:
			out = append(out, Header{Tag: h.Tag, VR: h.VR, Value: nil})
		case ActionReplaceUID:
			out = append(out, Header{Tag: h.Tag, VR: h.VR, Value: replacementValue(h.Tag, key, id)})
		default:
			out = append(out, h)
		}
	}
	appendForced()
	return out
}

func replacementValue(tag Tag, key anon.Key, id Identity) []byte {
	switch tag {
	case TagPatientName:
		return []byte(key.AnonPatientName)
	case TagPatientID:
		return []byte(key.AnonPatientID)
	case TagStudyInstanceUID:
		return []byte(key.AnonStudyInstanceUID)
	case TagSeriesInstanceUID:
		return []byte(key.AnonSeriesInstanceUID)
	case TagSOPInstanceUID:
		return []byte(anon.StableUID(id.PatientID, "sop:"+id.SOPInstanceUID))
	case TagFrameOfReferenceUID:
		if id.FrameOfReferenceUID == "" {
			return nil
		}
		return []byte(anon.StableUID(id.PatientID, "for:"+id.FrameOfReferenceUID))
	default:
		return nil
	}
}
