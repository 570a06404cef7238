// Package dicom implements the DICOM stream pipeline:
// a chunked, backpressure-respecting transformation pipeline that
// applies anonymisation, reverse-anonymisation, or tag overrides to an
// in-order lazy sequence of DICOM parts in a single pass.
//
// DICOM parsing itself is an external collaborator:
// this package consumes whatever already-parsed Part sequence a parser
// produces; it does not decode DICOM byte streams itself.
package dicom

import "github.com/slicebox/slicebox/anon"

// Tag is a DICOM attribute tag, group<<16|element.
type Tag uint32

// Well-known tags referenced by the anonymisation profiles
// and the reverse-anonymisation set.
const (
	TagPatientName            Tag = 0x00100010
	TagPatientID              Tag = 0x00100020
	TagPatientBirthDate       Tag = 0x00100030
	TagPatientSex             Tag = 0x00100040
	TagPatientIdentityRemoved Tag = 0x00120062
	TagDeidentificationMethod Tag = 0x00120063
	TagStudyInstanceUID       Tag = 0x0020000D
	TagStudyDescription       Tag = 0x00081030
	TagStudyID                Tag = 0x00200010
	TagAccessionNumber        Tag = 0x00080050
	TagSeriesInstanceUID      Tag = 0x0020000E
	TagSeriesDescription      Tag = 0x0008103E
	TagProtocolName           Tag = 0x00181030
	TagFrameOfReferenceUID    Tag = 0x00200052
	TagSOPInstanceUID         Tag = 0x00080018
	TagSOPClassUID            Tag = 0x00080016
)

// Part is the tagged-variant model of one unit in the DICOM part
// stream: header parts, value chunks, sequence delimiters, item
// markers, and two sentinel types (MetaPart, AnonKeyPart) that carry
// per-object state rather than element data.
type Part interface{ isPart() }

// Header is one element's tag, VR, and (for short, non-streamed
// elements, which covers every tag the anonymisation flows touch)
// fully-buffered value.
type Header struct {
	Tag   Tag
	VR    string
	Value []byte
}

func (Header) isPart() {}

// ValueChunk carries a fragment of a large element's value (e.g. pixel
// data) that passes through the pipeline unchanged regardless of
// anonymisation action.
type ValueChunk struct {
	Tag   Tag
	Bytes []byte
	Last  bool
}

func (ValueChunk) isPart() {}

// SequenceStart/SequenceEnd/Item/Fragments mark DICOM sequence and
// pixel-data-fragment structure; the pipeline passes them through
// unchanged, preserving their position relative to the Headers they
// bracket.
type SequenceStart struct{ Tag Tag }
type SequenceEnd struct{ Tag Tag }
type Item struct{}
type Fragments struct{ Tag Tag }

func (SequenceStart) isPart() {}
func (SequenceEnd) isPart()   {}
func (Item) isPart()          {}
func (Fragments) isPart()     {}

// MetaPart carries the (SOPClassUID, TransferSyntaxUID) pair and
// whether the transfer syntax is deflated; Parser.Parse returns it
// alongside the object's parts rather than inside the part slice.
type MetaPart struct {
	SOPClassUID       string
	TransferSyntaxUID string
	Deflated          bool
}

func (MetaPart) isPart() {}

// AnonKeyPart carries an anonymisation key lookup result as a Part.
// No stage in this package emits or reads it: Store passes the lookup
// result to ReverseAnonymize directly.
type AnonKeyPart struct {
	Match anon.Match
	Found bool
}

func (AnonKeyPart) isPart() {}

// ReverseTags is the 13-tag reverse-anonymisation set.
var ReverseTags = []Tag{
	TagPatientName, TagPatientID, TagPatientBirthDate,
	TagPatientIdentityRemoved, TagDeidentificationMethod,
	TagStudyInstanceUID, TagStudyDescription, TagStudyID, TagAccessionNumber,
	TagSeriesInstanceUID, TagSeriesDescription, TagProtocolName,
	TagFrameOfReferenceUID,
}

func isReverseTag(t Tag) bool {
	for _, rt := range ReverseTags {
		if rt == t {
			return true
		}
	}
	return false
}
