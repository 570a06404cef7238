package dicom_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/slicebox/slicebox/anon"
	"github.com/slicebox/slicebox/dicom"
)

func partsByTag(parts []dicom.Part) map[dicom.Tag][]byte {
	out := make(map[dicom.Tag][]byte)
	for _, p := range parts {
		if h, ok := p.(dicom.Header); ok {
			out[h.Tag] = h.Value
		}
	}
	return out
}

var _ = Describe("anonymise / reverse-anonymise round trip", func() {
	var store *anon.Store

	BeforeEach(func() {
		var err error
		store, err = anon.Open(":memory:")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	It("restores the original identifiers once the box's key matches at image level", func() {
		keys := dicom.NewKeyService(store)
		original := []dicom.Part{
			dicom.Header{Tag: dicom.TagPatientName, VR: "PN", Value: []byte("Doe^Jane")},
			dicom.Header{Tag: dicom.TagPatientID, VR: "LO", Value: []byte("PID1")},
			dicom.Header{Tag: dicom.TagPatientSex, VR: "CS", Value: []byte("F")},
			dicom.Header{Tag: dicom.TagStudyInstanceUID, VR: "UI", Value: []byte("1.2.3")},
			dicom.Header{Tag: dicom.TagStudyDescription, VR: "LO", Value: []byte("Chest CT")},
			dicom.Header{Tag: dicom.TagSeriesInstanceUID, VR: "UI", Value: []byte("1.2.3.4")},
			dicom.Header{Tag: dicom.TagSOPInstanceUID, VR: "UI", Value: []byte("1.2.3.4.5")},
			dicom.ValueChunk{Tag: 0x7FE00010, Bytes: []byte{1, 2, 3, 4}, Last: true},
		}

		anonymised, err := dicom.Send(original, dicom.Basic, keys, "image-1", nil)
		Expect(err).NotTo(HaveOccurred())

		byTag := partsByTag(anonymised)
		Expect(string(byTag[dicom.TagPatientName])).NotTo(Equal("Doe^Jane"))
		Expect(string(byTag[dicom.TagStudyDescription])).To(BeEmpty())
		Expect(string(byTag[dicom.TagPatientIdentityRemoved])).To(Equal("YES"))
		Expect(string(byTag[dicom.TagDeidentificationMethod])).To(Equal("basic"))

		id := dicom.CollectIdentity(anonymised, "image-1")
		match, found, err := keys.MatchAnonymized(id)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(match.Level).To(Equal(anon.LevelImage))

		restored := dicom.ReverseAnonymize(anonymised, match, found)
		restoredByTag := partsByTag(restored)
		Expect(string(restoredByTag[dicom.TagPatientName])).To(Equal("Doe^Jane"))
		Expect(string(restoredByTag[dicom.TagStudyDescription])).To(Equal("Chest CT"))
		Expect(string(restoredByTag[dicom.TagPatientIdentityRemoved])).To(Equal("NO"))
		Expect(string(restoredByTag[dicom.TagDeidentificationMethod])).To(BeEmpty())

		lastPart := restored[len(restored)-1]
		Expect(lastPart).To(Equal(dicom.ValueChunk{Tag: 0x7FE00010, Bytes: []byte{1, 2, 3, 4}, Last: true}))
	})

	It("reuses one key across every image in a series, each still keeping a distinct SOPInstanceUID", func() {
		keys := dicom.NewKeyService(store)
		mkParts := func(sop string) []dicom.Part {
			return []dicom.Part{
				dicom.Header{Tag: dicom.TagPatientName, VR: "PN", Value: []byte("Doe^Jane")},
				dicom.Header{Tag: dicom.TagPatientID, VR: "LO", Value: []byte("PID1")},
				dicom.Header{Tag: dicom.TagStudyInstanceUID, VR: "UI", Value: []byte("1.2.3")},
				dicom.Header{Tag: dicom.TagSeriesInstanceUID, VR: "UI", Value: []byte("1.2.3.4")},
				dicom.Header{Tag: dicom.TagSOPInstanceUID, VR: "UI", Value: []byte(sop)},
			}
		}

		first, err := dicom.Send(mkParts("1.2.3.4.1"), dicom.Basic, keys, "image-1", nil)
		Expect(err).NotTo(HaveOccurred())
		second, err := dicom.Send(mkParts("1.2.3.4.2"), dicom.Basic, keys, "image-2", nil)
		Expect(err).NotTo(HaveOccurred())

		firstByTag, secondByTag := partsByTag(first), partsByTag(second)
		Expect(string(firstByTag[dicom.TagPatientName])).To(Equal(string(secondByTag[dicom.TagPatientName])))
		Expect(string(firstByTag[dicom.TagStudyInstanceUID])).To(Equal(string(secondByTag[dicom.TagStudyInstanceUID])))
		Expect(string(firstByTag[dicom.TagSOPInstanceUID])).NotTo(Equal(string(secondByTag[dicom.TagSOPInstanceUID])))

		id2 := dicom.CollectIdentity(second, "image-2")
		match, found, err := keys.MatchAnonymized(id2)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(match.Level).To(Equal(anon.LevelSeries))

		// SERIES-level authority is sufficient to restore every reverse tag
		// (none of them is SOPInstanceUID) -- see DESIGN.md Open Question
		// decision 2.
		restored := dicom.ReverseAnonymize(second, match, found)
		Expect(string(partsByTag(restored)[dicom.TagStudyInstanceUID])).To(Equal("1.2.3"))
	})

	It("leaves anonymised values in place when no key matches", func() {
		anonymised := []dicom.Part{
			dicom.Header{Tag: dicom.TagPatientName, VR: "PN", Value: []byte("John^Doe")},
		}
		restored := dicom.ReverseAnonymize(anonymised, anon.Match{}, false)
		Expect(string(partsByTag(restored)[dicom.TagPatientName])).To(Equal("John^Doe"))
		Expect(string(partsByTag(restored)[dicom.TagPatientIdentityRemoved])).To(Equal("NO"))
	})
})

var _ = Describe("Modify flow", func() {
	It("overrides an existing tag's value", func() {
		parts := []dicom.Part{
			dicom.Header{Tag: dicom.TagStudyDescription, VR: "LO", Value: []byte("old")},
		}
		out := dicom.Modify(parts, []dicom.Modification{
			{Tag: dicom.TagStudyDescription, NewValue: []byte("new")},
		})
		Expect(string(partsByTag(out)[dicom.TagStudyDescription])).To(Equal("new"))
	})

	It("inserts a missing tag only when InsertIfMissing is set", func() {
		parts := []dicom.Part{
			dicom.Header{Tag: dicom.TagPatientName, VR: "PN", Value: []byte("x")},
			dicom.ValueChunk{Tag: 0x7FE00010, Bytes: []byte{9}, Last: true},
		}
		out := dicom.Modify(parts, []dicom.Modification{
			{Tag: dicom.TagAccessionNumber, VR: "SH", NewValue: []byte("ACC1"), InsertIfMissing: true},
		})
		Expect(string(partsByTag(out)[dicom.TagAccessionNumber])).To(Equal("ACC1"))

		out2 := dicom.Modify(parts, []dicom.Modification{
			{Tag: dicom.TagAccessionNumber, VR: "SH", NewValue: []byte("ACC1")},
		})
		_, present := partsByTag(out2)[dicom.TagAccessionNumber]
		Expect(present).To(BeFalse())
	})
})
