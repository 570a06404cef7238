package dicom

import "io"

// Parser decodes raw DICOM bytes into a part sequence. DICOM parsing
// itself is out of scope for this module (package doc): Parser is the
// seam a real decoder is wired in through.
type Parser interface {
	Parse(r io.Reader) (MetaPart, []Part, error)
}

// Encoder re-serialises a part sequence back to DICOM wire bytes, the
// counterpart seam to Parser, used once the pipeline has produced the
// anonymised/restored/modified part sequence to actually send or store.
type Encoder interface {
	Encode(w io.Writer, meta MetaPart, parts []Part) error
}
