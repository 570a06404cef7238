package dicom

// Modification is one caller-supplied tag override.
type Modification struct {
	Tag             Tag
	VR              string // optional; empty keeps the source element's VR
	NewValue        []byte
	InsertIfMissing bool
}

// Modify applies mods to parts: an element present in the stream has
// its value replaced; one absent from the stream is appended (in
// header position, ahead of any bulk/pixel data) only when its
// Modification set InsertIfMissing.
func Modify(parts []Part, mods []Modification) []Part {
	byTag := make(map[Tag]Modification, len(mods))
	for _, m := range mods {
		byTag[m.Tag] = m
	}
	applied := make(map[Tag]bool, len(mods))

	out := make([]Part, 0, len(parts)+len(mods))
	bulkStarted := false
	insertPending := func() {
		if bulkStarted {
			return
		}
		bulkStarted = true
		for _, m := range mods {
			if !applied[m.Tag] && m.InsertIfMissing {
				out = append(out, Header{Tag: m.Tag, VR: m.VR, Value: m.NewValue})
				applied[m.Tag] = true
			}
		}
	}

	for _, p := range parts {
		h, isHeader := p.(Header)
		if !isHeader {
			insertPending()
			out = append(out, p)
			continue
		}
		if m, ok := byTag[h.Tag]; ok {
			out = append(out, Header{Tag: h.Tag, VR: coalesceVR(m.VR, h.VR), Value: m.NewValue})
			applied[h.Tag] = true
			continue
		}
		out = append(out, h)
	}
	insertPending()
	return out
}

func coalesceVR(override, original string) string {
	if override != "" {
		return override
	}
	return original
}
