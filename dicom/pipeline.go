package dicom

import (
	"context"
	"io"

	"github.com/OneOfOne/xxhash"
	"github.com/klauspost/compress/flate"
	"golang.org/x/sync/errgroup"

	"github.com/slicebox/slicebox/anon"
	"github.com/slicebox/slicebox/internal/config"
	"github.com/slicebox/slicebox/internal/xerr"
)

// MetadataSink receives the whitelist-filtered part sequence for an
// object (the metadata branch of the pipeline broadcast).
type MetadataSink interface {
	Receive(imageID string, parts []Part) error
}

// Result is what Store returns once both broadcast branches have
// finished without introducing reordering relative to each other.
type Result struct {
	// ImageID is the incoming object's own SOPInstanceUID, which the
	// reverse-anonymise flow never restores, so it is the value as
	// received whether or not a key matched -- DICOM's own identifier is globally unique
	// by the standard, so this module mints no separate image ID of its
	// own.
	ImageID  string
	Checksum uint64
	Match    anon.Match
	Matched  bool
}

// Store runs the full receive-side pipeline graph: validate
// (contexts) -> parse -> collect(metaTags) -> mapAsync[queryKeys] ->
// maybeReverseAnonymise -> broadcast { storage-sink ;
// whitelist-filter(storeTags) -> metadata-sink }.
//
// Parsing itself is out of scope (package doc, part.go): parts is
// already the decoded part sequence for one object; meta is the
// (SOPClassUID, TransferSyntaxUID) pair a real parser would have
// surfaced from the object's preamble.
func Store(ctx context.Context, meta MetaPart, parts []Part, keys *KeyService, contexts []config.ValidationContext, storageW io.Writer, metaSink MetadataSink) (Result, error) {
	if err := validate(meta, contexts); err != nil {
		return Result{}, err
	}

	id := CollectIdentity(parts, "")

	// mapAsync[queryKeys]: the one asynchronous hand-off point for the
	// key-lookup stage.
	type lookupResult struct {
		match anon.Match
		found bool
		err   error
	}
	lookupCh := make(chan lookupResult, 1)
	go func() {
		m, found, err := keys.MatchAnonymized(id)
		lookupCh <- lookupResult{match: m, found: found, err: err}
	}()

	var lr lookupResult
	select {
	case lr = <-lookupCh:
	case <-ctx.Done():
		return Result{}, xerr.Transient(ctx.Err(), "key lookup")
	}
	if lr.err != nil {
		return Result{}, xerr.Transient(lr.err, "key lookup")
	}

	restored := parts
	if lr.found {
		restored = ReverseAnonymize(parts, lr.match, true)
	}

	// SOPInstanceUID is not in ReverseTags (part.go): the value entering
	// the pipeline is already this object's unique identifier, whether
	// that's an original UID (unprotected traffic) or the per-image
	// pseudonym a sender derived from it -- minted independently per
	// image even when its AnonymizationKey row is shared at series
	// granularity, so it never collides across images in one series.
	imageID := id.SOPInstanceUID

	checksum, err := broadcast(ctx, imageID, meta, restored, storageW, metaSink)
	if err != nil {
		return Result{}, err
	}
	return Result{ImageID: imageID, Checksum: checksum, Match: lr.match, Matched: lr.found}, nil
}

// Send runs the outgoing pipeline against an image's bytes with the
// forced tag-value overrides from OutgoingTagValue: resolve/mint the
// image's AnonymizationKey, anonymise per profile, then apply the
// box-specific tag overrides.
func Send(parts []Part, profile Profile, keys *KeyService, imageID string, overrides []Modification) ([]Part, error) {
	id := CollectIdentity(parts, imageID)
	key, err := keys.Resolve(id, profile.Name)
	if err != nil {
		return nil, xerr.Transient(err, "resolve anonymization key")
	}
	anonymised := Anonymize(parts, profile, key, id)
	if len(overrides) == 0 {
		return anonymised, nil
	}
	return Modify(anonymised, overrides), nil
}

func validate(meta MetaPart, contexts []config.ValidationContext) error {
	for _, c := range contexts {
		sopOK := c.SOPClassUID == "*" || c.SOPClassUID == meta.SOPClassUID
		if sopOK && c.TransferSyntaxUID == meta.TransferSyntaxUID {
			return nil
		}
	}
	return xerr.Validation("unsupported (SOPClassUID, TransferSyntaxUID) pair: sopClassUid=%s transferSyntaxUid=%s", meta.SOPClassUID, meta.TransferSyntaxUID)
}

// broadcast fans restored out to the storage and metadata branches in
// lockstep: both branches are driven from the same already-transformed
// part sequence, one unfiltered, one whitelist-filtered, and the bytes
// written to storage are byte-identical to what the metadata branch
// saw as input.
func broadcast(ctx context.Context, imageID string, meta MetaPart, parts []Part, storageW io.Writer, metaSink MetadataSink) (uint64, error) {
	g, _ := errgroup.WithContext(ctx)

	var checksum uint64
	g.Go(func() error {
		sum, err := writeStorage(storageW, meta, parts)
		checksum = sum
		return err
	})

	var storeTags []Part
	for _, p := range parts {
		if h, ok := p.(Header); ok && !tagsToStoreInDB[h.Tag] {
			continue
		}
		storeTags = append(storeTags, p)
	}
	g.Go(func() error { return metaSink.Receive(imageID, storeTags) })

	if err := g.Wait(); err != nil {
		return 0, xerr.Transient(err, "pipeline broadcast")
	}
	return checksum, nil
}

// writeStorage serialises the value-bearing parts to w, running them
// through deflate when the transfer syntax is deflated, and returns a
// running xxHash64 checksum over the bytes actually written.
func writeStorage(w io.Writer, meta MetaPart, parts []Part) (uint64, error) {
	h := xxhash.New64()
	dst := io.MultiWriter(w, h)

	var out io.Writer = dst
	var fw *flate.Writer
	if meta.Deflated {
		var err error
		fw, err = flate.NewWriter(dst, flate.DefaultCompression)
		if err != nil {
			return 0, xerr.Fatal(err, "open deflate writer")
		}
		out = fw
	}

	for _, p := range parts {
		switch v := p.(type) {
		case Header:
			if _, err := out.Write(v.Value); err != nil {
				return 0, xerr.Transient(err, "write storage branch")
			}
		case ValueChunk:
			if _, err := out.Write(v.Bytes); err != nil {
				return 0, xerr.Transient(err, "write storage branch")
			}
		}
	}
	if fw != nil {
		if err := fw.Close(); err != nil {
			return 0, xerr.Transient(err, "close deflate writer")
		}
	}
	return h.Sum64(), nil
}
