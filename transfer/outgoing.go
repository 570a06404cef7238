// Package transfer implements two transfer engines: the per-box
// outgoing worker that pushes images to PUSH peers, and the
// incoming-side dedup filter guarding against replayed deliveries. The
// receiving HTTP handlers themselves (both directions) live in boxapi;
// this package is the client side of PUSH and the cuckoo-filter
// fast-reject layer in front of it.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/slicebox/slicebox/box"
	"github.com/slicebox/slicebox/dicom"
	"github.com/slicebox/slicebox/internal/nlog"
	"github.com/slicebox/slicebox/internal/xerr"
	"github.com/slicebox/slicebox/store"
)

var log = nlog.New("transfer")

// Outgoing is one long-lived worker for a single box's PUSH traffic:
// one worker per remote box. POLL boxes are served passively through
// boxapi's poll/bytes/done/failed handlers instead; Outgoing.Run is a
// no-op loop for them.
type Outgoing struct {
	BoxID          string
	Boxes          *box.Store
	Storage        store.Backend
	Keys           *dicom.KeyService
	Parser         dicom.Parser
	Encoder        dicom.Encoder
	Profiles       map[string]dicom.Profile
	DefaultProfile string

	// RequestTimeout bounds one push HTTP round-trip. Zero means 30s.
	RequestTimeout time.Duration
	// IdleInterval is how often Run polls for new work once its
	// backlog has drained. Zero means 1s.
	IdleInterval time.Duration

	client fasthttp.Client
}

func NewOutgoing(boxID string, boxes *box.Store, storage store.Backend, keys *dicom.KeyService, parser dicom.Parser, encoder dicom.Encoder, profiles map[string]dicom.Profile, defaultProfile string) *Outgoing {
	return &Outgoing{
		BoxID:          boxID,
		Boxes:          boxes,
		Storage:        storage,
		Keys:           keys,
		Parser:         parser,
		Encoder:        encoder,
		Profiles:       profiles,
		DefaultProfile: defaultProfile,
	}
}

// Run loops until ctx is cancelled (box delete stops the worker by
// cancelling its context). Each tick drains every currently-ready image
// before idling, so a backlog clears without waiting out IdleInterval
// between every image -- strict per-transaction serial delivery is
// still preserved, since NextOutgoingTransactionImageForBoxId never
// returns two in-flight images for the same transaction.
func (o *Outgoing) Run(ctx context.Context) {
	idle := o.IdleInterval
	if idle <= 0 {
		idle = time.Second
	}
	ticker := time.NewTicker(idle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for o.pushOne(ctx) {
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// pushOne sends at most one image, reporting whether it found work.
func (o *Outgoing) pushOne(ctx context.Context) bool {
	b, found, err := o.Boxes.GetBox(o.BoxID)
	if err != nil || !found || b.Method != box.Push {
		return false
	}

	t, img, found, err := o.Boxes.NextOutgoingTransactionImageForBoxId(o.BoxID)
	if err != nil {
		log.Errorf("box %s: query next outgoing image: %v", b.Name, err)
		return false
	}
	if !found {
		return false
	}

	err = o.send(ctx, b, t, img)
	if recErr := o.Boxes.RecordPushAttempt(b.ID, err == nil, time.Now()); recErr != nil {
		log.Warnf("box %s: record push attempt: %v", b.Name, recErr)
	}
	if err != nil {
		if xerr.IsValidation(err) {
			if _, ferr := o.Boxes.SetOutgoingTransactionStatus(t.ID, box.Failed); ferr != nil {
				log.Errorf("box %s: mark transaction %s failed: %v", b.Name, t.ID, ferr)
			}
		} else {
			log.Warnf("box %s: push seq %d deferred: %v", b.Name, img.SequenceNumber, err)
			if _, werr := o.Boxes.SetOutgoingTransactionStatus(t.ID, box.Waiting); werr != nil {
				log.Errorf("box %s: mark transaction %s waiting: %v", b.Name, t.ID, werr)
			}
		}
		return false
	}
	return true
}

// send anonymises and posts one image to b, applying this box's
// profile and OutgoingTagValue overrides.
func (o *Outgoing) send(ctx context.Context, b box.Box, t box.OutgoingTransaction, img box.OutgoingImage) error {
	src, err := o.Storage.FileSource(img.ImageID)
	if err != nil {
		return err
	}
	defer src.Close()

	meta, parts, err := o.Parser.Parse(src)
	if err != nil {
		return xerr.Validation("parse outgoing image %s: %v", img.ImageID, err)
	}

	overrides, err := o.Boxes.ListOutgoingTagValuesForImage(img.ID)
	if err != nil {
		return err
	}
	mods := make([]dicom.Modification, len(overrides))
	for i, ov := range overrides {
		mods[i] = dicom.Modification{Tag: dicom.Tag(ov.Tag), NewValue: []byte(ov.Value), InsertIfMissing: true}
	}

	profile, ok := o.Profiles[b.Profile]
	if !ok {
		profile = o.Profiles[o.DefaultProfile]
	}
	sent, err := dicom.Send(parts, profile, o.Keys, img.ImageID, mods)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	if err := o.Encoder.Encode(&body, meta, sent); err != nil {
		return xerr.Fatal(err, "encode outgoing bytes")
	}

	url := fmt.Sprintf("%s/incoming?transactionid=%s&sequencenumber=%d&totalimagecount=%d&token=%s",
		b.BaseURL, t.ID, img.SequenceNumber, t.TotalImageCount, b.Token)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetBody(body.Bytes())

	timeout := o.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := o.client.DoDeadline(req, resp, time.Now().Add(timeout)); err != nil {
		return xerr.Transient(err, "push image to box "+b.Name)
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		if _, err := o.Boxes.UpdateOutgoingTransaction(t.ID, img.ID); err != nil {
			return xerr.Transient(err, "record outgoing delivery")
		}
		return nil
	case status >= 400 && status < 500:
		return xerr.Validation("box %s rejected image with status %d", b.Name, status)
	default:
		return xerr.Transient(fmt.Errorf("status %d", status), "push image to box "+b.Name)
	}
}
