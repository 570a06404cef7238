package boxapi

import (
	"net/http"
	"strconv"

	"github.com/slicebox/slicebox/box"
	"github.com/slicebox/slicebox/dicom"
	"github.com/slicebox/slicebox/event"
	"github.com/slicebox/slicebox/internal/xerr"
)

// OutgoingPoll implements GET /outgoing/poll: the POLL
// peer's entry point for fetching its next work item.
func (s *Server) OutgoingPoll(w http.ResponseWriter, r *http.Request) {
	b, ok, err := s.Boxes.PollBoxByToken(tokenFromRequest(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if s.OnPoll != nil {
		s.OnPoll(b.ID)
	}

	t, img, found, err := s.Boxes.NextOutgoingTransactionImageForBoxId(b.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, OutgoingTransactionImage{
		TransactionID:   t.ID,
		ImageID:         img.ID,
		SequenceNumber:  img.SequenceNumber,
		TotalImageCount: t.TotalImageCount,
	})
}

// OutgoingBytes implements GET /outgoing?transactionid&imageid: runs
// the anonymise pipeline against the stored object with this box's
// profile and its forced OutgoingTagValue overrides, then streams the
// anonymised bytes back.
func (s *Server) OutgoingBytes(w http.ResponseWriter, r *http.Request) {
	b, ok, err := s.Boxes.PollBoxByToken(tokenFromRequest(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	txID := r.URL.Query().Get("transactionid")
	imgID := r.URL.Query().Get("imageid")

	t, ok, err := s.Boxes.GetOutgoingTransaction(txID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok || t.BoxID != b.ID {
		http.Error(w, "unknown transaction", http.StatusNotFound)
		return
	}
	img, ok, err := s.Boxes.GetOutgoingImage(imgID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok || img.OutgoingTransactionID != t.ID {
		http.Error(w, "unknown image", http.StatusNotFound)
		return
	}

	src, err := s.Storage.FileSource(img.ImageID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	defer src.Close()

	meta, parts, err := s.Parser.Parse(src)
	if err != nil {
		s.writeErr(w, xerr.Validation("parse stored image %s: %v", img.ImageID, err))
		return
	}

	overrides, err := s.Boxes.ListOutgoingTagValuesForImage(img.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	mods := make([]dicom.Modification, len(overrides))
	for i, ov := range overrides {
		mods[i] = dicom.Modification{Tag: dicom.Tag(ov.Tag), NewValue: []byte(ov.Value), InsertIfMissing: true}
	}

	sent, err := dicom.Send(parts, s.profileFor(b), s.Keys, img.ImageID, mods)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/dicom")
	if err := s.Encoder.Encode(w, meta, sent); err != nil {
		s.writeErr(w, xerr.Transient(err, "encode outgoing bytes"))
	}
}

// OutgoingDone implements POST /outgoing/done: the POLL
// peer's delivery ack, triggering the same bookkeeping as PUSH's 2xx
// path.
func (s *Server) OutgoingDone(w http.ResponseWriter, r *http.Request) {
	b, ok, err := s.Boxes.PollBoxByToken(tokenFromRequest(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var dto OutgoingTransactionImage
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	t, ok, err := s.Boxes.GetOutgoingTransaction(dto.TransactionID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok || t.BoxID != b.ID {
		http.Error(w, "unknown transaction", http.StatusNotFound)
		return
	}
	if _, ok, err := s.Boxes.GetOutgoingImage(dto.ImageID); err != nil {
		s.writeErr(w, err)
		return
	} else if !ok {
		http.Error(w, "unknown image", http.StatusNotFound)
		return
	}

	updated, err := s.Boxes.UpdateOutgoingTransaction(dto.TransactionID, dto.ImageID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.ImagesSent.Inc()
		s.Metrics.TransactionState.WithLabelValues("outgoing", string(updated.Status)).Inc()
	}
	w.WriteHeader(http.StatusOK)
}

// OutgoingFailed implements POST /outgoing/failed.
func (s *Server) OutgoingFailed(w http.ResponseWriter, r *http.Request) {
	b, ok, err := s.Boxes.PollBoxByToken(tokenFromRequest(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var req FailedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	t, ok, err := s.Boxes.GetOutgoingTransaction(req.TransactionID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok || t.BoxID != b.ID {
		http.Error(w, "unknown transaction", http.StatusNotFound)
		return
	}

	updated, err := s.Boxes.SetOutgoingTransactionStatus(req.TransactionID, box.Failed)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.TransactionState.WithLabelValues("outgoing", string(updated.Status)).Inc()
	}
	log.Warnf("box %s reported outgoing transaction %s failed: %s", b.Name, req.TransactionID, req.Message)
	w.WriteHeader(http.StatusOK)
}

// Incoming implements POST /incoming?transactionid&sequencenumber&
// totalimagecount: the PUSH peer's delivery point.
// Bytes are parsed, run through the reverse-anonymise pipeline into a
// temp storage path and the metadata sink in parallel (dicom.Store's
// broadcast), then moved into place and the incoming bookkeeping is
// updated idempotently.
func (s *Server) Incoming(w http.ResponseWriter, r *http.Request) {
	b, ok, err := s.Boxes.BoxByTokenAny(tokenFromRequest(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	txID := q.Get("transactionid")
	seq, err := strconv.Atoi(q.Get("sequencenumber"))
	if err != nil {
		http.Error(w, "malformed sequencenumber", http.StatusBadRequest)
		return
	}
	total, err := strconv.Atoi(q.Get("totalimagecount"))
	if err != nil {
		http.Error(w, "malformed totalimagecount", http.StatusBadRequest)
		return
	}

	if s.Dedup != nil && s.Dedup.Seen(b.ID, txID, seq) {
		if it, ok, err := s.Boxes.GetIncomingTransactionForBoxAndOutgoing(b.ID, txID); err == nil && ok {
			writeJSON(w, http.StatusOK, it)
			return
		}
		// filter says seen but the DB disagrees (false positive, or a
		// restart cleared the filter without clearing the DB row) --
		// fall through to the authoritative path below.
	}

	meta, parts, err := s.Parser.Parse(r.Body)
	if err != nil {
		s.writeErr(w, xerr.Validation("parse incoming image: %v", err))
		return
	}

	tempPath := s.Storage.TempPath()
	sink, err := s.Storage.FileSink(tempPath)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	result, storeErr := dicom.Store(r.Context(), meta, parts, s.Keys, s.Contexts, sink, s.Meta)
	closeErr := sink.Close()
	if storeErr != nil || closeErr != nil {
		_ = s.Storage.DeleteByName([]string{tempPath})
		if storeErr != nil {
			s.writeErr(w, storeErr)
		} else {
			s.writeErr(w, xerr.Transient(closeErr, "close incoming temp sink"))
		}
		return
	}

	wasExisting := false
	if existing, err := s.Storage.FileSource(result.ImageID); err == nil {
		existing.Close()
		wasExisting = true
	}

	it, _, err := s.Boxes.UpdateIncoming(b.ID, txID, seq, total, result.ImageID, wasExisting)
	if err != nil {
		_ = s.Storage.DeleteByName([]string{tempPath})
		s.writeErr(w, err)
		return
	}

	if err := s.Storage.Move(tempPath, s.Storage.ImageName(result.ImageID)); err != nil {
		s.writeErr(w, err)
		return
	}

	if s.Dedup != nil {
		s.Dedup.Record(b.ID, txID, seq)
	}
	if s.Metrics != nil {
		s.Metrics.ImagesReceived.Inc()
		s.Metrics.TransactionState.WithLabelValues("incoming", string(it.Status)).Inc()
	}
	if s.Events != nil {
		event.Publish(r.Context(), s.Events, event.MetaDataAdded{ImageID: result.ImageID})
	}

	writeJSON(w, http.StatusOK, it)
}
