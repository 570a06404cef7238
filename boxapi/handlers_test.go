package boxapi_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/slicebox/slicebox/anon"
	"github.com/slicebox/slicebox/box"
	"github.com/slicebox/slicebox/boxapi"
	"github.com/slicebox/slicebox/dicom"
	"github.com/slicebox/slicebox/internal/config"
	"github.com/slicebox/slicebox/store/local"
)

type fakeParser struct {
	meta  dicom.MetaPart
	parts []dicom.Part
}

func (p fakeParser) Parse(r io.Reader) (dicom.MetaPart, []dicom.Part, error) {
	io.Copy(io.Discard, r)
	return p.meta, p.parts, nil
}

type fakeEncoder struct{}

func (fakeEncoder) Encode(w io.Writer, meta dicom.MetaPart, parts []dicom.Part) error {
	for _, p := range parts {
		if h, ok := p.(dicom.Header); ok {
			if _, err := w.Write(h.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

type recordingSink struct {
	received []string
}

func (s *recordingSink) Receive(imageID string, parts []dicom.Part) error {
	s.received = append(s.received, imageID)
	return nil
}

func header(tag dicom.Tag, vr, val string) dicom.Header {
	return dicom.Header{Tag: tag, VR: vr, Value: []byte(val)}
}

func newTestServer(t *testing.T, parts []dicom.Part) (*boxapi.Server, *box.Store, *local.Backend) {
	t.Helper()
	boxes, err := box.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { boxes.Close() })

	keys, err := anon.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { keys.Close() })

	backend, err := local.New(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}

	meta := dicom.MetaPart{SOPClassUID: "1.2.840.10008.5.1.4.1.1.7", TransferSyntaxUID: "1.2.840.10008.1.2.1"}
	srv := &boxapi.Server{
		Boxes:          boxes,
		Storage:        backend,
		Keys:           dicom.NewKeyService(keys),
		Meta:           &recordingSink{},
		Parser:         fakeParser{meta: meta, parts: parts},
		Encoder:        fakeEncoder{},
		Profiles:       dicom.Profiles,
		DefaultProfile: "basic",
		Contexts:       config.Default().ValidationContexts,
	}
	return srv, boxes, backend
}

func TestIncomingStoresAndCountsIdempotently(t *testing.T) {
	parts := []dicom.Part{
		header(dicom.TagPatientName, "PN", "DOE^JANE"),
		header(dicom.TagPatientID, "LO", "PID1"),
		header(dicom.TagStudyInstanceUID, "UI", "1.2.3.study"),
		header(dicom.TagSeriesInstanceUID, "UI", "1.2.3.series"),
		header(dicom.TagSOPInstanceUID, "UI", "1.2.3.sop1"),
	}
	srv, boxes, _ := newTestServer(t, parts)

	if _, err := boxes.InsertBox(box.Box{Name: "sender", Token: "tok", Method: box.Push}); err != nil {
		t.Fatal(err)
	}

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost,
			"/incoming?transactionid=tx1&sequencenumber=1&totalimagecount=1&token=tok",
			bytes.NewReader([]byte("dummy dicom bytes")))
		rec := httptest.NewRecorder()
		srv.Incoming(rec, req)
		return rec
	}

	first := send()
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery: status %d body %s", first.Code, first.Body.String())
	}
	var firstIT box.IncomingTransaction
	if err := json.Unmarshal(first.Body.Bytes(), &firstIT); err != nil {
		t.Fatal(err)
	}
	if firstIT.ReceivedImageCount != 1 || firstIT.AddedImageCount != 1 || firstIT.Status != box.Finished {
		t.Fatalf("unexpected first delivery state: %+v", firstIT)
	}

	replay := send()
	if replay.Code != http.StatusOK {
		t.Fatalf("replay: status %d body %s", replay.Code, replay.Body.String())
	}
	var replayIT box.IncomingTransaction
	if err := json.Unmarshal(replay.Body.Bytes(), &replayIT); err != nil {
		t.Fatal(err)
	}
	if replayIT.ReceivedImageCount != 1 || replayIT.AddedImageCount != 1 {
		t.Fatalf("replay must not double-count: %+v", replayIT)
	}
}

func TestIncomingRejectsUnknownToken(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/incoming?transactionid=tx1&sequencenumber=1&totalimagecount=1&token=nope", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	srv.Incoming(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", rec.Code)
	}
}

func TestOutgoingPollBytesDoneFlow(t *testing.T) {
	parts := []dicom.Part{
		header(dicom.TagPatientName, "PN", "DOE^JANE"),
		header(dicom.TagStudyInstanceUID, "UI", "1.2.3.study"),
	}
	srv, boxes, backend := newTestServer(t, parts)

	b, err := boxes.InsertBox(box.Box{Name: "peer", Token: "tok", Method: box.Poll})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := boxes.CreateOutgoingTransaction(b.ID, []string{"img-1"}); err != nil {
		t.Fatal(err)
	}

	sink, err := backend.FileSink(backend.ImageName("img-1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sink.Write([]byte("stored bytes")); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	pollReq := httptest.NewRequest(http.MethodGet, "/outgoing/poll?token=tok", nil)
	pollRec := httptest.NewRecorder()
	srv.OutgoingPoll(pollRec, pollReq)
	if pollRec.Code != http.StatusOK {
		t.Fatalf("poll: status %d body %s", pollRec.Code, pollRec.Body.String())
	}
	var work boxapi.OutgoingTransactionImage
	if err := json.Unmarshal(pollRec.Body.Bytes(), &work); err != nil {
		t.Fatal(err)
	}
	if work.SequenceNumber != 1 || work.TotalImageCount != 1 {
		t.Fatalf("unexpected poll payload: %+v", work)
	}

	bytesReq := httptest.NewRequest(http.MethodGet,
		"/outgoing?transactionid="+work.TransactionID+"&imageid="+work.ImageID+"&token=tok", nil)
	bytesRec := httptest.NewRecorder()
	srv.OutgoingBytes(bytesRec, bytesReq)
	if bytesRec.Code != http.StatusOK {
		t.Fatalf("bytes: status %d body %s", bytesRec.Code, bytesRec.Body.String())
	}
	if bytesRec.Body.Len() == 0 {
		t.Fatal("expected non-empty anonymised body")
	}

	doneBody, _ := json.Marshal(work)
	doneReq := httptest.NewRequest(http.MethodPost, "/outgoing/done?token=tok", bytes.NewReader(doneBody))
	doneRec := httptest.NewRecorder()
	srv.OutgoingDone(doneRec, doneReq)
	if doneRec.Code != http.StatusOK {
		t.Fatalf("done: status %d body %s", doneRec.Code, doneRec.Body.String())
	}

	tx, found, err := boxes.GetOutgoingTransaction(work.TransactionID)
	if err != nil || !found {
		t.Fatalf("transaction missing after done: %v %v", found, err)
	}
	if tx.Status != box.Finished || tx.SentImageCount != 1 {
		t.Fatalf("unexpected transaction state after done: %+v", tx)
	}
}

func TestOutgoingFailedMarksTransactionFailed(t *testing.T) {
	srv, boxes, _ := newTestServer(t, nil)

	b, err := boxes.InsertBox(box.Box{Name: "peer2", Token: "tok2", Method: box.Poll})
	if err != nil {
		t.Fatal(err)
	}
	tx, _, err := boxes.CreateOutgoingTransaction(b.ID, []string{"img-2"})
	if err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(boxapi.FailedRequest{TransactionID: tx.ID, Message: "peer rejected SOP class"})
	req := httptest.NewRequest(http.MethodPost, "/outgoing/failed?token=tok2", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.OutgoingFailed(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed: status %d body %s", rec.Code, rec.Body.String())
	}

	updated, found, err := boxes.GetOutgoingTransaction(tx.ID)
	if err != nil || !found {
		t.Fatalf("transaction missing: %v %v", found, err)
	}
	if updated.Status != box.Failed {
		t.Fatalf("expected FAILED, got %s", updated.Status)
	}
}
