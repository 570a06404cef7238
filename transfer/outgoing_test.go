package transfer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/slicebox/slicebox/anon"
	"github.com/slicebox/slicebox/box"
	"github.com/slicebox/slicebox/dicom"
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
	_, err := w.Write([]byte("encoded"))
	return err
}

func header(tag dicom.Tag, vr, val string) dicom.Header {
	return dicom.Header{Tag: tag, VR: vr, Value: []byte(val)}
}

func TestOutgoingPushesAndRecordsAttempt(t *testing.T) {
	boxes, err := box.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer boxes.Close()

	keys, err := anon.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer keys.Close()

	backend, err := local.New(t.TempDir(), 0)
	if err != nil {
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

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Query().Get("token") != "peer-tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) == 0 {
			t.Error("expected non-empty push body")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := boxes.InsertBox(box.Box{Name: "peer", Token: "peer-tok", BaseURL: srv.URL, Method: box.Push})
	if err != nil {
		t.Fatal(err)
	}
	tx, _, err := boxes.CreateOutgoingTransaction(b.ID, []string{"img-1"})
	if err != nil {
		t.Fatal(err)
	}

	parts := []dicom.Part{
		header(dicom.TagPatientName, "PN", "DOE^JANE"),
		header(dicom.TagStudyInstanceUID, "UI", "1.2.3.study"),
	}
	meta := dicom.MetaPart{SOPClassUID: "1.2.840.10008.5.1.4.1.1.7", TransferSyntaxUID: "1.2.840.10008.1.2.1"}

	out := NewOutgoing(b.ID, boxes, backend, dicom.NewKeyService(keys),
		fakeParser{meta: meta, parts: parts}, fakeEncoder{}, dicom.Profiles, "basic")

	for out.pushOne(context.Background()) {
	}

	if hits != 1 {
		t.Fatalf("expected exactly one push attempt, got %d", hits)
	}

	updated, found, err := boxes.GetOutgoingTransaction(tx.ID)
	if err != nil || !found {
		t.Fatalf("transaction missing: %v %v", found, err)
	}
	if updated.SentImageCount != 1 || updated.Status != box.Finished {
		t.Fatalf("unexpected transaction state after push: %+v", updated)
	}

	refreshed, found, err := boxes.GetBox(b.ID)
	if err != nil || !found {
		t.Fatalf("box missing: %v %v", found, err)
	}
	if !refreshed.Online {
		t.Fatal("expected box marked online after a successful push")
	}
}

func TestOutgoingMarksTransactionFailedOn4xx(t *testing.T) {
	boxes, err := box.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer boxes.Close()
	keys, err := anon.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer keys.Close()
	backend, err := local.New(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	sink, err := backend.FileSink(backend.ImageName("img-2"))
	if err != nil {
		t.Fatal(err)
	}
	sink.Write([]byte("x"))
	sink.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b, err := boxes.InsertBox(box.Box{Name: "rejecting-peer", Token: "tok", BaseURL: srv.URL, Method: box.Push})
	if err != nil {
		t.Fatal(err)
	}
	tx, _, err := boxes.CreateOutgoingTransaction(b.ID, []string{"img-2"})
	if err != nil {
		t.Fatal(err)
	}

	meta := dicom.MetaPart{SOPClassUID: "1.2.840.10008.5.1.4.1.1.7", TransferSyntaxUID: "1.2.840.10008.1.2.1"}
	out := NewOutgoing(b.ID, boxes, backend, dicom.NewKeyService(keys),
		fakeParser{meta: meta, parts: nil}, fakeEncoder{}, dicom.Profiles, "basic")

	out.pushOne(context.Background())

	updated, found, err := boxes.GetOutgoingTransaction(tx.ID)
	if err != nil || !found {
		t.Fatalf("transaction missing: %v %v", found, err)
	}
	if updated.Status != box.Failed {
		t.Fatalf("expected FAILED after 4xx, got %s", updated.Status)
	}
}
