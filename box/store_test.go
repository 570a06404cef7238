package box_test

import (
	"testing"
	"time"

	"github.com/slicebox/slicebox/box"
)

func openStore(t *testing.T) *box.Store {
	t.Helper()
	s, err := box.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertBoxRejectsDuplicateName(t *testing.T) {
	s := openStore(t)
	if _, err := s.InsertBox(box.Box{Name: "dup", Token: "t1", Method: box.Push}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertBox(box.Box{Name: "dup", Token: "t2", Method: box.Poll}); err == nil {
		t.Fatal("expected error inserting a duplicate box name")
	}
}

func TestPollBoxByTokenExcludesPushBoxes(t *testing.T) {
	s := openStore(t)
	if _, err := s.InsertBox(box.Box{Name: "pusher", Token: "tok", Method: box.Push}); err != nil {
		t.Fatal(err)
	}
	if _, found, err := s.PollBoxByToken("tok"); err != nil || found {
		t.Fatalf("expected PollBoxByToken to reject a PUSH box, found=%v err=%v", found, err)
	}
	if _, found, err := s.BoxByTokenAny("tok"); err != nil || !found {
		t.Fatalf("expected BoxByTokenAny to accept a PUSH box, found=%v err=%v", found, err)
	}
}

func TestOutgoingTransactionLifecycleReachesFinished(t *testing.T) {
	s := openStore(t)
	b, err := s.InsertBox(box.Box{Name: "peer", Token: "tok", Method: box.Poll})
	if err != nil {
		t.Fatal(err)
	}
	tx, imgs, err := s.CreateOutgoingTransaction(b.ID, []string{"img-a", "img-b"})
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != box.Waiting || tx.TotalImageCount != 2 {
		t.Fatalf("unexpected initial transaction: %+v", tx)
	}

	_, _, found, err := s.NextOutgoingTransactionImageForBoxId(b.ID)
	if err != nil || !found {
		t.Fatalf("expected a ready image, found=%v err=%v", found, err)
	}

	if _, err := s.UpdateOutgoingTransaction(tx.ID, imgs[0].ID); err != nil {
		t.Fatal(err)
	}
	mid, found, err := s.GetOutgoingTransaction(tx.ID)
	if err != nil || !found {
		t.Fatal(err)
	}
	if mid.Status != box.Processing || mid.SentImageCount != 1 {
		t.Fatalf("expected PROCESSING after first image, got %+v", mid)
	}

	updated, err := s.UpdateOutgoingTransaction(tx.ID, imgs[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != box.Finished || updated.SentImageCount != 2 {
		t.Fatalf("expected FINISHED after all images sent, got %+v", updated)
	}

	if _, _, found, err := s.NextOutgoingTransactionImageForBoxId(b.ID); err != nil || found {
		t.Fatalf("expected no more ready images on a finished transaction, found=%v err=%v", found, err)
	}
}

func TestSetOutgoingTransactionStatusNeverLeavesFinished(t *testing.T) {
	s := openStore(t)
	b, err := s.InsertBox(box.Box{Name: "peer2", Token: "tok2", Method: box.Poll})
	if err != nil {
		t.Fatal(err)
	}
	tx, imgs, err := s.CreateOutgoingTransaction(b.ID, []string{"only-image"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateOutgoingTransaction(tx.ID, imgs[0].ID); err != nil {
		t.Fatal(err)
	}
	finished, found, err := s.GetOutgoingTransaction(tx.ID)
	if err != nil || !found || finished.Status != box.Finished {
		t.Fatalf("precondition failed: %+v found=%v err=%v", finished, found, err)
	}

	if _, err := s.SetOutgoingTransactionStatus(tx.ID, box.Waiting); err != nil {
		t.Fatal(err)
	}
	after, found, err := s.GetOutgoingTransaction(tx.ID)
	if err != nil || !found {
		t.Fatal(err)
	}
	if after.Status != box.Finished {
		t.Fatalf("FINISHED must not transition backward to WAITING, got %s", after.Status)
	}
}

func TestUpdateIncomingIsIdempotentAndClampsAtTotal(t *testing.T) {
	s := openStore(t)
	b, err := s.InsertBox(box.Box{Name: "sender", Token: "stok", Method: box.Push})
	if err != nil {
		t.Fatal(err)
	}

	first, _, err := s.UpdateIncoming(b.ID, "outtx-1", 1, 2, "img-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if first.ReceivedImageCount != 1 || first.AddedImageCount != 1 || first.Status != box.Processing {
		t.Fatalf("unexpected state after first image: %+v", first)
	}

	replay, _, err := s.UpdateIncoming(b.ID, "outtx-1", 1, 2, "img-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if replay.ReceivedImageCount != 1 || replay.AddedImageCount != 1 {
		t.Fatalf("replay of the same (transactionId, sequenceNumber) must not double-count: %+v", replay)
	}

	second, _, err := s.UpdateIncoming(b.ID, "outtx-1", 2, 2, "img-2", false)
	if err != nil {
		t.Fatal(err)
	}
	if second.ReceivedImageCount != 2 || second.Status != box.Finished {
		t.Fatalf("expected FINISHED once receivedImageCount reaches total: %+v", second)
	}

	lookup, found, err := s.GetIncomingTransactionForBoxAndOutgoing(b.ID, "outtx-1")
	if err != nil || !found {
		t.Fatalf("expected lookup by (boxId, outgoingTransactionId) to find the transaction: found=%v err=%v", found, err)
	}
	if lookup.ID != second.ID {
		t.Fatalf("lookup returned a different transaction: %+v vs %+v", lookup, second)
	}
}

func TestUpdateIncomingOverwriteExcludesAddedCount(t *testing.T) {
	s := openStore(t)
	b, err := s.InsertBox(box.Box{Name: "sender2", Token: "stok2", Method: box.Push})
	if err != nil {
		t.Fatal(err)
	}
	it, _, err := s.UpdateIncoming(b.ID, "outtx-2", 1, 1, "img-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if it.ReceivedImageCount != 1 || it.AddedImageCount != 0 {
		t.Fatalf("an overwrite must advance receivedImageCount but not addedImageCount: %+v", it)
	}
}

func TestDeleteBoxCascadesOutgoingState(t *testing.T) {
	s := openStore(t)
	b, err := s.InsertBox(box.Box{Name: "ephemeral", Token: "etok", Method: box.Poll})
	if err != nil {
		t.Fatal(err)
	}
	tx, imgs, err := s.CreateOutgoingTransaction(b.ID, []string{"img-x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertOutgoingTagValue(box.OutgoingTagValue{OutgoingImageID: imgs[0].ID, Tag: 0x00100010, Value: "ANON"}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteBox(b.ID); err != nil {
		t.Fatal(err)
	}

	if _, found, err := s.GetBox(b.ID); err != nil || found {
		t.Fatalf("expected box gone after delete, found=%v err=%v", found, err)
	}
	if _, found, err := s.GetOutgoingTransaction(tx.ID); err != nil || found {
		t.Fatalf("expected outgoing transaction gone after box delete, found=%v err=%v", found, err)
	}
	if vs, err := s.ListOutgoingTagValuesForImage(imgs[0].ID); err != nil || len(vs) != 0 {
		t.Fatalf("expected tag overrides gone after box delete, vs=%v err=%v", vs, err)
	}

	// A new box may now reuse the deleted box's name and token.
	if _, err := s.InsertBox(box.Box{Name: "ephemeral", Token: "etok", Method: box.Push}); err != nil {
		t.Fatalf("expected name/token reuse to succeed after delete: %v", err)
	}
}

func TestUpdateStatusForBoxesAndTransactionsRefreshesPollOnlineAndDemotesStalled(t *testing.T) {
	s := openStore(t)
	poller, err := s.InsertBox(box.Box{Name: "poller", Token: "ptok", Method: box.Poll})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	lastPoll := map[string]int64{poller.ID: now.UnixMilli()}
	if err := s.UpdateStatusForBoxesAndTransactions(now, lastPoll, 15*time.Second, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	refreshed, found, err := s.GetBox(poller.ID)
	if err != nil || !found || !refreshed.Online {
		t.Fatalf("expected poller marked online after a recent poll: %+v found=%v err=%v", refreshed, found, err)
	}

	stale := now.Add(time.Minute)
	if err := s.UpdateStatusForBoxesAndTransactions(stale, lastPoll, 15*time.Second, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	after, found, err := s.GetBox(poller.ID)
	if err != nil || !found || after.Online {
		t.Fatalf("expected poller marked offline once its last poll ages out: %+v", after)
	}

	b2, err := s.InsertBox(box.Box{Name: "stalled-peer", Token: "stok3", Method: box.Push})
	if err != nil {
		t.Fatal(err)
	}
	tx, imgs, err := s.CreateOutgoingTransaction(b2.ID, []string{"img-1", "img-2"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateOutgoingTransaction(tx.ID, imgs[0].ID); err != nil {
		t.Fatal(err)
	}
	if processing, found, err := s.GetOutgoingTransaction(tx.ID); err != nil || !found || processing.Status != box.Processing {
		t.Fatalf("precondition: expected PROCESSING, got %+v found=%v err=%v", processing, found, err)
	}

	farFuture := now.Add(time.Hour)
	if err := s.UpdateStatusForBoxesAndTransactions(farFuture, map[string]int64{}, 15*time.Second, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	demoted, found, err := s.GetOutgoingTransaction(tx.ID)
	if err != nil || !found {
		t.Fatal(err)
	}
	if demoted.Status != box.Waiting {
		t.Fatalf("expected a stalled PROCESSING transaction demoted back to WAITING, got %s", demoted.Status)
	}
}

func TestRecordPushAttemptTracksOnlineFlag(t *testing.T) {
	s := openStore(t)
	b, err := s.InsertBox(box.Box{Name: "pushed", Token: "ptok2", Method: box.Push})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if err := s.RecordPushAttempt(b.ID, true, now); err != nil {
		t.Fatal(err)
	}
	online, found, err := s.GetBox(b.ID)
	if err != nil || !found || !online.Online || online.LastSeen != now.UnixMilli() {
		t.Fatalf("expected online after a successful attempt: %+v", online)
	}

	if err := s.RecordPushAttempt(b.ID, false, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	offline, found, err := s.GetBox(b.ID)
	if err != nil || !found || offline.Online {
		t.Fatalf("expected offline after a failed attempt: %+v", offline)
	}
}
