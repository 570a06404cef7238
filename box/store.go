package box

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
	"github.com/tidwall/buntdb"

	"github.com/slicebox/slicebox/internal/nlog"
)

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary
	log  = nlog.New("box")
)

// Store is the buntdb-backed persistence layer. Every
// compound operation runs inside a single db.Update closure, which is
// the `transactionally` scope design note maps onto: a
// returned error rolls the whole closure back, so a crash or failure
// mid-operation never leaves a partially-applied invariant visible.
type Store struct {
	db *buntdb.DB
}

// Open opens (creating if absent) the buntdb file at path.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open persistence store")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func nowMS() int64 { return time.Now().UnixMilli() }

func pad20(n int64) string { return fmt.Sprintf("%020d", n) }
func pad10(n int) string   { return fmt.Sprintf("%010d", n) }

func newID() string {
	id, err := shortid.Generate()
	if err != nil {
		// shortid's only failure mode is its internal worker-id counter
		// wrapping after exhausting its configured epoch; fall back to a
		// coarser but still-unique identifier rather than fail the call.
		return fmt.Sprintf("id-%d", time.Now().UnixNano())
	}
	return id
}

// ---- key helpers -----------------------------------------------------

func kBox(id string) string         { return "box:" + id }
func kBoxName(name string) string   { return "boxname:" + name }
func kBoxToken(token string) string { return "boxtoken:" + token }

func kOutTx(id string) string { return "outtx:" + id }
func kOutTxOpen(boxID string, created int64, id string) string {
	return "outtx_open:" + boxID + ":" + pad20(created) + ":" + id
}
func kOutTxOpenPrefix(boxID string) string { return "outtx_open:" + boxID + ":*" }
func kOutTxAll(boxID string, created int64, id string) string {
	return "outtx_all:" + boxID + ":" + pad20(created) + ":" + id
}
func kOutTxAllPrefix(boxID string) string { return "outtx_all:" + boxID + ":*" }

func kOutImg(id string) string { return "outimg:" + id }
func kOutImgSeq(txID string, seq int) string {
	return "outimg_seq:" + txID + ":" + pad10(seq)
}
func kOutImgUnsent(txID string, seq int) string {
	return "outimg_unsent:" + txID + ":" + pad10(seq)
}
func kOutImgUnsentPrefix(txID string) string { return "outimg_unsent:" + txID + ":*" }
func kOutImgByTxPrefix(txID string) string   { return "outimg_seq:" + txID + ":*" }

func kOutTag(id string) string { return "outtag:" + id }
func kOutTagByImg(imgID, id string) string {
	return "outtag_by_img:" + imgID + ":" + id
}
func kOutTagByImgPrefix(imgID string) string { return "outtag_by_img:" + imgID + ":*" }

func kInTx(id string) string { return "intx:" + id }
func kInTxByBoxOutID(boxID, outTxID string) string {
	return "intx_by_box_outtxid:" + boxID + ":" + outTxID
}
func kInTxAllPrefix(boxID string) string { return "intx_by_box:" + boxID + ":*" }
func kInTxAll(boxID, id string) string   { return "intx_by_box:" + boxID + ":" + id }

func kInImg(id string) string { return "inimg:" + id }
func kInImgSeq(txID string, seq int) string {
	return "inimg_seq:" + txID + ":" + pad10(seq)
}

// ---- Box ---------------------------------------------------------

// InsertBox generates an id and stores b, failing on duplicate name.
func (s *Store) InsertBox(b Box) (Box, error) {
	b.ID = newID()
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(kBoxName(b.Name)); err == nil {
			return errConflict(fmt.Sprintf("box name %q already exists", b.Name))
		} else if err != buntdb.ErrNotFound {
			return err
		}
		raw, err := json.Marshal(b)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(kBox(b.ID), string(raw), nil); err != nil {
			return err
		}
		if _, _, err := tx.Set(kBoxName(b.Name), b.ID, nil); err != nil {
			return err
		}
		if _, _, err := tx.Set(kBoxToken(b.Token), b.ID, nil); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return Box{}, err
	}
	return b, nil
}

func (s *Store) getBoxTx(tx *buntdb.Tx, id string) (Box, bool, error) {
	raw, err := tx.Get(kBox(id))
	if err == buntdb.ErrNotFound {
		return Box{}, false, nil
	} else if err != nil {
		return Box{}, false, err
	}
	var b Box
	if err := json.UnmarshalFromString(raw, &b); err != nil {
		return Box{}, false, err
	}
	return b, true, nil
}

func (s *Store) GetBox(id string) (Box, bool, error) {
	var (
		b     Box
		found bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		b, found, err = s.getBoxTx(tx, id)
		return err
	})
	return b, found, err
}

// RecordPushAttempt updates a PUSH box's online flag directly on
// every attempt. POLL boxes are re-derived periodically instead,
// against lastPollPerBox, by UpdateStatusForBoxesAndTransactions.
func (s *Store) RecordPushAttempt(boxID string, success bool, now time.Time) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		b, found, err := s.getBoxTx(tx, boxID)
		if err != nil || !found {
			return err
		}
		b.Online = success
		if success {
			b.LastSeen = now.UnixMilli()
		}
		raw, err := json.Marshal(b)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(kBox(b.ID), string(raw), nil)
		return err
	})
}

func (s *Store) GetBoxByName(name string) (Box, bool, error) {
	var (
		b     Box
		found bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		id, err := tx.Get(kBoxName(name))
		if err == buntdb.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		b, found, err = s.getBoxTx(tx, id)
		return err
	})
	return b, found, err
}

// PollBoxByToken looks up a box by its bearer token, filtered to POLL
// method -- used to authenticate `GET /outgoing/poll`.
func (s *Store) PollBoxByToken(token string) (Box, bool, error) {
	var (
		b     Box
		found bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		id, err := tx.Get(kBoxToken(token))
		if err == buntdb.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		var ok bool
		b, ok, err = s.getBoxTx(tx, id)
		if err != nil || !ok {
			return err
		}
		if b.Method != Poll {
			b, found = Box{}, false
			return nil
		}
		found = true
		return nil
	})
	return b, found, err
}

// BoxByTokenAny looks up a box by token regardless of send method,
// used to authenticate the incoming-push endpoint
// where either PUSH or POLL boxes may be the sender.
func (s *Store) BoxByTokenAny(token string) (Box, bool, error) {
	var (
		b     Box
		found bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		id, err := tx.Get(kBoxToken(token))
		if err == buntdb.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		b, found, err = s.getBoxTx(tx, id)
		return err
	})
	return b, found, err
}

func (s *Store) ListBoxes() ([]Box, error) {
	var out []Box
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("box:*", func(key, value string) bool {
			var b Box
			if err := json.UnmarshalFromString(value, &b); err == nil {
				out = append(out, b)
			}
			return true
		})
	})
	return out, err
}

// DeleteBox cascades to the box's outgoing transactions, their images,
// and those images' tag-value overrides.
func (s *Store) DeleteBox(id string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		b, found, err := s.getBoxTx(tx, id)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		var txIDs []string
		if err := tx.AscendKeys(kOutTxAllPrefix(id), func(key, value string) bool {
			txIDs = append(txIDs, value)
			return true
		}); err != nil {
			return err
		}
		for _, txID := range txIDs {
			if err := s.deleteOutgoingTransactionTx(tx, txID); err != nil {
				return err
			}
		}
		if _, err := tx.Delete(kBox(id)); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if _, err := tx.Delete(kBoxName(b.Name)); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if _, err := tx.Delete(kBoxToken(b.Token)); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
}

func (s *Store) deleteOutgoingTransactionTx(tx *buntdb.Tx, txID string) error {
	raw, err := tx.Get(kOutTx(txID))
	if err == buntdb.ErrNotFound {
		return nil
	} else if err != nil {
		return err
	}
	var t OutgoingTransaction
	if err := json.UnmarshalFromString(raw, &t); err != nil {
		return err
	}
	var imgIDs []string
	if err := tx.AscendKeys(kOutImgByTxPrefix(txID), func(key, value string) bool {
		imgIDs = append(imgIDs, value)
		return true
	}); err != nil {
		return err
	}
	for _, imgID := range imgIDs {
		imgRaw, err := tx.Get(kOutImg(imgID))
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if err == nil {
			var img OutgoingImage
			if err := json.UnmarshalFromString(imgRaw, &img); err == nil {
				var tagIDs []string
				if err := tx.AscendKeys(kOutTagByImgPrefix(imgID), func(key, value string) bool {
					tagIDs = append(tagIDs, value)
					return true
				}); err != nil {
					return err
				}
				for _, tagID := range tagIDs {
					if _, err := tx.Delete(kOutTag(tagID)); err != nil && err != buntdb.ErrNotFound {
						return err
					}
					if _, err := tx.Delete(kOutTagByImg(imgID, tagID)); err != nil && err != buntdb.ErrNotFound {
						return err
					}
				}
				if _, err := tx.Delete(kOutImgUnsent(txID, img.SequenceNumber)); err != nil && err != buntdb.ErrNotFound {
					return err
				}
			}
		}
		if _, err := tx.Delete(kOutImg(imgID)); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if _, err := tx.Delete(kOutImgSeq(txID, seqFromImgKey(imgID, imgRaw))); err != nil && err != buntdb.ErrNotFound {
			return err
		}
	}
	if _, err := tx.Delete(kOutTx(txID)); err != nil && err != buntdb.ErrNotFound {
		return err
	}
	if _, err := tx.Delete(kOutTxOpen(t.BoxID, t.Created, txID)); err != nil && err != buntdb.ErrNotFound {
		return err
	}
	if _, err := tx.Delete(kOutTxAll(t.BoxID, t.Created, txID)); err != nil && err != buntdb.ErrNotFound {
		return err
	}
	return nil
}

// seqFromImgKey extracts the sequence number back out of a previously
// marshaled OutgoingImage so its outimg_seq key can be removed; returns
// -1 (a no-op delete) when raw is empty/unparsable.
func seqFromImgKey(_ string, raw string) int {
	if raw == "" {
		return -1
	}
	var img OutgoingImage
	if err := json.UnmarshalFromString(raw, &img); err != nil {
		return -1
	}
	return img.SequenceNumber
}

// ---- OutgoingTransaction / OutgoingImage -----------------------------

// CreateOutgoingTransaction enqueues a new "send N images" transaction
// for a box, in WAITING status, with dense 1-based sequence numbers.
func (s *Store) CreateOutgoingTransaction(boxID string, imageIDs []string) (OutgoingTransaction, []OutgoingImage, error) {
	var (
		t    OutgoingTransaction
		imgs []OutgoingImage
	)
	err := s.db.Update(func(tx *buntdb.Tx) error {
		b, found, err := s.getBoxTx(tx, boxID)
		if err != nil {
			return err
		}
		if !found {
			return errNotFound("box not found: " + boxID)
		}
		now := nowMS()
		t = OutgoingTransaction{
			ID:              newID(),
			BoxID:           boxID,
			BoxName:         b.Name,
			TotalImageCount: len(imageIDs),
			Created:         now,
			Updated:         now,
			Status:          Waiting,
		}
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(kOutTx(t.ID), string(raw), nil); err != nil {
			return err
		}
		if _, _, err := tx.Set(kOutTxOpen(boxID, now, t.ID), t.ID, nil); err != nil {
			return err
		}
		if _, _, err := tx.Set(kOutTxAll(boxID, now, t.ID), t.ID, nil); err != nil {
			return err
		}
		for i, imgID := range imageIDs {
			seq := i + 1
			if _, err := tx.Get(kOutImgSeq(t.ID, seq)); err == nil {
				return errConflict(fmt.Sprintf("duplicate (outgoingTransactionId, sequenceNumber) (%s, %d)", t.ID, seq))
			} else if err != buntdb.ErrNotFound {
				return err
			}
			img := OutgoingImage{
				ID:                    newID(),
				OutgoingTransactionID: t.ID,
				ImageID:               imgID,
				SequenceNumber:        seq,
				Sent:                  false,
			}
			imgRaw, err := json.Marshal(img)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(kOutImg(img.ID), string(imgRaw), nil); err != nil {
				return err
			}
			if _, _, err := tx.Set(kOutImgSeq(t.ID, seq), img.ID, nil); err != nil {
				return err
			}
			if _, _, err := tx.Set(kOutImgUnsent(t.ID, seq), img.ID, nil); err != nil {
				return err
			}
			imgs = append(imgs, img)
		}
		return nil
	})
	if err != nil {
		return OutgoingTransaction{}, nil, err
	}
	return t, imgs, nil
}

func (s *Store) GetOutgoingTransaction(id string) (OutgoingTransaction, bool, error) {
	var (
		t     OutgoingTransaction
		found bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(kOutTx(id))
		if err == buntdb.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		return json.UnmarshalFromString(raw, &t)
	})
	return t, found, err
}

func (s *Store) GetOutgoingImage(id string) (OutgoingImage, bool, error) {
	var (
		img   OutgoingImage
		found bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(kOutImg(id))
		if err == buntdb.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		return json.UnmarshalFromString(raw, &img)
	})
	return img, found, err
}

func (s *Store) ListOutgoingTransactionsForBox(boxID string) ([]OutgoingTransaction, error) {
	var out []OutgoingTransaction
	err := s.db.View(func(tx *buntdb.Tx) error {
		var ids []string
		if err := tx.AscendKeys(kOutTxAllPrefix(boxID), func(key, value string) bool {
			ids = append(ids, value)
			return true
		}); err != nil {
			return err
		}
		for _, id := range ids {
			raw, err := tx.Get(kOutTx(id))
			if err != nil {
				continue
			}
			var t OutgoingTransaction
			if err := json.UnmarshalFromString(raw, &t); err == nil {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

// NextOutgoingTransactionImageForBoxId returns the oldest not-yet-sent
// image for boxID, excluding FAILED/FINISHED transactions, ordered by
// (transaction.created ASC, image.sequenceNumber ASC).
func (s *Store) NextOutgoingTransactionImageForBoxId(boxID string) (OutgoingTransaction, OutgoingImage, bool, error) {
	var (
		t     OutgoingTransaction
		img   OutgoingImage
		found bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		var txIDs []string
		if err := tx.AscendKeys(kOutTxOpenPrefix(boxID), func(key, value string) bool {
			txIDs = append(txIDs, value)
			return true
		}); err != nil {
			return err
		}
		for _, txID := range txIDs {
			var imgID string
			if err := tx.AscendKeys(kOutImgUnsentPrefix(txID), func(key, value string) bool {
				imgID = value
				return false // first match, lowest seq
			}); err != nil {
				return err
			}
			if imgID == "" {
				continue
			}
			traw, err := tx.Get(kOutTx(txID))
			if err != nil {
				continue
			}
			iraw, err := tx.Get(kOutImg(imgID))
			if err != nil {
				continue
			}
			if err := json.UnmarshalFromString(traw, &t); err != nil {
				return err
			}
			if err := json.UnmarshalFromString(iraw, &img); err != nil {
				return err
			}
			found = true
			return nil
		}
		return nil
	})
	return t, img, found, err
}

// UpdateOutgoingTransaction marks one image sent and advances the
// transaction's counters, atomically flipping to FINISHED once
// sentImageCount == totalImageCount.
func (s *Store) UpdateOutgoingTransaction(txID, imageID string) (OutgoingTransaction, error) {
	var out OutgoingTransaction
	err := s.db.Update(func(tx *buntdb.Tx) error {
		traw, err := tx.Get(kOutTx(txID))
		if err != nil {
			return errNotFound("outgoing transaction not found: " + txID)
		}
		var t OutgoingTransaction
		if err := json.UnmarshalFromString(traw, &t); err != nil {
			return err
		}
		iraw, err := tx.Get(kOutImg(imageID))
		if err != nil {
			return errNotFound("outgoing image not found: " + imageID)
		}
		var img OutgoingImage
		if err := json.UnmarshalFromString(iraw, &img); err != nil {
			return err
		}
		if !img.Sent {
			img.Sent = true
			t.SentImageCount++
			if _, err := tx.Delete(kOutImgUnsent(txID, img.SequenceNumber)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		t.Updated = nowMS()
		if t.Status == Waiting {
			t.Status = Processing
		}
		if t.SentImageCount == t.TotalImageCount {
			t.Status = Finished
			if err := s.closeOutgoingTx(tx, t); err != nil {
				return err
			}
		}
		newIraw, err := json.Marshal(img)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(kOutImg(imageID), string(newIraw), nil); err != nil {
			return err
		}
		newTraw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(kOutTx(txID), string(newTraw), nil); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// closeOutgoingTx removes the transaction's entry from the open-by-box
// scan index once it leaves WAITING/PROCESSING.
func (s *Store) closeOutgoingTx(tx *buntdb.Tx, t OutgoingTransaction) error {
	_, err := tx.Delete(kOutTxOpen(t.BoxID, t.Created, t.ID))
	if err != nil && err != buntdb.ErrNotFound {
		return err
	}
	return nil
}

// SetOutgoingTransactionStatus transitions the transaction's status
// directly -- used for the FAILED transition on permanent rejection and
// the WAITING demotion on transient network error.
func (s *Store) SetOutgoingTransactionStatus(txID string, status TransactionStatus) (OutgoingTransaction, error) {
	var out OutgoingTransaction
	err := s.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(kOutTx(txID))
		if err != nil {
			return errNotFound("outgoing transaction not found: " + txID)
		}
		var t OutgoingTransaction
		if err := json.UnmarshalFromString(raw, &t); err != nil {
			return err
		}
		// no transition out of FINISHED/FAILED is permitted backward into
		// WAITING/PROCESSING (spec invariant 6), except FAILED is itself
		// a terminal transition reachable from any open state.
		if (t.Status == Finished && status != Finished) || (t.Status == Failed && (status == Waiting || status == Processing)) {
			return nil
		}
		t.Status = status
		t.Updated = nowMS()
		if status == Failed || status == Finished {
			if err := s.closeOutgoingTx(tx, t); err != nil {
				return err
			}
		} else {
			if _, _, err := tx.Set(kOutTxOpen(t.BoxID, t.Created, t.ID), t.ID, nil); err != nil {
				return err
			}
		}
		newRaw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(kOutTx(txID), string(newRaw), nil); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// InsertOutgoingTagValue adds a forced attribute override for one
// outgoing image.
func (s *Store) InsertOutgoingTagValue(v OutgoingTagValue) (OutgoingTagValue, error) {
	v.ID = newID()
	err := s.db.Update(func(tx *buntdb.Tx) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(kOutTag(v.ID), string(raw), nil); err != nil {
			return err
		}
		if _, _, err := tx.Set(kOutTagByImg(v.OutgoingImageID, v.ID), v.ID, nil); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return OutgoingTagValue{}, err
	}
	return v, nil
}

func (s *Store) ListOutgoingTagValuesForImage(imageID string) ([]OutgoingTagValue, error) {
	var out []OutgoingTagValue
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(kOutTagByImgPrefix(imageID), func(key, value string) bool {
			raw, err := tx.Get(kOutTag(value))
			if err != nil {
				return true
			}
			var v OutgoingTagValue
			if err := json.UnmarshalFromString(raw, &v); err == nil {
				out = append(out, v)
			}
			return true
		})
	})
	return out, err
}

// ---- IncomingTransaction / IncomingImage -----------------------------

// UpdateIncoming upserts the IncomingTransaction keyed by (boxId,
// outgoingTransactionId) and the IncomingImage keyed by (txId, seq),
// applying the counter-clamp rules atomically. This is the core of the
// incoming engine's idempotent-receive contract.
func (s *Store) UpdateIncoming(boxID, outgoingTransactionID string, seq, total int, imageID string, overwrite bool) (IncomingTransaction, IncomingImage, error) {
	var (
		outT IncomingTransaction
		outI IncomingImage
	)
	err := s.db.Update(func(tx *buntdb.Tx) error {
		var t IncomingTransaction
		raw, err := tx.Get(kInTxByBoxOutID(boxID, outgoingTransactionID))
		isNew := false
		if err == buntdb.ErrNotFound {
			isNew = true
			t = IncomingTransaction{
				ID:                    newID(),
				BoxID:                 boxID,
				OutgoingTransactionID: outgoingTransactionID,
				Created:               nowMS(),
			}
		} else if err != nil {
			return err
		} else {
			traw, err := tx.Get(kInTx(raw))
			if err != nil {
				return err
			}
			if err := json.UnmarshalFromString(traw, &t); err != nil {
				return err
			}
		}

		t.TotalImageCount = total

		var img IncomingImage
		iraw, err := tx.Get(kInImgSeq(t.ID, seq))
		imgIsNew := err == buntdb.ErrNotFound
		if imgIsNew {
			img = IncomingImage{
				ID:                    newID(),
				IncomingTransactionID: t.ID,
				SequenceNumber:        seq,
			}
		} else if err != nil {
			return err
		} else {
			fullRaw, err := tx.Get(kInImg(iraw))
			if err != nil {
				return err
			}
			if err := json.UnmarshalFromString(fullRaw, &img); err != nil {
				return err
			}
		}

		// Counters advance only the first time this (transactionId,
		// sequenceNumber) pair is seen -- a replay of the same pair must
		// leave receivedImageCount/addedImageCount unchanged, even though
		// the uniqueness index on kInImgSeq(t.ID, seq) already guarantees
		// at most one IncomingImage row per pair.
		if imgIsNew {
			if t.ReceivedImageCount+1 > total {
				t.ReceivedImageCount = total
			} else {
				t.ReceivedImageCount++
			}
			if !overwrite {
				if t.AddedImageCount+1 > total {
					t.AddedImageCount = total
				} else {
					t.AddedImageCount++
				}
			}
		}
		t.Status = Processing
		t.Updated = nowMS()
		if t.ReceivedImageCount == t.TotalImageCount {
			t.Status = Finished
		}

		traw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(kInTx(t.ID), string(traw), nil); err != nil {
			return err
		}
		if isNew {
			if _, _, err := tx.Set(kInTxByBoxOutID(boxID, outgoingTransactionID), t.ID, nil); err != nil {
				return err
			}
			if _, _, err := tx.Set(kInTxAll(boxID, t.ID), t.ID, nil); err != nil {
				return err
			}
		}

		img.ImageID = imageID
		img.Overwrite = overwrite

		imgRaw, err := json.Marshal(img)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(kInImg(img.ID), string(imgRaw), nil); err != nil {
			return err
		}
		if _, _, err := tx.Set(kInImgSeq(t.ID, seq), img.ID, nil); err != nil {
			return err
		}

		outT, outI = t, img
		return nil
	})
	return outT, outI, err
}

func (s *Store) GetIncomingTransaction(id string) (IncomingTransaction, bool, error) {
	var (
		t     IncomingTransaction
		found bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(kInTx(id))
		if err == buntdb.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		return json.UnmarshalFromString(raw, &t)
	})
	return t, found, err
}

// GetIncomingTransactionForBoxAndOutgoing looks up the IncomingTransaction
// by the same (boxId, outgoingTransactionId) key UpdateIncoming upserts
// against, letting callers (transfer's dedup fast-path) short-circuit a
// replayed delivery without re-running the full upsert.
func (s *Store) GetIncomingTransactionForBoxAndOutgoing(boxID, outgoingTransactionID string) (IncomingTransaction, bool, error) {
	var (
		t     IncomingTransaction
		found bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		id, err := tx.Get(kInTxByBoxOutID(boxID, outgoingTransactionID))
		if err == buntdb.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		raw, err := tx.Get(kInTx(id))
		if err == buntdb.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		return json.UnmarshalFromString(raw, &t)
	})
	return t, found, err
}

func (s *Store) ListIncomingTransactionsForBox(boxID string) ([]IncomingTransaction, error) {
	var out []IncomingTransaction
	err := s.db.View(func(tx *buntdb.Tx) error {
		var ids []string
		if err := tx.AscendKeys(kInTxAllPrefix(boxID), func(key, value string) bool {
			ids = append(ids, value)
			return true
		}); err != nil {
			return err
		}
		for _, id := range ids {
			raw, err := tx.Get(kInTx(id))
			if err != nil {
				continue
			}
			var t IncomingTransaction
			if err := json.UnmarshalFromString(raw, &t); err == nil {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

// ---- status tick ------------------------------------------------------

// UpdateStatusForBoxesAndTransactions refreshes POLL-box online flags
// and demotes stalled PROCESSING transactions back to WAITING. It
// never transitions a transaction out of FINISHED/FAILED.
func (s *Store) UpdateStatusForBoxesAndTransactions(now time.Time, lastPollPerBox map[string]int64, onlineTimeout, processingTimeout time.Duration) error {
	nowMs := now.UnixMilli()
	return s.db.Update(func(tx *buntdb.Tx) error {
		var boxKeys []string
		if err := tx.AscendKeys("box:*", func(key, value string) bool {
			boxKeys = append(boxKeys, key)
			return true
		}); err != nil {
			return err
		}
		for _, key := range boxKeys {
			raw, err := tx.Get(key)
			if err != nil {
				continue
			}
			var b Box
			if err := json.UnmarshalFromString(raw, &b); err != nil {
				continue
			}
			if b.Method != Poll {
				continue
			}
			last, ok := lastPollPerBox[b.ID]
			online := ok && time.Duration(nowMs-last)*time.Millisecond < onlineTimeout
			if online == b.Online {
				continue
			}
			b.Online = online
			newRaw, err := json.Marshal(b)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(key, string(newRaw), nil); err != nil {
				return err
			}
		}

		if err := demoteStalled(tx, "outtx:*", processingTimeout, nowMs); err != nil {
			return err
		}
		if err := demoteStalled(tx, "intx:*", processingTimeout, nowMs); err != nil {
			return err
		}
		return nil
	})
}

// demoteStalled flips any PROCESSING transaction whose `updated` is
// older than timeout back to WAITING, regardless of outgoing/incoming
// kind -- both share the same JSON fields used here.
func demoteStalled(tx *buntdb.Tx, pattern string, timeout time.Duration, nowMs int64) error {
	var keys []string
	if err := tx.AscendKeys(pattern, func(key, value string) bool {
		keys = append(keys, key)
		return true
	}); err != nil {
		return err
	}
	for _, key := range keys {
		raw, err := tx.Get(key)
		if err != nil {
			continue
		}
		var generic struct {
			Status  TransactionStatus `json:"status"`
			Updated int64             `json:"updated"`
		}
		if err := json.UnmarshalFromString(raw, &generic); err != nil {
			continue
		}
		if generic.Status != Processing {
			continue
		}
		if time.Duration(nowMs-generic.Updated)*time.Millisecond < timeout {
			continue
		}
		// patch only the status field, preserving the rest of the JSON
		// document (outgoing and incoming transactions have different
		// shapes beyond the two fields read above).
		if err := patchStatus(tx, key, raw); err != nil {
			return err
		}
	}
	return nil
}

func patchStatus(tx *buntdb.Tx, key, raw string) error {
	m := map[string]interface{}{}
	if err := json.UnmarshalFromString(raw, &m); err != nil {
		return err
	}
	m["status"] = string(Waiting)
	newRaw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, string(newRaw), nil)
	return err
}
