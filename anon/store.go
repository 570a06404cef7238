package anon

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
	"github.com/tidwall/buntdb"

	"github.com/slicebox/slicebox/internal/nlog"
)

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary
	log  = nlog.New("anon")
)

// Store is the buntdb-backed key table. It is deliberately
// a separate database file from box.Store: anonymisation keys are
// independent entities referenced only by imageId, never joined
// against box/transaction rows in a single query, so there is no
// reason for them to share a transactional scope.
type Store struct {
	db *buntdb.DB
}

func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open anonymization key store")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func newID() string {
	id, err := shortid.Generate()
	if err != nil {
		return "key-" + time.Now().UTC().Format(time.RFC3339Nano)
	}
	return id
}

func kKey(id string) string             { return "key:" + id }
func kKeyByImage(imageID string) string { return "keybyimage:" + imageID }

// InsertAnonymizationKey generates an id and stores k.
func (s *Store) InsertAnonymizationKey(k Key) (Key, error) {
	k.ID = newID()
	k.Created = time.Now().UnixMilli()
	err := s.db.Update(func(tx *buntdb.Tx) error {
		raw, err := json.Marshal(k)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(kKey(k.ID), string(raw), nil); err != nil {
			return err
		}
		if _, _, err := tx.Set(kKeyByImage(k.ImageID), k.ID, nil); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return Key{}, err
	}
	log.Infof("inserted anonymization key %s for image %s", k.ID, k.ImageID)
	return k, nil
}

func (s *Store) allKeys(tx *buntdb.Tx) ([]Key, error) {
	var out []Key
	err := tx.AscendKeys("key:*", func(key, value string) bool {
		var k Key
		if err := json.UnmarshalFromString(value, &k); err == nil {
			out = append(out, k)
		}
		return true
	})
	return out, err
}

// LookupForImage cascades image -> series -> study -> patient, the
// first level that yields a row wins.
func (s *Store) LookupForImage(anonPatientName, anonPatientID, anonStudyUID, anonSeriesUID, anonSOPInstanceUID string) (Match, bool, error) {
	var (
		m     Match
		found bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		keys, err := s.allKeys(tx)
		if err != nil {
			return err
		}
		if k, ok := findFirst(keys, func(k Key) bool {
			return k.AnonPatientName == anonPatientName && k.AnonPatientID == anonPatientID &&
				k.AnonStudyInstanceUID == anonStudyUID && k.AnonSeriesInstanceUID == anonSeriesUID &&
				k.AnonSOPInstanceUID == anonSOPInstanceUID
		}); ok {
			m, found = Match{Key: k, Level: LevelImage}, true
			return nil
		}
		if k, ok := findFirst(keys, func(k Key) bool {
			return k.AnonPatientName == anonPatientName && k.AnonPatientID == anonPatientID &&
				k.AnonStudyInstanceUID == anonStudyUID && k.AnonSeriesInstanceUID == anonSeriesUID
		}); ok {
			m, found = Match{Key: k, Level: LevelSeries}, true
			return nil
		}
		if k, ok := findFirst(keys, func(k Key) bool {
			return k.AnonPatientName == anonPatientName && k.AnonPatientID == anonPatientID &&
				k.AnonStudyInstanceUID == anonStudyUID
		}); ok {
			m, found = Match{Key: k, Level: LevelStudy}, true
			return nil
		}
		if k, ok := findFirst(keys, func(k Key) bool {
			return k.AnonPatientName == anonPatientName && k.AnonPatientID == anonPatientID
		}); ok {
			m, found = Match{Key: k, Level: LevelPatient}, true
			return nil
		}
		return nil
	})
	return m, found, err
}

func findFirst(keys []Key, pred func(Key) bool) (Key, bool) {
	for _, k := range keys {
		if pred(k) {
			return k, true
		}
	}
	return Key{}, false
}

// QueryProtectedKeys looks up by original identifiers -- used by
// dicom.KeyService.Resolve before it mints a new key.
func (s *Store) QueryProtectedKeys(patientName, patientID string) ([]Key, error) {
	var out []Key
	err := s.db.View(func(tx *buntdb.Tx) error {
		keys, err := s.allKeys(tx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if k.PatientName == patientName && k.PatientID == patientID {
				out = append(out, k)
			}
		}
		return nil
	})
	return out, err
}

// QueryAnonymousKeys looks up by pseudonyms.
func (s *Store) QueryAnonymousKeys(anonPatientName, anonPatientID string) ([]Key, error) {
	var out []Key
	err := s.db.View(func(tx *buntdb.Tx) error {
		keys, err := s.allKeys(tx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if k.AnonPatientName == anonPatientName && k.AnonPatientID == anonPatientID {
				out = append(out, k)
			}
		}
		return nil
	})
	return out, err
}

// FindDuplicate looks for an existing key matching candidate on the
// equality criterion equal implements.
func (s *Store) FindDuplicate(candidate Key) (Key, bool, error) {
	var (
		found Key
		ok    bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		keys, err := s.allKeys(tx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if k.equal(candidate) {
				found, ok = k, true
				return nil
			}
		}
		return nil
	})
	return found, ok, err
}

// DeleteForImageIds removes keys under a purge policy flag: when
// purgeEmpty is true, the key recorded under each given image id is
// deleted, without checking whether other images still use it; when
// it is false, nothing is deleted.
func (s *Store) DeleteForImageIds(imageIDs []string, purgeEmpty bool) error {
	if !purgeEmpty {
		return nil
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		for _, imageID := range imageIDs {
			id, err := tx.Get(kKeyByImage(imageID))
			if err == buntdb.ErrNotFound {
				continue
			} else if err != nil {
				return err
			}
			if _, err := tx.Delete(kKey(id)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
			if _, err := tx.Delete(kKeyByImage(imageID)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetByImageID(imageID string) (Key, bool, error) {
	var (
		k     Key
		found bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		id, err := tx.Get(kKeyByImage(imageID))
		if err == buntdb.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		raw, err := tx.Get(kKey(id))
		if err != nil {
			return err
		}
		found = true
		return json.UnmarshalFromString(raw, &k)
	})
	return k, found, err
}
