// Package sup is the process-wide supervisor: one
// transfer.Outgoing worker per known PUSH box, a periodic status tick
// that refreshes POLL boxes' online flag and demotes stalled
// transactions, and the box lifecycle hooks (spawn on insert, stop the
// worker on remove). Start spawns the workers and registers the tick;
// Stop or a context cancellation stops them.
package sup

import (
	"context"
	"sync"
	"time"

	"github.com/slicebox/slicebox/box"
	"github.com/slicebox/slicebox/dicom"
	"github.com/slicebox/slicebox/internal/config"
	"github.com/slicebox/slicebox/internal/hk"
	"github.com/slicebox/slicebox/internal/nlog"
	"github.com/slicebox/slicebox/store"
	"github.com/slicebox/slicebox/transfer"
)

var log = nlog.New("sup")

// Supervisor owns the set of running per-box outgoing workers and the
// periodic box/transaction status refresh.
type Supervisor struct {
	Boxes   *box.Store
	Storage store.Backend
	Keys    *dicom.KeyService
	Parser  dicom.Parser
	Encoder dicom.Encoder

	Profiles       map[string]dicom.Profile
	DefaultProfile string

	Housekeeper *hk.Housekeeper
	Cfg         *config.Config

	mu           sync.Mutex
	cancelByBox  map[string]context.CancelFunc
	lastPollMu   sync.Mutex
	lastPollTime map[string]int64
}

func New(boxes *box.Store, storage store.Backend, keys *dicom.KeyService, parser dicom.Parser, encoder dicom.Encoder, profiles map[string]dicom.Profile, defaultProfile string, hkr *hk.Housekeeper, cfg *config.Config) *Supervisor {
	return &Supervisor{
		Boxes:          boxes,
		Storage:        storage,
		Keys:           keys,
		Parser:         parser,
		Encoder:        encoder,
		Profiles:       profiles,
		DefaultProfile: defaultProfile,
		Housekeeper:    hkr,
		Cfg:            cfg,
		cancelByBox:    make(map[string]context.CancelFunc),
		lastPollTime:   make(map[string]int64),
	}
}

// Start spawns a worker for every currently-registered PUSH box and
// registers the periodic status tick. Meant to run once at process
// startup, after every box already in the store has been loaded.
func (s *Supervisor) Start(ctx context.Context) error {
	boxes, err := s.Boxes.ListBoxes()
	if err != nil {
		return err
	}
	for _, b := range boxes {
		if b.Method == box.Push {
			s.spawn(ctx, b.ID)
		}
	}

	s.Housekeeper.Register("box-status", s.Cfg.StatusTick(), s.tick)
	return nil
}

// Stop cancels every running worker and unregisters the status tick.
func (s *Supervisor) Stop() {
	s.Housekeeper.Unregister("box-status")
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.cancelByBox {
		cancel()
		delete(s.cancelByBox, id)
	}
}

func (s *Supervisor) spawn(ctx context.Context, boxID string) {
	s.mu.Lock()
	if _, running := s.cancelByBox[boxID]; running {
		s.mu.Unlock()
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	s.cancelByBox[boxID] = cancel
	s.mu.Unlock()

	out := transfer.NewOutgoing(boxID, s.Boxes, s.Storage, s.Keys, s.Parser, s.Encoder, s.Profiles, s.DefaultProfile)
	out.RequestTimeout = s.Cfg.HTTPClientTimeout()
	go out.Run(workerCtx)
}

// OnBoxInserted spawns a PUSH worker for a newly created box. POLL
// boxes need no worker; they are served passively by boxapi's
// poll/bytes/done handlers.
func (s *Supervisor) OnBoxInserted(ctx context.Context, b box.Box) {
	if b.Method == box.Push {
		s.spawn(ctx, b.ID)
	}
}

// OnBoxDeleted stops the box's worker, if any, and forgets its last
// poll time. The box.Store.DeleteBox cascade (outgoing transactions,
// images, tag overrides) is the caller's responsibility; this only
// tears down the in-process worker.
func (s *Supervisor) OnBoxDeleted(boxID string) {
	s.mu.Lock()
	if cancel, ok := s.cancelByBox[boxID]; ok {
		cancel()
		delete(s.cancelByBox, boxID)
	}
	s.mu.Unlock()

	s.lastPollMu.Lock()
	delete(s.lastPollTime, boxID)
	s.lastPollMu.Unlock()
}

// OnPoll records that boxID issued a successful GET /outgoing/poll
// just now, wired as boxapi.Server.OnPoll. A POLL box's online flag is
// re-derived from this against BoxOnlineTimeout on every status tick,
// rather than updated per-attempt like PUSH boxes.
func (s *Supervisor) OnPoll(boxID string) {
	s.lastPollMu.Lock()
	defer s.lastPollMu.Unlock()
	s.lastPollTime[boxID] = time.Now().UnixMilli()
}

func (s *Supervisor) tick() {
	s.lastPollMu.Lock()
	snapshot := make(map[string]int64, len(s.lastPollTime))
	for k, v := range s.lastPollTime {
		snapshot[k] = v
	}
	s.lastPollMu.Unlock()

	err := s.Boxes.UpdateStatusForBoxesAndTransactions(
		time.Now(), snapshot, s.Cfg.BoxOnlineTimeout(), s.Cfg.ProcessingStallTimeout())
	if err != nil {
		log.Errorf("status tick: %v", err)
	}
}
