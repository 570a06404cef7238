package boxapi

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/slicebox/slicebox/box"
	"github.com/slicebox/slicebox/dicom"
	"github.com/slicebox/slicebox/event"
	"github.com/slicebox/slicebox/internal/config"
	"github.com/slicebox/slicebox/internal/nlog"
	"github.com/slicebox/slicebox/internal/xerr"
	"github.com/slicebox/slicebox/metrics"
	"github.com/slicebox/slicebox/store"
	"github.com/slicebox/slicebox/transfer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var log = nlog.New("boxapi")

// Server bundles the collaborators the five peer-facing handlers need.
// None of its fields is optional except OnPoll, Events, Metrics and
// Dedup, which are nil-checked before use.
type Server struct {
	Boxes   *box.Store
	Storage store.Backend
	Keys    *dicom.KeyService
	Meta    dicom.MetadataSink
	Parser  dicom.Parser
	Encoder dicom.Encoder
	Metrics *metrics.Metrics
	Events  *event.Bus

	Profiles       map[string]dicom.Profile
	DefaultProfile string
	Contexts       []config.ValidationContext

	// OnPoll, when set, is invoked with the box id on every successful
	// GET /outgoing/poll hit -- the supervisor's lastPollPerBox tracking
	// point for refreshing a POLL box's online flag,
	// kept out of this package so boxapi never depends on sup.
	OnPoll func(boxID string)

	// Dedup, when set, fast-rejects replayed incoming triples ahead of
	// the database round-trip. Optional: UpdateIncoming's
	// uniqueness index is correct without it.
	Dedup *transfer.Dedup
}

func (s *Server) profileFor(b box.Box) dicom.Profile {
	if b.Profile != "" {
		if p, ok := s.Profiles[b.Profile]; ok {
			return p
		}
	}
	return s.Profiles[s.DefaultProfile]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encode response: %v", err)
	}
}

// writeErr maps an error's xerr category onto a response code,
// defaulting validation/fatal/transient through xerr.HTTPStatus.
// Callers that already know a condition is a 404 (unknown
// transaction/image) write it directly instead of routing through
// here.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	if s.Metrics != nil {
		s.Metrics.PipelineFailures.WithLabelValues(kindLabel(err)).Inc()
	}
	http.Error(w, err.Error(), xerr.HTTPStatus(err))
}

func kindLabel(err error) string {
	switch xerr.KindOf(err) {
	case xerr.KindValidation:
		return "validation"
	case xerr.KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}
