// Command sliceboxd is a thin development entrypoint:
// it wires every package in this module together and mounts boxapi's
// handlers on a plain net/http.ServeMux for local testing. Routing
// itself, a real DICOM codec, and a production process supervisor are
// all out of scope for this module; an embedding application is
// expected to supply its own router and dicom.Parser/dicom.Encoder.
package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/slicebox/slicebox/anon"
	"github.com/slicebox/slicebox/box"
	"github.com/slicebox/slicebox/boxapi"
	"github.com/slicebox/slicebox/dicom"
	"github.com/slicebox/slicebox/event"
	"github.com/slicebox/slicebox/internal/config"
	"github.com/slicebox/slicebox/internal/hk"
	"github.com/slicebox/slicebox/internal/nlog"
	"github.com/slicebox/slicebox/metrics"
	"github.com/slicebox/slicebox/store"
	"github.com/slicebox/slicebox/sup"
)

var log = nlog.New("sliceboxd")

// nopCodec is a placeholder dicom.Parser/dicom.Encoder for local
// wiring demonstration only -- it does not decode or encode DICOM part
// streams at all, since that decoding is explicitly out of scope for
// this module. A real deployment must supply its own codec.
type nopCodec struct{}

func (nopCodec) Parse(r io.Reader) (dicom.MetaPart, []dicom.Part, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return dicom.MetaPart{}, nil, err
	}
	return dicom.MetaPart{}, nil, nil
}

func (nopCodec) Encode(w io.Writer, meta dicom.MetaPart, parts []dicom.Part) error {
	return nil
}

type logMetaSink struct{}

func (logMetaSink) Receive(imageID string, parts []dicom.Part) error {
	log.Infof("metadata recorded for image %s (%d parts)", imageID, len(parts))
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to a slicebox JSON config file")
	addr := flag.String("addr", ":8090", "address to listen on for the peer wire contract")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("load config: %v", err)
		os.Exit(1)
	}

	boxes, err := box.Open(cfg.PersistencePath)
	if err != nil {
		log.Errorf("open box store: %v", err)
		os.Exit(1)
	}
	defer boxes.Close()

	// buntdb locks its backing file, so the anonymization-key table
	// gets its own file alongside the box/transaction one rather than
	// sharing cfg.PersistencePath directly.
	keyStore, err := anon.Open(cfg.PersistencePath + ".anon")
	if err != nil {
		log.Errorf("open anonymization key store: %v", err)
		os.Exit(1)
	}
	defer keyStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, cfg)
	if err != nil {
		log.Errorf("open storage backend: %v", err)
		os.Exit(1)
	}

	keys := dicom.NewKeyService(keyStore)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	bus := event.New()
	hkr := hk.New()
	go hkr.Run()
	defer hkr.Stop()

	s := sup.New(boxes, backend, keys, nopCodec{}, nopCodec{}, dicom.Profiles, cfg.DefaultAnonymizationProfile, hkr, cfg)
	if err := s.Start(ctx); err != nil {
		log.Errorf("start supervisor: %v", err)
		os.Exit(1)
	}
	defer s.Stop()

	if sweeper, ok := backend.(interface{ SweepTemp() error }); ok {
		hkr.Register("temp-sweep", cfg.TempSweepTick(), func() {
			if err := sweeper.SweepTemp(); err != nil {
				log.Warnf("temp sweep: %v", err)
			}
		})
	}

	srv := &boxapi.Server{
		Boxes:          boxes,
		Storage:        backend,
		Keys:           keys,
		Meta:           logMetaSink{},
		Parser:         nopCodec{},
		Encoder:        nopCodec{},
		Metrics:        m,
		Events:         bus,
		Profiles:       dicom.Profiles,
		DefaultProfile: cfg.DefaultAnonymizationProfile,
		Contexts:       cfg.ValidationContexts,
		OnPoll:         s.OnPoll,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/outgoing/poll", srv.OutgoingPoll)
	mux.HandleFunc("/outgoing", srv.OutgoingBytes)
	mux.HandleFunc("/outgoing/done", srv.OutgoingDone)
	mux.HandleFunc("/outgoing/failed", srv.OutgoingFailed)
	mux.HandleFunc("/incoming", srv.Incoming)

	httpSrv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		log.Infof("listening on %s", *addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Infoln("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPClientTimeout())
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}
