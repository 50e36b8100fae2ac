package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/api"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/config"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/constants"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/data"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/learning"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/pipeline"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.WithError(err).Error("Fail to run")
		os.Exit(1)
	}
}

// run 실패하면 정리를 마친 뒤 에러 반환
func run(args []string) error {
	flags := flag.NewFlagSet("learnapp", flag.ContinueOnError)
	configFile := flags.String("config", "", "Learning config file (.yaml or .toml)")
	stage := flags.String("stage", string(pipeline.StageAll), "Stage to run: scratch, bottleneck, top, fineTune or all")
	serve := flags.Bool("serve", false, "Run as model learning service")
	addr := flags.String("addr", constants.ListenAddr, "Listen address for service")
	modelsPath := flags.String("models", constants.ModelsPath, "Path for learned models")
	clsHost := flags.String("clshost", "clsapp:18080", "Model classification host to notify (empty to disable)")
	debug := flags.Bool("debug", false, "Debug logging")
	if err := flags.Parse(args); err != nil {
		return err
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return err
		}
	}

	s, err := pipeline.ParseStage(*stage)
	if err != nil {
		return err
	}

	var recorder pipeline.Recorder
	if cfg.HistoryDSN != "" {
		m, err := data.New(cfg.HistoryDSN)
		if err != nil {
			return err
		}
		defer m.Destroy()
		recorder = m
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serve {
		return runService(ctx, cfg, recorder, *addr, *modelsPath, *clsHost)
	}

	opts := []pipeline.Option{}
	if recorder != nil {
		opts = append(opts, pipeline.WithRecorder(recorder))
	}
	r, err := pipeline.New(cfg, opts...)
	if err != nil {
		return err
	}

	if err := r.Run(ctx, s); err != nil {
		return errors.Wrapf(err, "Fail to run stage %s (run %s)", s, r.RunID())
	}

	return nil
}

func runService(ctx context.Context, cfg config.Config, recorder pipeline.Recorder, addr, modelsPath, clsHost string) error {
	l, err := learning.New(learning.Config{
		ModelsPath: modelsPath,
		Base:       cfg,
		NotifyHost: clsHost,
		Recorder:   recorder,
		Logger:     log.StandardLogger(),
	})
	if err != nil {
		return err
	}
	defer l.Destroy()

	server := &http.Server{
		Addr:    addr,
		Handler: api.NewRouter(&api.APIs{L: l}),
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	log.WithField("addr", addr).Info("Learning service started")

	select {
	case err := <-serveErr:
		return errors.Wrap(err, "Fail to serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Fail to shutdown server")
	}
	log.Info("Learning service stopped")

	return nil
}
