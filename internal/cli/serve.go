package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"batchd/internal/backend/toy"
	"batchd/internal/config"
	"batchd/internal/dispatch"
	"batchd/internal/httpapi"
	"batchd/internal/service"
)

const shutdownTimeout = 5 * time.Second

// serve runs the dispatcher and the HTTP server until ctx is cancelled or
// either of them fails.
func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	model, err := toy.New(toy.Config{
		VocabSize: cfg.Backend.VocabSize,
		MaxSeqLen: cfg.Backend.MaxSeqLen,
		EOS:       dispatch.Token(cfg.Backend.EOS),
		StepDelay: time.Duration(cfg.Backend.StepDelayMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	args := dispatch.SampleArgs{
		Temperature: cfg.Sampling.Temperature,
		TopK:        cfg.Sampling.TopK,
		TopP:        cfg.Sampling.TopP,
		Seed:        cfg.Sampling.Seed,
	}
	if err := args.Validate(); err != nil {
		return err
	}

	cmds := make(chan dispatch.Command)
	d := dispatch.New[*toy.Cache, *toy.Logits](model, dispatch.NewSampling(args), dispatch.Config{
		ControlBuffer: cfg.Dispatch.ControlBuffer,
		MaxBatch:      cfg.Dispatch.MaxBatch,
		Logger:        &log,
	})
	svc := service.New(dispatch.NewClient(cmds), d, service.Options{
		VocabSize: cfg.Backend.VocabSize,
		MaxSeqLen: cfg.Backend.MaxSeqLen,
	}, log)

	g, gctx := errgroup.WithContext(ctx)

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetBaseContext(gctx)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetInferTimeoutSeconds(int64(cfg.InferTimeoutSeconds))
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error { return d.Run(gctx, cmds) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("batchd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown error")
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		log.Error().Err(err).Msg("batchd stopped")
		return err
	}
	log.Info().Msg("batchd stopped")
	return nil
}
