package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"viva/voiceloop/internal/api"
	"viva/voiceloop/internal/bridge"
	"viva/voiceloop/internal/chat"
	"viva/voiceloop/internal/config"
	"viva/voiceloop/internal/health"
	"viva/voiceloop/internal/logger"
	"viva/voiceloop/internal/loop"
	"viva/voiceloop/internal/store"
	"viva/voiceloop/internal/stt"
	"viva/voiceloop/internal/tts"
)

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()
	lg, err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxAge:     cfg.Log.MaxAgeDays,
		MaxBackups: cfg.Log.MaxBackups,
	}, cfg.Log.Mode)
	if err != nil {
		panic(err)
	}
	defer lg.Sync()

	st := store.New()

	transcriber := stt.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout, lg)
	transcriber.SetAuthToken(cfg.Backend.APIToken)
	chatClient := chat.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout, lg)
	chatClient.SetAuthToken(cfg.Backend.APIToken)
	synth := tts.NewClient(cfg.Backend.BaseURL, cfg.Voice.Locale, cfg.Backend.Timeout, lg)
	synth.SetAuthToken(cfg.Backend.APIToken)
	status := tts.NewStatusClient(cfg.Backend.BaseURL, cfg.Backend.Timeout, cfg.Backend.StatusTTL, lg)
	status.SetAuthToken(cfg.Backend.APIToken)

	loops := loop.NewManager(loop.Deps{
		Journal:         st,
		Sessions:        st,
		Transcriber:     transcriber,
		Chat:            chatClient,
		Synth:           synth,
		VoiceStatus:     status,
		Logger:          lg,
		VAD:             cfg.Detector(),
		TickInterval:    cfg.VAD.TickInterval,
		StopTimeout:     cfg.Bridge.CommandTimeout,
		SettleDelay:     cfg.Turn.SettleDelay,
		ChatErrorText:   cfg.Turn.ChatErrorText,
		Locale:          cfg.Voice.Locale,
		RecognitionLang: cfg.Voice.RecognitionLang,
		Rate:            cfg.Voice.Rate,
		SpokenMemory:    cfg.Voice.SpokenMemory,
	})

	reg := bridge.NewRegistry()
	bs := &bridge.Server{
		Secret:         cfg.Bridge.TokenSecret,
		SkewSecs:       cfg.Bridge.TokenSkewSecs,
		CommandTimeout: cfg.Bridge.CommandTimeout,
		Store:          st,
		Reg:            reg,
		Loops:          loops,
		Logger:         lg,
	}

	h := api.NewHandlers(cfg, st, loops, reg, health.NewChecker(cfg), lg)
	mux := http.NewServeMux()
	mux.Handle("/", api.NewRouter(h))
	mux.HandleFunc("/ws/page", bs.HandlePage)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(lg, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lg.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutdown signal received; stopping server")
		// Stop conversations before draining HTTP so pages see a clean close
		loops.CloseAll()
		reg.CloseAll("server shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		lg.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func logMiddleware(lg *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		lg.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}
