package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/moodlens/internal/app"
	"github.com/ayusman/moodlens/internal/config"
	"github.com/ayusman/moodlens/internal/hook"
	"github.com/ayusman/moodlens/internal/logging"
	"github.com/ayusman/moodlens/internal/render"
	"github.com/ayusman/moodlens/internal/server"
	"github.com/ayusman/moodlens/internal/store"
	"github.com/ayusman/moodlens/internal/track"
	"github.com/ayusman/moodlens/internal/tray"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "moodlens: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Options{
		Level: cfg.LogLevel,
		Dir:   cfg.LogDir,
		Env:   cfg.Env,
	})
	if err != nil {
		return err
	}
	log.Info("MoodLens - live face overlay")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	if n, err := st.Sessions().MarkInterrupted(); err != nil {
		log.WithError(err).Warn("failed to mark interrupted sessions")
	} else if n > 0 {
		log.WithField("count", n).Info("marked interrupted sessions as failed")
	}

	if cfg.SessionRetention > 0 {
		n, err := st.Sessions().DeleteEndedBefore(time.Now().Add(-cfg.SessionRetention))
		if err != nil {
			log.WithError(err).Warn("failed to prune old sessions")
		} else if n > 0 {
			log.WithField("count", n).Info("pruned old sessions")
		}
	}

	hooks := hook.NewManager(cfg.HookDir, log)
	if err := hooks.Discover(); err != nil {
		log.WithError(err).Warn("failed to discover hooks")
	}
	log.WithField("count", len(hooks.List())).Info("hooks discovered")
	dispatcher := hook.NewDispatcher(hooks, hook.NewExecutor(cfg.HookTimeout), cfg.HookRate, log)
	defer dispatcher.Close()

	canvas := render.NewCanvas()
	defer canvas.Close()
	overlay := render.NewBroadcaster(log)

	a := app.New(app.Config{
		Store:         st,
		Hooks:         dispatcher,
		Sink:          render.Fanout{canvas, overlay},
		Logger:        log,
		ModelDir:      cfg.ModelDir,
		DetectorKind:  cfg.Detector,
		ServiceScript: cfg.ServiceScript,
		CameraID:      cfg.CameraID,
		CameraFPS:     cfg.CameraFPS,
		CameraSize:    track.Size{Width: cfg.CameraWidth, Height: cfg.CameraHeight},
		Display:       track.Size{Width: cfg.DisplayWidth, Height: cfg.DisplayHeight},
		TickPeriod:    cfg.TickPeriod,
		Alpha:         cfg.SmoothingFactor,
		StaleAfter:    cfg.StaleAfter,
		MinMoodScore:  cfg.MinMoodScore,
	})

	if cfg.WebDir != "" {
		log.WithField("dir", cfg.WebDir).Info("serving static files")
	}
	srv := server.New(server.Config{
		StaticDir: cfg.WebDir,
		Store:     st,
		Hooks:     hooks,
		Pipeline:  a,
		Overlay:   overlay,
		Canvas:    canvas,
		Logger:    log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.Start(startCtx); err != nil {
		log.WithError(err).Error("failed to start pipeline, use the API to retry")
	}
	cancel()

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("starting server")
		errCh <- srv.ListenAndServe(cfg.HTTPAddr)
	}()

	if cfg.Tray {
		t := tray.New()
		t.OnToggle(a.SetEnabled)
		t.OnOpen(func() { openBrowser(log, cfg.HTTPAddr) })
		t.OnQuit(stop)
		a.OnMood(t.SetMood)
		go func() {
			<-ctx.Done()
			t.Quit()
		}()
		// systray needs the main goroutine on macOS.
		t.Run()
		stop()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
	}

	log.Info("shutting down")
	a.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	dispatcher.Wait()
	return err
}

func openBrowser(log logrus.FieldLogger, addr string) {
	url := "http://localhost" + addr
	if !strings.HasPrefix(addr, ":") {
		url = "http://" + addr
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		log.WithError(err).Warn("failed to open browser")
	}
}
