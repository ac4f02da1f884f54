// Voxroom - real-time voice companion orchestration server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/voxalabs/voxroom/internal/api"
	"github.com/voxalabs/voxroom/internal/config"
	"github.com/voxalabs/voxroom/internal/convlog"
	"github.com/voxalabs/voxroom/internal/dispatcher"
	"github.com/voxalabs/voxroom/internal/domain"
	"github.com/voxalabs/voxroom/internal/events"
	"github.com/voxalabs/voxroom/internal/game"
	"github.com/voxalabs/voxroom/internal/llm"
	"github.com/voxalabs/voxroom/internal/memory"
	"github.com/voxalabs/voxroom/internal/middleware"
	"github.com/voxalabs/voxroom/internal/prompt"
	"github.com/voxalabs/voxroom/internal/silence"
	"github.com/voxalabs/voxroom/internal/store"
	"github.com/voxalabs/voxroom/internal/transport"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	globalPath := ""
	if cfg.ConversationLog.GlobalEnabled {
		globalPath = cfg.ConversationLog.GlobalPath
	}
	convLogger, err := convlog.New(convlog.Config{
		Enabled:    cfg.ConversationLog.Enabled,
		Dir:        cfg.ConversationLog.Dir,
		GlobalFile: globalPath,
		QueueSize:  cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := convLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Initialize services.
	registry := config.NewAgentRegistry(cfg.ConfigDir)
	if agents := registry.LoadAll(); len(agents) == 0 {
		slog.Warn("No agent personas configured", "config_dir", cfg.ConfigDir)
	}

	control := transport.NewClient(cfg.Platform, logger)
	completer := llm.NewClient(cfg.LLMTimeout, logger)
	composer := prompt.NewComposer(cfg.ConfigDir, logger)
	engine := game.NewEngine(repo, cfg.ConfigDir, logger)
	judge := game.NewJudge(repo, completer, control, registry, cfg.ConfigDir, logger)
	evolver := memory.NewManager(repo, completer, control, composer, registry, logger)

	// The silence ladder drives proactive speech: a game room gets a
	// hint, everything else gets the persona's proactive line.
	escalator := silence.NewEscalator(silence.Config{}, func(ev silence.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		speakProactively(ctx, ev, engine, composer, control, convLogger)
	}, logger)
	defer escalator.Close()

	dispatch := dispatcher.New(engine, composer, registry, control, repo, escalator, logger)

	// Initialize handlers.
	agentHandler := api.NewAgentHandler(repo, dispatch, judge, engine, composer, registry, control, evolver, convLogger, logger)
	gateway := events.NewGateway(repo, escalator, convLogger, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	agentHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/events", gateway.ServeHTTP)

	// Create server.
	// WriteTimeout stays 0: the event relay holds its connection open.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start TTL worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	game.StartTTLWorker(ctx, repo, cfg.SessionTTL)
	slog.Info("TTL worker started", "session_ttl", cfg.SessionTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// speakProactively handles one fired silence level. A "[TTS]" prefix
// reads the text verbatim; anything else steers the agent's LLM.
func speakProactively(ctx context.Context, ev silence.Event, engine *game.Engine, composer *prompt.Composer, control transport.AgentControl, convLogger convlog.Logger) {
	text := ""
	if ev.Scene == domain.SceneGame && (ev.Level == domain.SilenceMedium || ev.Level == domain.SilenceLong) {
		hint, err := engine.HintStrategy(ctx, ev.RoomID, ev.Level)
		if err != nil {
			slog.Error("Hint strategy failed", "room_id", ev.RoomID, "error", err)
		} else {
			text = hint
		}
	}
	if text == "" {
		overrides := prompt.Vars{}
		if ev.GameType != "" {
			overrides["GAME_TYPE"] = string(ev.GameType)
		}
		text = composer.ProactivePrompt(ev.AgentID, ev.Scene, string(ev.Level), overrides)
	}
	if text == "" {
		return
	}

	var err error
	spoken := text
	if verbatim, ok := strings.CutPrefix(text, "[TTS]"); ok {
		spoken = verbatim
		err = control.SendAgentTTS(ctx, ev.InstanceID, verbatim, transport.SpeakOptions{})
	} else {
		err = control.SendAgentLLM(ctx, ev.InstanceID, text, transport.SpeakOptions{})
	}
	if err != nil {
		slog.Error("Proactive speech failed", "room_id", ev.RoomID, "level", ev.Level, "error", err)
		return
	}

	convLogger.Log(convlog.Event{
		RoomID:    ev.RoomID,
		AgentID:   ev.AgentID,
		Role:      "system",
		EventType: "proactive_" + string(ev.Level),
		Content:   spoken,
	})
	slog.Info("Proactive speech delivered", "room_id", ev.RoomID, "level", ev.Level)
}
