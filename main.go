package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-server/auth"
	"collab-server/config"
	"collab-server/core"
	"collab-server/handlers/api/presence"
	"collab-server/handlers/websocket"
	authmw "collab-server/middleware"
	"collab-server/session"
	"collab-server/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

func setupRouter(cfg *config.Config, coord *session.Coordinator, verifier *auth.Verifier) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowedOrigins: []string{"tauri://localhost"},
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if origin == "" {
				return false
			}
			if cfg.FrontendURL != "" && origin == cfg.FrontendURL {
				return true
			}

			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}

			switch parsed.Scheme {
			case "http", "https":
				switch parsed.Hostname() {
				case "localhost", "127.0.0.1", "::1":
					return true
				}
			case "tauri":
				return parsed.Hostname() == "localhost"
			}

			return false
		},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	r.Use(cors.Handler(corsOptions))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]any{
			"status":      "ok",
			"connections": coord.Connections(),
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(authmw.AuthJWT(verifier))
		r.Get("/documents", presence.HandleListDocuments(coord.Registry(), coord.Authorizer()))
		r.Get("/documents/{documentId}/presence", presence.HandleGetPresence(coord.Registry(), coord.Authorizer()))
	})

	return r
}

func waitForShutdown(server *http.Server, ioo *socketio.Server, store core.DocumentStore) {
	exit := make(chan struct{})
	signalC := make(chan os.Signal, 1)

	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range signalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	logrus.Info("Shutting down...")

	// Closing the socket server fires disconnect for every socket, which
	// announces departures before the listener goes away.
	ioo.Close(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server shutdown")
	}

	if closer, ok := store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close document store")
		}
	}
}

func main() {
	// Define a log level flag
	logLevel := flag.String("loglevel", "", "Set the logging level: debug, info, warn, error, fatal, panic (overrides LOG_LEVEL)")
	listenAddr := flag.String("listen", "", "Set the server listen address (overrides LISTEN_ADDR)")
	envFile := flag.String("env", ".env", "Optional dotenv file loaded before reading the environment")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	// Set the log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		logrus.WithError(err).Fatal("JWT_SECRET must be set")
	}

	documentStore, err := stores.GetStore(context.Background(), cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize document store")
	}

	coord := session.NewCoordinator(
		session.NewAuthority(documentStore),
		session.NewMemoryRegistry(),
		session.Options{MaxPayloadBytes: cfg.MaxUpdateBytes},
	)

	r := setupRouter(cfg, coord, verifier)
	ioo := websocket.SetupSocketIO(coord, verifier, websocket.Options{
		MaxUpdateBytes: cfg.MaxUpdateBytes,
		QueueSize:      cfg.OutboundQueueSize,
		FrontendURL:    cfg.FrontendURL,
	})
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.WithField("addr", cfg.ListenAddr).Info("starting server")
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(server, ioo, documentStore)
}
