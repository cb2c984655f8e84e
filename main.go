package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	roomapi "sketchboard-server/handlers/api/rooms"
	"sketchboard-server/handlers/websocket"
	"sketchboard-server/rooms"
	"sketchboard-server/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

func setupRouter(registry *rooms.Registry) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if origin == "" {
				return false
			}

			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}

			switch parsed.Scheme {
			case "http", "https":
				switch parsed.Hostname() {
				case "localhost", "127.0.0.1", "[::1]":
					return true
				}
			}

			return false
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	r.Use(cors.Handler(corsOptions))

	r.Route("/api/rooms", func(r chi.Router) {
		r.Post("/", roomapi.HandleCreateRoom(registry))
		r.Get("/", roomapi.HandleListRooms(registry))
		r.Route("/{roomId}", func(r chi.Router) {
			r.Post("/edits", roomapi.HandleAppendEdits(registry))
			r.Get("/edits", roomapi.HandleGetUpdates(registry))
			r.Get("/snapshot", roomapi.HandleGetSnapshot(registry))
			r.Put("/snapshot", roomapi.HandlePutSnapshot(registry))
		})
	})

	return r
}

// envDuration reads a whole-seconds duration from the environment, falling
// back when unset or unparsable.
func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		logrus.WithFields(logrus.Fields{
			"name":  name,
			"value": raw,
		}).Warn("Ignoring invalid duration override")
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func waitForShutdown(registry *rooms.Registry, ioo *socketio.Server) {
	exit := make(chan struct{})
	SignalC := make(chan os.Signal, 1)

	signal.Notify(SignalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range SignalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	logrus.Info("Shutting down")
	ioo.Close(nil)
	registry.Close()
	os.Exit(0)
}

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	logLevel := flag.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", ":3002", "Set the server listen address")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)

	registry := rooms.NewRegistry(rooms.Options{
		Store:        stores.GetStore(),
		SaveInterval: envDuration("SAVE_INTERVAL_SECONDS", rooms.DefaultSaveInterval),
		IdleTimeout:  envDuration("IDLE_TIMEOUT_SECONDS", rooms.DefaultIdleTimeout),
	})

	r := setupRouter(registry)
	ioo := websocket.SetupSocketIO(registry)
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	logrus.WithField("addr", *listenAddr).Info("starting server")
	go func() {
		if err := http.ListenAndServe(*listenAddr, r); err != nil {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(registry, ioo)
}
