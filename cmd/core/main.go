// Command core runs the offline-first progress & synchronization engine as a
// local daemon: it owns the durable store, exposes the engine operations over
// a localhost HTTP surface, and pushes status events over a websocket feed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nexlearn/offline/internal/cache"
	"github.com/nexlearn/offline/internal/config"
	"github.com/nexlearn/offline/internal/db"
	"github.com/nexlearn/offline/internal/logging"
	"github.com/nexlearn/offline/internal/models"
	"github.com/nexlearn/offline/internal/progress"
	"github.com/nexlearn/offline/internal/queue"
	enginesync "github.com/nexlearn/offline/internal/sync"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Options{LogFile: cfg.LogFile, Debug: cfg.Debug})
	defer logging.Sync()
	logging.Info("offline engine starting", zap.String("version", Version))

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		logging.Error("failed to open store", zap.Error(err))
		os.Exit(1)
	}
	defer database.Close()

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	q := queue.New(repo, queue.Options{
		MaxRetries:  cfg.Sync.MaxRetries,
		GraceWindow: cfg.Sync.GraceWindow,
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffCap:  cfg.Sync.BackoffCap,
		Capacity:    cfg.Sync.QueueCapacity,
	})
	defer q.Stop()

	dataCache := cache.New(repo)
	tracker := progress.NewTracker(repo, q)
	client := enginesync.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout)
	engine := enginesync.NewEngine(repo, q, dataCache, tracker, client, enginesync.Options{
		RefreshTTL: cfg.Cache.DefaultTTL,
	})

	hub := NewWSHub()
	go hub.Run()
	engine.OnEvent(hub.Publish)

	// Periodic drains while online for every registered user with work left.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Sync.CronSchedule, engine.SyncPending); err != nil {
		logging.Error("bad sync schedule", zap.String("schedule", cfg.Sync.CronSchedule), zap.Error(err))
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: routes(engine, hub),
	}

	go func() {
		logging.Info("status surface listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("http server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logging.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// routes wires the engine operations onto the localhost surface.
func routes(engine *enginesync.Engine, hub *WSHub) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", hub.ServeWS)

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"online":    engine.Online(),
			"status":    engine.Status(userID),
			"pending":   engine.PendingCount(userID),
			"last_sync": engine.LastSync(userID),
		})
	})

	mux.HandleFunc("/online", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Online bool `json:"online"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		engine.SetOnline(body.Online)
		writeJSON(w, http.StatusOK, map[string]interface{}{"online": body.Online})
	})

	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		result, err := engine.SyncNow(r.Context(), userID)
		if err != nil {
			writeJSON(w, http.StatusConflict, map[string]interface{}{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("/conflicts", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		conflicts, err := engine.Conflicts(userID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, conflicts)
	})

	mux.HandleFunc("/enroll", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID   string `json:"user_id"`
			CourseID string `json:"course_id"`
		}
		if !decodePost(w, r, &body) {
			return
		}
		id := engine.Enroll(body.UserID, body.CourseID)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"action_id": id})
	})

	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := r.URL.Query().Get("user_id")
		var payload models.ProfileEditPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id := engine.EditProfile(userID, payload)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"action_id": id})
	})

	mux.HandleFunc("/lessons/position", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID         string  `json:"user_id"`
			CourseID       string  `json:"course_id"`
			LessonID       string  `json:"lesson_id"`
			Position       int     `json:"position"`
			WatchedPercent float64 `json:"watched_percent"`
			TimeDelta      int64   `json:"time_delta"`
		}
		if !decodePost(w, r, &body) {
			return
		}
		engine.UpdatePosition(body.UserID, body.CourseID, body.LessonID,
			body.Position, body.WatchedPercent, body.TimeDelta)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"completion": engine.CompletionPercentage(body.UserID, body.CourseID),
		})
	})

	mux.HandleFunc("/lessons/complete", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID   string `json:"user_id"`
			CourseID string `json:"course_id"`
			LessonID string `json:"lesson_id"`
		}
		if !decodePost(w, r, &body) {
			return
		}
		engine.CompleteLesson(body.UserID, body.CourseID, body.LessonID)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"completion": engine.CompletionPercentage(body.UserID, body.CourseID),
		})
	})

	mux.HandleFunc("/lessons/notes", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID   string      `json:"user_id"`
			CourseID string      `json:"course_id"`
			LessonID string      `json:"lesson_id"`
			Note     models.Note `json:"note"`
		}
		if !decodePost(w, r, &body) {
			return
		}
		engine.AddNote(body.UserID, body.CourseID, body.LessonID, body.Note)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/lessons/bookmarks", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID   string          `json:"user_id"`
			CourseID string          `json:"course_id"`
			LessonID string          `json:"lesson_id"`
			Bookmark models.Bookmark `json:"bookmark"`
		}
		if !decodePost(w, r, &body) {
			return
		}
		engine.AddBookmark(body.UserID, body.CourseID, body.LessonID, body.Bookmark)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/quizzes/submit", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID    string              `json:"user_id"`
			CourseID  string              `json:"course_id"`
			QuizID    string              `json:"quiz_id"`
			Answers   []models.QuizAnswer `json:"answers"`
			TimeSpent int64               `json:"time_spent"`
		}
		if !decodePost(w, r, &body) {
			return
		}
		result, err := engine.SubmitQuiz(body.UserID, body.CourseID, body.QuizID, body.Answers, body.TimeSpent)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":  err.Error(),
				"result": result,
			})
			return
		}
		writeJSON(w, http.StatusAccepted, result)
	})

	mux.HandleFunc("/progress", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		courseID := r.URL.Query().Get("course_id")
		rec := engine.ProgressRecord(userID, courseID)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"record":     rec,
			"completion": rec.OverallProgress(),
		})
	})

	mux.HandleFunc("/cache", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		key := r.URL.Query().Get("key")
		data, stale, ok := engine.CachedReference(userID, key)
		if !ok {
			http.Error(w, "not cached", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data":  data,
			"stale": stale,
		})
	})

	mux.HandleFunc("/conflicts/resolve", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			ConflictID string                    `json:"conflict_id"`
			Strategy   models.ResolutionStrategy `json:"strategy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := engine.ResolveConflict(r.Context(), body.ConflictID, body.Strategy); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"resolved": body.ConflictID})
	})

	return mux
}

// decodePost enforces POST and decodes the JSON body into v.
func decodePost(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
