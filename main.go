package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/openpim/syncbridge/internal/bridge"
	"github.com/openpim/syncbridge/internal/events"
	"github.com/openpim/syncbridge/internal/registry"
	"github.com/openpim/syncbridge/internal/registry/inmem"
	"github.com/openpim/syncbridge/internal/session"
	"github.com/openpim/syncbridge/internal/state"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type SessionRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
}

type FreeBusyRequest struct {
	Busy       []bridge.BusyInterval `json:"busy"`
	RangeStart time.Time             `json:"range_start" binding:"required"`
	RangeEnd   time.Time             `json:"range_end" binding:"required"`
	DataStart  time.Time             `json:"data_start"`
	DataEnd    time.Time             `json:"data_end"`
}

func main() {
	jwtSecret := []byte(envOr("JWT_SECRET", "dev-secret"))
	dataRoot := envOr("DATA_ROOT", "data")
	listenAddr := envOr("LISTEN_ADDR", ":8080")

	if err := os.MkdirAll(dataRoot, 0755); err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// The backend registry adapter is injected here. The demo backend is
	// the in-memory one; a real deployment swaps in its own adapter.
	backend, mail := demoBackend()

	driver, err := bridge.NewDriver(bridge.Config{
		Registry:       backend,
		Mail:           mail,
		RecipientCache: true,
		Logger:         logger,
	})
	if err != nil {
		log.Fatal(err)
	}

	var publisher session.Publisher
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		p, err := events.NewPublisher(natsURL)
		if err != nil {
			log.Fatal(err)
		}
		defer p.Close()
		publisher = p
	}

	manager := session.NewManager(dataRoot, driver, publisher, logger)
	defer manager.StopAll()

	r := gin.Default()

	r.POST("/login", func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if req.Username != envOr("SYNC_USER", "demo") || req.Password != envOr("SYNC_PASS", "demo") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"user_id": req.Username,
			"exp":     time.Now().Add(time.Hour * 24).Unix(),
		})
		tokenString, err := token.SignedString(jwtSecret)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"token": tokenString})
	})

	authorized := r.Group("/")
	authorized.Use(authMiddleware(jwtSecret))

	authorized.GET("/folders", func(c *gin.Context) {
		folders, err := driver.FolderList(c.Request.Context())
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, registry.ErrAuthFailure) {
				status = http.StatusUnauthorized
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, folders)
	})

	authorized.GET("/folders/:id/changes", func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := c.GetString("user_id")
		folderID := c.Param("id")
		deviceID := c.DefaultQuery("device_id", "web")

		folder, err := driver.FolderByID(ctx, folderID)
		if err != nil {
			var unknown *bridge.ErrUnknownFolder
			if errors.As(err, &unknown) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		from, _ := strconv.ParseInt(c.Query("from"), 10, 64)
		to, _ := strconv.ParseInt(c.Query("to"), 10, 64)
		if to == 0 {
			var ok bool
			if to, ok = driver.SyncStamp(ctx, folderID, from); !ok {
				c.JSON(http.StatusConflict, gin.H{"error": "cursor regression, full resync required"})
				return
			}
		}
		ping := c.Query("ping") == "1"
		cutoff := time.Now().AddDate(0, 0, -180)

		store, err := state.Open(filepath.Join(dataRoot, userID, "sync.db"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer store.Close()

		st, err := store.LoadFolderState(ctx, deviceID, folderID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		changes, err := driver.ServerChanges(ctx, folder, from, to, cutoff, ping, false, 100, &st)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, registry.ErrAuthFailure):
				status = http.StatusUnauthorized
			case errors.Is(err, registry.ErrStaleState), errors.Is(err, registry.ErrFolderGone):
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		if err := store.SaveFolderState(ctx, deviceID, folderID, st); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if changes == nil {
			changes = []bridge.ChangeRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"cursor": to, "changes": changes})
	})

	authorized.GET("/folders/:id/syncstamp", func(c *gin.Context) {
		last, _ := strconv.ParseInt(c.Query("last"), 10, 64)
		stamp, ok := driver.SyncStamp(c.Request.Context(), c.Param("id"), last)
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "cursor regression, full resync required"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stamp": stamp})
	})

	authorized.POST("/freebusy", func(c *gin.Context) {
		var req FreeBusyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		fb := &bridge.FreeBusy{
			DataStart: req.DataStart,
			DataEnd:   req.DataEnd,
			Busy:      req.Busy,
		}
		s, ok := bridge.BuildFbString(fb, req.RangeStart, req.RangeEnd)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no availability data"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"fb": s})
	})

	authorized.POST("/sessions", func(c *gin.Context) {
		var req SessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		// The runner must outlive the request.
		cfg := session.Config{UserID: c.GetString("user_id"), DeviceID: req.DeviceID}
		if err := manager.Start(context.Background(), cfg); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"status": "started"})
	})

	authorized.DELETE("/sessions/:device", func(c *gin.Context) {
		if err := manager.Stop(c.GetString("user_id"), c.Param("device")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "stopped"})
	})

	authorized.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"running": manager.Running()})
	})

	log.Fatal(r.Run(listenAddr))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func authMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		})
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		userID, ok := claims["user_id"].(string)
		if !ok || userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
			c.Abort()
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

// demoBackend seeds the in-memory registry so the server is usable
// without a real backend.
func demoBackend() (*inmem.Backend, *inmem.MailBackend) {
	backend := &inmem.Backend{
		APIs: []registry.Class{
			registry.ClassCalendar,
			registry.ClassContacts,
			registry.ClassTasks,
			registry.ClassNotes,
			registry.ClassEmail,
		},
		SeqSupport: map[registry.Class]bool{
			registry.ClassCalendar: true,
			registry.ClassContacts: true,
		},
		Sequences: map[string]int64{
			"calendar/": 1,
			"contacts/": 1,
		},
		IDs: map[string][]string{
			"calendar/": {"event-1", "event-2"},
			"contacts/": {"contact-1"},
			"tasks/":    {"task-1"},
			"notes/":    {"note-1"},
		},
		Recipients: []string{"alice@example.com", "bob@example.com"},
	}

	mail := &inmem.MailBackend{
		Boxes: []registry.Mailbox{
			{Name: "INBOX", Delim: '/', Label: "Inbox"},
			{Name: "Sent", Delim: '/'},
			{Name: "Trash", Delim: '/'},
			{Name: "Archive", Delim: '/'},
			{Name: "Archive/2025", Delim: '/'},
		},
		Specials: map[registry.Special]string{
			registry.SpecialSent:  "Sent",
			registry.SpecialTrash: "Trash",
		},
		Changes: map[string]registry.MessageChanges{
			"INBOX": {Added: []string{"101", "102"}},
		},
	}

	return backend, mail
}
