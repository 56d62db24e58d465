package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/cellscope/internal/classifier"
	"github.com/example/cellscope/internal/history"
	"github.com/example/cellscope/internal/intake"
	"github.com/example/cellscope/internal/session"
)

// MaxUploadSize is the default cap on uploaded image size.
const MaxUploadSize = 10 << 20

// multipartSlack covers boundaries and part headers around the file itself.
const multipartSlack = 64 << 10

const controllerKey = "session.controller"

// HistoryReader serves stored outcomes. A nil HistoryReader disables the
// results and metrics endpoints.
type HistoryReader interface {
	Get(ctx context.Context, sessionID, outcomeID string) (*history.Entry, error)
	Summary(ctx context.Context) (*history.MetricsSummary, error)
}

// Options tune the HTTP surface.
type Options struct {
	CookieName   string
	CookieMaxAge time.Duration
	SecureCookie bool
	// MaxUploadSize of 0 disables the cap.
	MaxUploadSize int64
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, store *session.Store, hist HistoryReader, opts Options) {
	if opts.CookieName == "" {
		opts.CookieName = "cellscope_session"
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")

	// Reads never create sessions; only the write endpoints below do.
	reads := api.Group("", lookupSession(store, opts))
	reads.GET("/state", func(c *gin.Context) {
		ctrl, ok := existingController(c)
		if !ok {
			c.JSON(http.StatusOK, newStateView("", session.State{Screen: session.ScreenIntake}))
			return
		}
		c.JSON(http.StatusOK, newStateView(ctrl.ID(), ctrl.Snapshot()))
	})

	reads.GET("/results/:id", func(c *gin.Context) {
		if hist == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "result history is disabled"})
			return
		}
		ctrl, ok := existingController(c)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		entry, err := hist.Get(c.Request.Context(), ctrl.ID(), c.Param("id"))
		if err != nil {
			if errors.Is(err, history.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}
		c.JSON(http.StatusOK, entry)
	})

	views := api.Group("", sessionMiddleware(store, opts))
	views.POST("/intake", func(c *gin.Context) {
		ctrl := controllerFrom(c)

		if opts.MaxUploadSize > 0 {
			if c.Request.ContentLength > opts.MaxUploadSize+multipartSlack {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
				return
			}
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxUploadSize+multipartSlack)
		}

		file, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if opts.MaxUploadSize > 0 && file.Size > opts.MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		if _, err := ctrl.SelectUpload(file); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "state": newStateView(ctrl.ID(), ctrl.Snapshot())})
			return
		}
		c.JSON(http.StatusOK, newStateView(ctrl.ID(), ctrl.Snapshot()))
	})

	views.POST("/submit", func(c *gin.Context) {
		ctrl := controllerFrom(c)
		if _, err := ctrl.Submit(); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "state": newStateView(ctrl.ID(), ctrl.Snapshot())})
			return
		}
		c.Header("Location", "/api/state")
		c.JSON(http.StatusAccepted, newStateView(ctrl.ID(), ctrl.Snapshot()))
	})

	views.POST("/reset", func(c *gin.Context) {
		ctrl := controllerFrom(c)
		ctrl.Reset()
		c.JSON(http.StatusOK, newStateView(ctrl.ID(), ctrl.Snapshot()))
	})

	api.GET("/metrics", func(c *gin.Context) {
		if hist == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "result history is disabled"})
			return
		}
		summary, err := hist.Summary(c.Request.Context())
		if err != nil {
			if errors.Is(err, history.ErrMetricsUnavailable) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func sessionMiddleware(store *session.Store, opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := c.Cookie(opts.CookieName)
		ctrl, created := store.GetOrCreate(id)
		if created {
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(opts.CookieName, ctrl.ID(), int(opts.CookieMaxAge.Seconds()), "/", "", opts.SecureCookie, true)
		}
		c.Set(controllerKey, ctrl)
		c.Next()
	}
}

// lookupSession attaches the caller's controller if the cookie names a live
// session, and leaves the context empty otherwise.
func lookupSession(store *session.Store, opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, err := c.Cookie(opts.CookieName); err == nil && id != "" {
			if ctrl, err := store.Get(id); err == nil {
				c.Set(controllerKey, ctrl)
			}
		}
		c.Next()
	}
}

func controllerFrom(c *gin.Context) *session.Controller {
	return c.MustGet(controllerKey).(*session.Controller)
}

func existingController(c *gin.Context) (*session.Controller, bool) {
	v, ok := c.Get(controllerKey)
	if !ok {
		return nil, false
	}
	ctrl, ok := v.(*session.Controller)
	return ctrl, ok
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, intake.ErrInvalidFileType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, intake.ErrEmptyFile):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClassificationInFlight),
		errors.Is(err, session.ErrWrongScreen),
		errors.Is(err, classifier.ErrNoAsset):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
