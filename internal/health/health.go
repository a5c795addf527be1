// Package health serves liveness and readiness probes.
//
//   - /healthz: liveness; always 200 while the process can serve HTTP.
//   - /readyz: readiness; 200 only when every registered [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map with the result of each named checker.
package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/jubensha/pkg/blobstore"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is healthy and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is anything with a context-aware Ping, e.g. *pgxpool.Pool or the
// Redis publisher.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts a [Pinger] to a [Checker].
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// BlobChecker reports the blob store as failed when it is not accepting
// uploads. Audio generation is skipped in that state, so the service is not
// ready for play.
func BlobChecker(s blobstore.Store) Checker {
	return Checker{Name: "blobstore", Check: func(ctx context.Context) error {
		if !s.Available(ctx) {
			return blobstore.ErrUnavailable
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each with a [checkTimeout]
// deadline, and answers 503 if any of them fails.
func (h *Handler) Readyz(c *gin.Context) {
	checks, err := h.run(c.Request.Context())
	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if err != nil {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, res)
}

// run evaluates every checker and returns the per-check summary together
// with the joined failures.
func (h *Handler) run(ctx context.Context) (map[string]string, error) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		errs   []error
		g      errgroup.Group
	)
	for _, chk := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := chk.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[chk.Name] = "fail: " + err.Error()
				errs = append(errs, err)
			} else {
				checks[chk.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()
	return checks, errors.Join(errs...)
}

// Register adds the /healthz and /readyz routes.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
}
