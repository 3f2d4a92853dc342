package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tuneinsight/hemeter"
	"github.com/tuneinsight/hemeter/aggregator"
)

// Endpoint is a route of the admin API. Function returns the status code
// and the JSON body of the response.
type Endpoint struct {
	Method   string
	Path     string
	Function func(c *gin.Context) (int, any)
}

// Endpoints returns the routes of the admin API of s.
func (s *Server) Endpoints() []Endpoint {
	return []Endpoint{
		{http.MethodGet, "/v1/stats", s.statsEndpoint},
		{http.MethodGet, "/v1/sources", s.sourcesEndpoint},
		{http.MethodGet, "/v1/context", s.contextEndpoint},
		{http.MethodPost, "/v1/aggregate/:op", s.aggregateEndpoint},
	}
}

// NewAdminHandler returns the HTTP handler of the admin API of s.
func NewAdminHandler(s *Server) http.Handler {

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	logged := func(f func(c *gin.Context) (int, any)) gin.HandlerFunc {
		return func(c *gin.Context) {
			start := time.Now()
			code, body := f(c)
			level := slog.LevelDebug
			if code >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			s.logger.Log(c.Request.Context(), level, "admin request",
				"remote", c.RemoteIP(), "method", c.Request.Method, "path", c.Request.URL.Path, "status", code, "duration", time.Since(start))
			c.JSON(code, body)
		}
	}

	for _, e := range s.Endpoints() {
		router.Handle(e.Method, e.Path, logged(e.Function))
	}

	return router
}

func (s *Server) statsEndpoint(c *gin.Context) (int, any) {
	return http.StatusOK, s.Stats()
}

func (s *Server) sourcesEndpoint(c *gin.Context) (int, any) {
	return http.StatusOK, s.store.Sources()
}

func (s *Server) contextEndpoint(c *gin.Context) (int, any) {
	return http.StatusOK, gin.H{
		"fingerprint": s.ctx.Fingerprint().String(),
		"parameters":  s.ctx.Literal(),
		"slots":       s.ctx.Slots(),
		"max_level":   s.ctx.MaxLevel(),
	}
}

// aggregateEndpoint computes an aggregate over the sources given as
// repeated "source" query parameters, or over every source.
func (s *Server) aggregateEndpoint(c *gin.Context) (int, any) {

	op, err := aggregator.ParseOperation(c.Param("op"))
	if err != nil {
		return http.StatusBadRequest, gin.H{"error": err.Error()}
	}

	res, err := s.Aggregate(c.Request.Context(), op, c.QueryArray("source")...)
	if res == nil {
		return statusOf(err), gin.H{"error": err.Error()}
	}

	rec, rerr := res.Record()
	if rerr != nil {
		return http.StatusInternalServerError, gin.H{"error": rerr.Error()}
	}

	if err != nil {
		return http.StatusInternalServerError, gin.H{"error": err.Error(), "result": rec}
	}

	return http.StatusCreated, rec
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, aggregator.ErrNoInput):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	switch hemeter.KindOf(err) {
	case hemeter.DepthExhausted, hemeter.IncompatibleContext, hemeter.RangeError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ServeAdmin serves h on ln until ctx is done.
func ServeAdmin(ctx context.Context, ln net.Listener, h http.Handler) error {

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("cannot serve admin api: %w", err)
	}

	return nil
}
