// Package webapi provides an http API to scan messages and inspect the
// loaded rule set.
package webapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"

	"github.com/sa-scan/sa-scan/app/storage"
	"github.com/sa-scan/sa-scan/lib/scorer"
)

// Scanner checks messages with the loaded rule set.
type Scanner interface {
	Check(raw []byte) (*scorer.Result, error)
	Symbols() []scorer.SymbolInfo
}

// History reads recorded scans, see storage.ScanHistory
type History interface {
	Read(limit int) ([]storage.ScanRecord, error)
}

// Server is a web API server.
type Server struct {
	Config
}

// Config defines server parameters
type Config struct {
	Version    string  // version to show in /ping
	ListenAddr string  // listen address
	Scanner    Scanner // message scanner
	History    History // scan history, optional
	AuthPasswd string  // basic auth password for user "sa-scan"
	Dbg        bool    // debug mode
}

// NewServer creates a new web API server.
func NewServer(config Config) *Server {
	return &Server{Config: config}
}

// Run starts the server and accepts scan requests until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	router := routegroup.New(http.NewServeMux())
	router.Use(rest.Recoverer(lgr.Default()))
	router.Use(rest.AppInfo("sa-scan", "sa-scan", s.Version), rest.Ping)
	router.Use(tollbooth.HTTPMiddleware(tollbooth.NewLimiter(50, nil)))
	router.Use(rest.SizeLimit(10 * 1024 * 1024)) // 10M max message size
	if s.Dbg {
		router.Use(debugLogger)
	}

	if s.AuthPasswd != "" {
		log.Printf("[INFO] basic auth enabled for webapi server")
		router.Use(rest.BasicAuthWithUserPasswd("sa-scan", s.AuthPasswd))
	} else {
		log.Printf("[WARN] basic auth disabled, access to webapi is not protected")
	}

	s.routes(router)

	srv := &http.Server{Addr: s.ListenAddr, Handler: router, ReadTimeout: 5 * time.Second, WriteTimeout: 30 * time.Second}
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[WARN] failed to shutdown webapi server: %v", err)
		} else {
			log.Printf("[INFO] webapi server stopped")
		}
	}()

	log.Printf("[INFO] start webapi server on %s", s.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to run server: %w", err)
	}
	return nil
}

// debugLogger logs every request, enabled in debug mode only.
func debugLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[DEBUG] %s %s from %s in %v", r.Method, r.URL.Path, r.RemoteAddr, time.Since(st))
	})
}

func (s *Server) routes(router *routegroup.Bundle) {
	router.HandleFunc("POST /check", s.checkHandler)    // scan a raw message
	router.HandleFunc("GET /symbols", s.symbolsHandler) // list registered symbols
	router.HandleFunc("GET /scans", s.scansHandler)     // recent scan history
}

// checkHandler handles POST /check request. The body is a raw rfc822
// message; the response is the scan result with fired symbols.
func (s *Server) checkHandler(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't read request body", "details": err.Error()})
		return
	}
	if len(raw) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "empty request body"})
		return
	}

	res, err := s.Scanner.Check(raw)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		rest.RenderJSON(w, rest.JSON{"error": "can't scan message", "details": err.Error()})
		log.Printf("[WARN] can't scan message: %v", err)
		return
	}
	rest.RenderJSON(w, res)
}

// symbolsHandler handles GET /symbols request, returns all registered
// symbols with effective scores and descriptions.
func (s *Server) symbolsHandler(w http.ResponseWriter, _ *http.Request) {
	rest.RenderJSON(w, rest.JSON{"symbols": s.Scanner.Symbols()})
}

// scansHandler handles GET /scans request, returns the last scans from
// history, most recent first. Limited by the "limit" query param, 100 default.
func (s *Server) scansHandler(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		w.WriteHeader(http.StatusNotFound)
		rest.RenderJSON(w, rest.JSON{"error": "scan history disabled"})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			rest.RenderJSON(w, rest.JSON{"error": "bad limit value"})
			return
		}
		limit = n
	}

	recs, err := s.History.Read(limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		rest.RenderJSON(w, rest.JSON{"error": "can't read scan history", "details": err.Error()})
		return
	}
	rest.RenderJSON(w, rest.JSON{"scans": recs})
}
