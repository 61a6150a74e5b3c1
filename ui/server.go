package ui

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gomarkdown/markdown"
	"github.com/rs/zerolog"

	"chinotype/internal/controller"
	"chinotype/internal/errors"
	"chinotype/ports"
)

//go:embed templates/* static/* directions.md
var embeddedFiles embed.FS

// Options configure the plugin server
type Options struct {
	Backend ports.Backend
	// Session is used by views loaded without credentials
	Session  ports.Session
	Defaults controller.Defaults
	GinMode  string
}

// Server hosts chi2 plugin views over HTTP
type Server struct {
	router     *gin.Engine
	templates  *template.Template
	views      *Registry
	session    ports.Session
	directions template.HTML
	log        *zerolog.Logger
}

// NewServer creates the plugin web server
func NewServer(opts Options, log *zerolog.Logger) (*Server, error) {
	if opts.GinMode != "" {
		gin.SetMode(opts.GinMode)
	}

	templates, err := template.ParseFS(embeddedFiles, "templates/*.html")
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ui templates")
	}

	md, err := embeddedFiles.ReadFile("directions.md")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read directions")
	}

	s := &Server{
		router:     gin.New(),
		templates:  templates,
		views:      NewRegistry(opts.Backend, opts.Defaults, log),
		session:    opts.Session,
		directions: template.HTML(markdown.ToHTML(md, nil, nil)),
		log:        log,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleIndex)
	s.router.POST("/plugin/load", s.handleLoad)

	view := s.router.Group("/", s.requireView())
	view.POST("/plugin/unload", s.handleUnload)
	view.GET("/drop/:container", s.handleDropTarget)
	view.POST("/drop/:container", s.handleDrop)
	view.POST("/fields", s.handleFields)
	view.POST("/tab", s.handleTab)
	view.POST("/go", s.handleGo)
	view.POST("/export", s.handleExport)
	view.GET("/results", s.handleResults)
	view.GET("/events", s.handleEvents)
	view.GET("/download", s.handleDownloadCSV)
	view.GET("/export.xlsx", s.handleDownloadXLSX)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Views is the registry of loaded views
func (s *Server) Views() *Registry {
	return s.views
}

// Start serves on addr until ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("starting chi2 plugin server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
