package api

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"platilloadmin/internal/config"
	"platilloadmin/internal/httpx"
	"platilloadmin/internal/metrics"
	"platilloadmin/internal/platillo"
	"platilloadmin/internal/storage"
)

// MenuRecords stores platillos and lists them back for the menu view.
type MenuRecords interface {
	platillo.Records
	List(ctx context.Context, collection string, limit int) ([]platillo.MenuItem, error)
}

type Server struct {
	cfg     config.Config
	log     *zap.Logger
	records MenuRecords
	store   storage.ObjectStore
	metrics *metrics.Metrics

	schema    *platillo.Schema
	submitter *platillo.Submitter
	policy    platillo.ImagePolicy
	forms     *formRegistry
}

// NewServer starts the idle form sweeper; call Close to stop it. store may be
// nil, in which case image uploads are refused.
func NewServer(cfg config.Config, log *zap.Logger, records MenuRecords, store storage.ObjectStore, m *metrics.Metrics) (*Server, error) {
	policy, err := platillo.ParseImagePolicy(cfg.ImagePolicy)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		records: records,
		store:   store,
		metrics: m,
		schema:  platillo.NewSchema(),
		policy:  policy,
	}
	s.submitter = platillo.NewSubmitter(records, cfg.RecordsCollection, cfg.MenuPath, log.Named("submit"))
	s.forms = newFormRegistry(cfg.FormTTL, s.newFormSession, m, log.Named("forms"))
	if err := s.forms.Start(); err != nil {
		return nil, fmt.Errorf("start form sweeper: %w", err)
	}
	return s, nil
}

func (s *Server) Close() {
	s.forms.Stop()
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// CORS / preflight for the admin panel when it is served from another origin.
	r.Options("/*", func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		allowed := "*"
		if s.cfg.CORSAllowOrigins != "" {
			allowed = s.cfg.CORSAllowOrigins
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Get("/menu", s.handleMenuList)

	r.Route("/admin/platillos/forms", func(r chi.Router) {
		r.Post("/", s.handleFormOpen)
		r.Get("/{id}", s.handleFormGet)
		r.Delete("/{id}", s.handleFormClose)
		r.Put("/{id}/fields/{field}", s.handleFormSetField)
		r.Post("/{id}/fields/{field}/blur", s.handleFormBlurField)
		r.Post("/{id}/imagen", s.handleFormImageUpload)
		r.Get("/{id}/ws", s.handleFormEvents)
		r.Post("/{id}/submit", s.handleFormSubmit)
	})

	if strings.TrimSpace(s.cfg.StaticDir) != "" {
		r.NotFound(SPAHandler(s.cfg.StaticDir).ServeHTTP)
	}

	return r
}

func (s *Server) handleMenuList(w http.ResponseWriter, r *http.Request) {
	items, err := s.records.List(r.Context(), s.cfg.RecordsCollection, 200)
	if err != nil {
		s.log.Error("[menu] list failed", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "No se pudo cargar el menu")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"platillos": items,
	})
}

func SPAHandler(staticDir string) http.Handler {
	fsys := os.DirFS(staticDir)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == "" {
			path = "index.html"
		}

		// Hashed build assets never change.
		if strings.HasPrefix(path, "assets/") {
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		}

		if _, err := fs.Stat(fsys, path); err == nil {
			http.FileServer(http.FS(fsys)).ServeHTTP(w, r)
			return
		}

		// Client-side routes fall back to the entrypoint.
		r.URL.Path = "/"
		http.FileServer(http.FS(fsys)).ServeHTTP(w, r)
	})
}
