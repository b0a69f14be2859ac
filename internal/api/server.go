package api

import (
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/EmeraldPi/Dispatcharr/internal/auth"
	"github.com/EmeraldPi/Dispatcharr/internal/config"
	"github.com/EmeraldPi/Dispatcharr/internal/httputil"
	"github.com/EmeraldPi/Dispatcharr/internal/jobs"
	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/EmeraldPi/Dispatcharr/internal/repository"
	"github.com/google/uuid"
)

const tokenTTL = 24 * time.Hour

type Server struct {
	config      *config.Config
	router      *http.ServeMux
	handler     http.Handler
	auth        *auth.Service
	users       *repository.UserRepository
	libraries   *repository.LibraryRepository
	scans       *repository.ScanRepository
	items       *repository.ItemRepository
	files       *repository.FileRepository
	artwork     *repository.ArtworkRepository
	coordinator *jobs.Coordinator
	queue       *jobs.Queue
	wsHub       *WSHub
}

func NewServer(database *sql.DB, cfg *config.Config, coordinator *jobs.Coordinator, queue *jobs.Queue) *Server {
	s := &Server{
		config:      cfg,
		router:      http.NewServeMux(),
		auth:        auth.NewService(cfg.JWTSecret, tokenTTL),
		users:       repository.NewUserRepository(database),
		libraries:   repository.NewLibraryRepository(database),
		scans:       repository.NewScanRepository(database),
		items:       repository.NewItemRepository(database),
		files:       repository.NewFileRepository(database),
		artwork:     repository.NewArtworkRepository(database),
		coordinator: coordinator,
		queue:       queue,
		wsHub:       NewWSHub(),
	}

	s.setupRoutes()
	s.handler = s.securityHeadersMiddleware(s.corsMiddleware(s.router))
	return s
}

func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	// Public
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /api/v1/setup/check", s.handleSetupCheck)
	s.router.HandleFunc("POST /api/v1/auth/setup", s.handleSetup)
	s.router.HandleFunc("POST /api/v1/auth/login", s.handleLogin)

	// WebSocket
	s.router.HandleFunc("GET /api/v1/ws", s.handleWebSocket)

	// Libraries
	s.router.HandleFunc("GET /api/v1/libraries", s.authMiddleware(s.handleListLibraries, models.RoleUser))
	s.router.HandleFunc("POST /api/v1/libraries", s.authMiddleware(s.handleCreateLibrary, models.RoleAdmin))
	s.router.HandleFunc("GET /api/v1/libraries/{id}", s.authMiddleware(s.handleGetLibrary, models.RoleUser))
	s.router.HandleFunc("PUT /api/v1/libraries/{id}", s.authMiddleware(s.handleUpdateLibrary, models.RoleAdmin))
	s.router.HandleFunc("DELETE /api/v1/libraries/{id}", s.authMiddleware(s.handleDeleteLibrary, models.RoleAdmin))
	s.router.HandleFunc("POST /api/v1/libraries/{id}/locations", s.authMiddleware(s.handleAddLocation, models.RoleAdmin))
	s.router.HandleFunc("DELETE /api/v1/libraries/{id}/locations/{locationId}", s.authMiddleware(s.handleDeleteLocation, models.RoleAdmin))
	s.router.HandleFunc("POST /api/v1/libraries/{id}/scan", s.authMiddleware(s.handleScanLibrary, models.RoleAdmin))

	// Scans
	s.router.HandleFunc("GET /api/v1/scans", s.authMiddleware(s.handleListScans, models.RoleUser))
	s.router.HandleFunc("GET /api/v1/scans/{id}", s.authMiddleware(s.handleGetScan, models.RoleUser))
	s.router.HandleFunc("DELETE /api/v1/scans/{id}", s.authMiddleware(s.handleDeleteScan, models.RoleAdmin))
	s.router.HandleFunc("POST /api/v1/scans/{id}/cancel", s.authMiddleware(s.handleCancelScan, models.RoleAdmin))

	// Media items
	s.router.HandleFunc("GET /api/v1/libraries/{id}/items", s.authMiddleware(s.handleListItems, models.RoleUser))
	s.router.HandleFunc("GET /api/v1/items/search", s.authMiddleware(s.handleSearchItems, models.RoleUser))
	s.router.HandleFunc("GET /api/v1/items/{id}", s.authMiddleware(s.handleGetItem, models.RoleUser))
	s.router.HandleFunc("DELETE /api/v1/items/{id}", s.authMiddleware(s.handleDeleteItem, models.RoleAdmin))
	s.router.HandleFunc("GET /api/v1/items/{id}/children", s.authMiddleware(s.handleListItemChildren, models.RoleUser))
	s.router.HandleFunc("GET /api/v1/items/{id}/files", s.authMiddleware(s.handleListItemFiles, models.RoleUser))
	s.router.HandleFunc("GET /api/v1/items/{id}/artwork", s.authMiddleware(s.handleListItemArtwork, models.RoleUser))
	s.router.HandleFunc("POST /api/v1/items/{id}/rescan", s.authMiddleware(s.handleRescanItem, models.RoleAdmin))
	s.router.HandleFunc("POST /api/v1/items/{id}/refresh-metadata", s.authMiddleware(s.handleRefreshMetadata, models.RoleAdmin))

	// Media files
	s.router.HandleFunc("GET /api/v1/libraries/{id}/files", s.authMiddleware(s.handleListFiles, models.RoleUser))
	s.router.HandleFunc("GET /api/v1/files/{id}", s.authMiddleware(s.handleGetFile, models.RoleUser))
}

// ──────────────────── Middleware ────────────────────

func (s *Server) authMiddleware(next http.HandlerFunc, requiredRole models.UserRole) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""
		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		} else if t := r.URL.Query().Get("token"); t != "" {
			// Browsers can't set headers on websocket/EventSource requests.
			tokenString = t
		} else {
			httputil.WriteError(w, http.StatusUnauthorized, "missing authorization")
			return
		}

		claims, err := s.auth.ValidateToken(tokenString)
		if err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		if !auth.CheckPermission(claims.Role, requiredRole) {
			httputil.WriteError(w, http.StatusForbidden, "insufficient permissions")
			return
		}

		r.Header.Set("X-User-ID", claims.Subject)
		r.Header.Set("X-User-Role", string(claims.Role))

		next(w, r)
	}
}

func (s *Server) getUserID(r *http.Request) uuid.UUID {
	id, _ := uuid.Parse(r.Header.Get("X-User-ID"))
	return id
}

// securityHeadersMiddleware adds standard security headers to all responses.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles CORS preflight and response headers globally.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ──────────────────── Health ────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
