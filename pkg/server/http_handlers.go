package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/aeolun/duochat/pkg/auth"
	"github.com/aeolun/duochat/pkg/database"
	"github.com/aeolun/duochat/pkg/protocol"
)

// Handler returns the HTTP surface: auth, history, directory, uploads, WebSocket
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.POST("/register", s.RegisterHandler)
	router.POST("/login", s.LoginHandler)
	router.POST("/logout", s.LogoutHandler)
	router.GET("/profile", s.ProfileHandler)
	router.GET("/messages/:userId", s.MessagesHandler)
	router.GET("/people", s.PeopleHandler)
	router.GET("/ws", s.HandleWebSocket)
	router.GET("/healthz", s.HealthHandler)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
	router.ServeFiles("/uploads/*filepath", http.Dir(s.files.Dir()))

	return router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		errorLog.Printf("Error encoding JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) setTokenCookie(w http.ResponseWriter, token string, maxAge int) {
	cookie := &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if s.config.CookieSecure {
		cookie.Secure = true
		cookie.SameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, cookie)
}

func (s *Server) issueSession(w http.ResponseWriter, user *database.User, status int) {
	token, err := s.tokens.Issue(auth.Identity{UserID: user.ID, UserName: user.Name})
	if err != nil {
		errorLog.Printf("Failed to issue token for %s: %v", user.Name, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.setTokenCookie(w, token, int(s.config.TokenTTL/time.Second))
	writeJSON(w, status, map[string]string{"id": user.ID})
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (auth.Credentials, error) {
	var creds auth.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&creds); err != nil {
		return creds, err
	}
	return creds, creds.Validate()
}

// RegisterHandler creates a user and logs them in
func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	creds, err := decodeCredentials(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := auth.HashPassword(creds.Password)
	if err != nil {
		errorLog.Printf("Failed to hash password: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user, err := s.store.CreateUser(creds.Username, hash)
	if errors.Is(err, database.ErrUserExists) {
		writeError(w, http.StatusConflict, "username taken")
		return
	}
	if err != nil {
		errorLog.Printf("Failed to create user %s: %v", creds.Username, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	debugLog.Printf("Registered user %s (%s)", user.Name, user.ID)
	s.issueSession(w, user, http.StatusCreated)
}

// LoginHandler checks credentials and sets the token cookie
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	creds, err := decodeCredentials(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.store.GetUserByName(creds.Username)
	if errors.Is(err, database.ErrUserNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		errorLog.Printf("Failed to load user %s: %v", creds.Username, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ok, err := auth.ComparePassword(creds.Password, user.PasswordHash)
	if err != nil {
		errorLog.Printf("Failed to compare password for %s: %v", creds.Username, err)
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.issueSession(w, user, http.StatusCreated)
}

// LogoutHandler clears the token cookie
func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.setTokenCookie(w, "", -1)
	writeJSON(w, http.StatusOK, "ok")
}

func (s *Server) requestIdentity(r *http.Request) (auth.Identity, bool) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		return auth.Identity{}, false
	}
	id, err := s.tokens.Resolve(token)
	if err != nil {
		debugLog.Printf("Rejected token from %s: %v", r.RemoteAddr, err)
		return auth.Identity{}, false
	}
	return id, true
}

// ProfileHandler returns the caller's identity
func (s *Server) ProfileHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	id, ok := s.requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "no token")
		return
	}
	writeJSON(w, http.StatusOK, id)
}

// MessagesHandler returns the caller's conversation with :userId, oldest first
func (s *Server) MessagesHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := s.requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "no token")
		return
	}

	messages, err := s.store.ConversationMessages(id.UserID, ps.ByName("userId"))
	if err != nil {
		errorLog.Printf("Failed to load conversation for %s: %v", id.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	events := lo.Map(messages, func(m *database.Message, _ int) protocol.MessageEvent {
		return protocol.MessageEvent{
			ID:        m.ID,
			Sender:    m.Sender,
			Recipient: m.Recipient,
			Text:      m.Text,
			File:      m.File,
			CreatedAt: m.CreatedAt,
		}
	})
	writeJSON(w, http.StatusOK, events)
}

// PeopleHandler lists every registered user
func (s *Server) PeopleHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	users, err := s.store.ListUsers()
	if err != nil {
		errorLog.Printf("Failed to list users: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	people := lo.Map(users, func(u *database.User, _ int) protocol.Peer {
		return protocol.Peer{UserID: u.ID, UserName: u.Name}
	})
	writeJSON(w, http.StatusOK, people)
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "healthy",
		"uptime_seconds":     int64(time.Since(s.startTime).Seconds()),
		"active_connections": s.hub.Registry().Count(),
		"online_users":       len(Roster(s.hub.Registry().Snapshot())),
		"store_backend":      s.config.StoreBackend,
	})
}
