package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/duochat/pkg/protocol"
)

const (
	defaultHTTPPort = "4040"
	tokenCookie     = "token"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrUsernameTaken = errors.New("username taken")
)

// StatusError is returned for unexpected HTTP responses
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// serverAddress holds the two URLs derived from a user supplied address
type serverAddress struct {
	base *url.URL // http(s)://host:port
	ws   *url.URL // ws(s)://host:port/ws
}

// parseServerAddress accepts host, host:port, or an http(s)/ws(s) URL
func parseServerAddress(raw string) (*serverAddress, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "http"
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		scheme = strings.ToLower(u.Scheme)
		hostPort = u.Host
	}

	secure := false
	switch scheme {
	case "http", "ws":
	case "https", "wss":
		secure = true
	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}

	if hostPort == "" {
		return nil, errors.New("missing host in server address")
	}
	if _, _, err := net.SplitHostPort(hostPort); err != nil {
		if secure {
			hostPort = net.JoinHostPort(hostPort, "443")
		} else {
			hostPort = net.JoinHostPort(hostPort, defaultHTTPPort)
		}
	}

	addr := &serverAddress{
		base: &url.URL{Scheme: "http", Host: hostPort},
		ws:   &url.URL{Scheme: "ws", Host: hostPort, Path: "/ws"},
	}
	if secure {
		addr.base.Scheme = "https"
		addr.ws.Scheme = "wss"
	}
	return addr, nil
}

// API talks to the server's HTTP endpoints and keeps the session token
type API struct {
	addr *serverAddress
	http *http.Client

	mu    sync.RWMutex
	token string
}

// NewAPI creates an API client for the given server address
func NewAPI(serverAddr string) (*API, error) {
	addr, err := parseServerAddress(serverAddr)
	if err != nil {
		return nil, err
	}
	return &API{
		addr: addr,
		http: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// BaseURL returns the HTTP base URL, e.g. for building /uploads links
func (a *API) BaseURL() string {
	return a.addr.base.String()
}

// WebSocketURL returns the WebSocket endpoint
func (a *API) WebSocketURL() string {
	return a.addr.ws.String()
}

// Token returns the current session token
func (a *API) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// SetToken replaces the session token, e.g. one restored from disk
func (a *API) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

// AuthHeader returns the headers that authenticate a WebSocket dial
func (a *API) AuthHeader() http.Header {
	header := http.Header{}
	if token := a.Token(); token != "" {
		header.Set("Cookie", (&http.Cookie{Name: tokenCookie, Value: token}).String())
	}
	return header
}

func (a *API) do(ctx context.Context, method, path string, body interface{}, out interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.addr.base.String()+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := a.Token(); token != "" {
		req.AddCookie(&http.Cookie{Name: tokenCookie, Value: token})
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return resp, ErrUnauthorized
	case resp.StatusCode == http.StatusConflict:
		return resp, ErrUsernameTaken
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return resp, nil
}

func (a *API) authenticate(ctx context.Context, path, username, password string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	resp, err := a.do(ctx, http.MethodPost, path, map[string]string{
		"username": username,
		"password": password,
	}, &out)
	if err != nil {
		return "", err
	}

	for _, c := range resp.Cookies() {
		if c.Name == tokenCookie {
			a.SetToken(c.Value)
			return out.ID, nil
		}
	}
	return "", fmt.Errorf("%s response carried no token", path)
}

// Register creates an account and keeps its session token
func (a *API) Register(ctx context.Context, username, password string) (string, error) {
	return a.authenticate(ctx, "/register", username, password)
}

// Login authenticates and keeps the session token
func (a *API) Login(ctx context.Context, username, password string) (string, error) {
	return a.authenticate(ctx, "/login", username, password)
}

// Logout clears the session on both ends
func (a *API) Logout(ctx context.Context) error {
	_, err := a.do(ctx, http.MethodPost, "/logout", nil, nil)
	a.SetToken("")
	return err
}

// Profile returns the identity behind the current token
func (a *API) Profile(ctx context.Context) (protocol.Peer, error) {
	var peer protocol.Peer
	_, err := a.do(ctx, http.MethodGet, "/profile", nil, &peer)
	return peer, err
}

// People lists every registered user
func (a *API) People(ctx context.Context) ([]protocol.Peer, error) {
	var people []protocol.Peer
	_, err := a.do(ctx, http.MethodGet, "/people", nil, &people)
	return people, err
}

// History returns the conversation with peerID, oldest first
func (a *API) History(ctx context.Context, peerID string) ([]protocol.MessageEvent, error) {
	var messages []protocol.MessageEvent
	_, err := a.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(peerID), nil, &messages)
	return messages, err
}
