// Package api binds the service operations to HTTP. Routes carry no logic
// of their own: they decode, authenticate, delegate and map errors.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/casket-io/casket/pkg/auth"
	"github.com/casket-io/casket/pkg/cas"
	"github.com/casket-io/casket/pkg/model"
	"github.com/casket-io/casket/pkg/service"
	"github.com/casket-io/casket/pkg/storage"
	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// IdentityFunc verifies an external identity assertion and returns the
// user id it vouches for. Identity proofing itself happens upstream.
type IdentityFunc func(ctx context.Context, assertion string) (userID string, err error)

// DefaultMaxBodyBytes bounds request bodies before any of them is read
const DefaultMaxBodyBytes = 64 * 1024 * 1024

type ctxKey int

const authKey ctxKey = 0

// Handlers owns the HTTP surface
type Handlers struct {
	svc        *service.Service
	controller *auth.Controller
	issuer     *auth.Issuer

	identity IdentityFunc
	maxBody  int64
	registry *prometheus.Registry
	l        *zap.Logger
}

// Option configures the HTTP surface
type Option func(*Handlers)

// Identity installs the external identity verifier backing login
func Identity(fn IdentityFunc) Option {
	return func(h *Handlers) {
		h.identity = fn
	}
}

// MaxBodyBytes bounds accepted request bodies
func MaxBodyBytes(n int64) Option {
	return func(h *Handlers) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// MetricsRegistry exposes the given registry on /metrics
func MetricsRegistry(r *prometheus.Registry) Option {
	return func(h *Handlers) {
		h.registry = r
	}
}

// Logger injects a zap logger
func Logger(l *zap.Logger) Option {
	return func(h *Handlers) {
		if l != nil {
			h.l = l
		}
	}
}

// NewHandlers wires the HTTP surface over the service and the credential plane
func NewHandlers(svc *service.Service, controller *auth.Controller, issuer *auth.Issuer, opts ...Option) *Handlers {
	h := &Handlers{
		svc:        svc,
		controller: controller,
		issuer:     issuer,
		maxBody:    DefaultMaxBodyBytes,
		l:          zap.NewNop(),
	}
	for _, apply := range opts {
		apply(h)
	}
	return h
}

// Router assembles the route tree
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.handleHealth)
	if h.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(h.authenticate(model.KindUser, model.KindAgent))
			r.Post("/agent-token", h.handleCreateAgentToken)
			r.Delete("/agent-token/{id}", h.handleRevoke)
			r.Post("/ticket", h.handleCreateTicket)
			r.Delete("/ticket/{id}", h.handleRevoke)
		})
	})

	r.Route("/cas/{scope}", func(r chi.Router) {
		r.Use(h.authenticate())
		r.Post("/resolve", h.handleResolve)
		r.Get("/nodes", h.handleListNodes)
		r.Put("/node/{key}", h.handlePutNode)
		r.Get("/node/{key}", h.handleGetNode)
		r.Delete("/node/{key}", h.handleForgetNode)
		r.Get("/node/{key}/info", h.handleStatNode)
		r.Get("/dag/{key}", h.handleDagManifest)
	})

	return r
}

// authenticate parses the Authorization header and resolves the credential.
// The Bearer scheme carries user and agent tokens, the Ticket scheme carries
// tickets; presenting one on the other scheme fails.
func (h *Handlers) authenticate(bearerKinds ...model.CredentialKind) func(http.Handler) http.Handler {
	if len(bearerKinds) == 0 {
		bearerKinds = []model.CredentialKind{model.KindUser, model.KindAgent}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, id := splitAuthorization(r.Header.Get("Authorization"))

			var kinds []model.CredentialKind
			switch scheme {
			case "bearer":
				kinds = bearerKinds
			case "ticket":
				kinds = []model.CredentialKind{model.KindTicket}
			default:
				h.writeError(w, r, model.ErrUnauthorized)
				return
			}

			authz, err := h.controller.Authenticate(r.Context(), id, kinds...)
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authKey, authz)))
		})
	}
}

func splitAuthorization(header string) (scheme, id string) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return strings.ToLower(parts[0]), strings.TrimSpace(parts[1])
}

func authFrom(r *http.Request) auth.AuthContext {
	authz, _ := r.Context().Value(authKey).(auth.AuthContext)
	return authz
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Assertion string `json:"assertion"`
}

type credentialResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ExpiresAt time.Time `json:"expiresAt"`

	Ticket *model.Ticket `json:"ticket,omitempty"`
}

func credentialResponseFor(cred *model.Credential) credentialResponse {
	out := credentialResponse{
		ID:        cred.ID,
		Kind:      string(cred.Kind),
		ExpiresAt: cred.ExpiresAt,
	}
	if cred.Kind == model.KindTicket {
		out.Ticket = cred.Ticket
	}
	return out
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	if h.identity == nil {
		http.Error(w, "login is not configured", http.StatusNotImplemented)
		return
	}
	var req loginRequest
	if err := h.readJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	userID, err := h.identity(r.Context(), req.Assertion)
	if err != nil {
		h.writeError(w, r, model.ErrUnauthorized)
		return
	}
	cred, err := h.issuer.CreateUserToken(r.Context(), userID, "")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, credentialResponseFor(cred))
}

type agentTokenRequest struct {
	Name        string            `json:"name"`
	Permissions model.Permissions `json:"permissions"`
	ExpiresIn   int64             `json:"expiresIn,omitempty"` // seconds
}

func (h *Handlers) handleCreateAgentToken(w http.ResponseWriter, r *http.Request) {
	var req agentTokenRequest
	if err := h.readJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cred, err := h.issuer.CreateAgentToken(r.Context(), authFrom(r), req.Name, req.Permissions,
		time.Duration(req.ExpiresIn)*time.Second)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, credentialResponseFor(cred))
}

type ticketRequest struct {
	Type                 string   `json:"type"`
	Key                  string   `json:"key,omitempty"`
	ExpiresIn            int64    `json:"expiresIn,omitempty"` // seconds
	WriteQuota           int64    `json:"writeQuota,omitempty"`
	AcceptedContentTypes []string `json:"acceptedContentTypes,omitempty"`
}

func (h *Handlers) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req ticketRequest
	if err := h.readJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	treq := auth.TicketRequest{
		Type:                 model.TicketType(req.Type),
		ExpiresIn:            time.Duration(req.ExpiresIn) * time.Second,
		WriteQuota:           req.WriteQuota,
		AcceptedContentTypes: req.AcceptedContentTypes,
	}
	if req.Key != "" {
		key, err := model.ParseContentKey(req.Key)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		treq.Key = &key
	}

	cred, err := h.issuer.CreateTicket(r.Context(), authFrom(r), treq)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, credentialResponseFor(cred))
}

func (h *Handlers) handleRevoke(w http.ResponseWriter, r *http.Request) {
	err := h.issuer.Revoke(r.Context(), authFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resolveRequest struct {
	Nodes []string `json:"nodes"`
}

func (h *Handlers) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := h.readJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	keys := make([]model.ContentKey, 0, len(req.Nodes))
	for _, raw := range req.Nodes {
		key, err := model.ParseContentKey(raw)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		keys = append(keys, key)
	}

	res, err := h.svc.Resolve(r.Context(), authFrom(r), chi.URLParam(r, "scope"), keys)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) handlePutNode(w http.ResponseWriter, r *http.Request) {
	key, err := model.ParseContentKey(chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	data, err := storage.ReadAllBounded(http.MaxBytesReader(w, r.Body, h.maxBody), h.maxBody)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = cas.DefaultContentType
	}

	res, err := h.svc.PutNode(r.Context(), authFrom(r), chi.URLParam(r, "scope"), key, data, contentType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Found {
		status = http.StatusOK
	}
	h.writeJSON(w, status, res)
}

func (h *Handlers) handleGetNode(w http.ResponseWriter, r *http.Request) {
	key, err := model.ParseContentKey(chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	data, contentType, err := h.svc.GetNode(r.Context(), authFrom(r), chi.URLParam(r, "scope"), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", `"`+key.String()+`"`)
	_, _ = w.Write(data)
}

func (h *Handlers) handleStatNode(w http.ResponseWriter, r *http.Request) {
	key, err := model.ParseContentKey(chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	info, err := h.svc.StatNode(r.Context(), authFrom(r), chi.URLParam(r, "scope"), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) handleForgetNode(w http.ResponseWriter, r *http.Request) {
	key, err := model.ParseContentKey(chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.ForgetNode(r.Context(), authFrom(r), chi.URLParam(r, "scope"), key); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleDagManifest(w http.ResponseWriter, r *http.Request) {
	key, err := model.ParseContentKey(chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	nodes, err := h.svc.DagManifest(r.Context(), authFrom(r), chi.URLParam(r, "scope"), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

type listResponse struct {
	Records []model.OwnershipRecord `json:"records"`
	Cursor  string                  `json:"cursor,omitempty"`
}

func (h *Handlers) handleListNodes(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, cursor, err := h.svc.ListOwned(r.Context(), authFrom(r), chi.URLParam(r, "scope"),
		limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []model.OwnershipRecord{}
	}
	h.writeJSON(w, http.StatusOK, listResponse{Records: records, Cursor: cursor})
}

func (h *Handlers) readJSON(r *http.Request, out interface{}) error {
	data, err := storage.ReadAllBounded(r.Body, h.maxBody)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(errBadRequest, err.Error())
	}
	return nil
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.l.Error("cannot marshal response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (h *Handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		h.l.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", m.Code),
			zap.Int64("bytes", m.Written),
			zap.Duration("elapsed", m.Duration),
		)
	})
}
