// Package rest exposes the graph, IQL and policy gate over HTTP.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-graph/internal/api/middleware"
	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/iql"
	"github.com/kubilitics/kubilitics-graph/internal/models"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/apperr"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/logger"
	"github.com/kubilitics/kubilitics-graph/internal/policy"
	"github.com/kubilitics/kubilitics-graph/internal/querycache"
	"github.com/kubilitics/kubilitics-graph/internal/temporal"
)

// Options wires the handler. Temporal, Cache and Policy are optional.
type Options struct {
	Storage        graphstore.Storage
	Temporal       temporal.Store
	Cache          *querycache.QueryCache
	Policy         policy.Evaluator
	DefaultDepth   int
	MaxResults     int
	AllowedOrigins []string
	Logger         *zap.Logger
	Now            func() time.Time
}

// Handler serves the /api/v1 surface.
type Handler struct {
	storage  graphstore.Storage
	temporal temporal.Store
	cache    *querycache.QueryCache
	policy   policy.Evaluator
	exec     *iql.Executor
	depth    int
	logger   *zap.Logger
	now      func() time.Time
}

func NewHandler(opts Options) *Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultDepth <= 0 {
		opts.DefaultDepth = iql.DefaultDepth
	}
	if opts.Cache == nil {
		opts.Cache = querycache.Disabled()
	}
	log := logger.OrNop(opts.Logger).Named("rest")
	return &Handler{
		storage:  opts.Storage,
		temporal: opts.Temporal,
		cache:    opts.Cache,
		policy:   opts.Policy,
		exec: iql.NewExecutor(iql.ExecutorOptions{
			Storage:      opts.Storage,
			Temporal:     opts.Temporal,
			DefaultDepth: opts.DefaultDepth,
			MaxResults:   opts.MaxResults,
			Now:          opts.Now,
			Logger:       log,
		}),
		depth:  opts.DefaultDepth,
		logger: log,
		now:    opts.Now,
	}
}

// SetupRoutes registers the API routes on router (mounted at /api/v1).
func SetupRoutes(router *mux.Router, h *Handler) {
	router.HandleFunc("/query", h.Query).Methods(http.MethodPost)
	router.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	router.HandleFunc("/cost", h.CostAttribution).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{id}", h.GetNode).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{id}/neighbors", h.Neighbors).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{id}/blast-radius", h.BlastRadius).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{id}/timeline", h.Timeline).Methods(http.MethodGet)
	router.HandleFunc("/snapshots", h.ListSnapshots).Methods(http.MethodGet)
	router.HandleFunc("/snapshots", h.CreateSnapshot).Methods(http.MethodPost)
	router.HandleFunc("/snapshots/diff", h.DiffSnapshots).Methods(http.MethodGet)
	router.HandleFunc("/policy/evaluate", h.EvaluatePolicy).Methods(http.MethodPost)
	router.HandleFunc("/cache/stats", h.CacheStats).Methods(http.MethodGet)
}

// NewRouter builds the full HTTP handler: health, metrics, the API and middleware.
func NewRouter(opts Options) http.Handler {
	h := NewHandler(opts)
	router := mux.NewRouter()
	router.Use(middleware.RequestID, middleware.Recovery(opts.Logger), middleware.AccessLog(opts.Logger), middleware.MaxBodySize(middleware.DefaultMaxBodyBytes))

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	SetupRoutes(router.PathPrefix("/api/v1").Subrouter(), h)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, middleware.TraceIDHeader},
	})
	return middleware.Tracing(c.Handler(router))
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "healthy",
		"service": "kubilitics-graph",
		"storage": h.storage.Backend(),
	}
	if h.policy != nil {
		body["policy"] = map[string]any{"type": h.policy.Type(), "healthy": h.policy.HealthCheck(r.Context())}
	}
	respondJSON(w, http.StatusOK, body)
}

type queryRequest struct {
	Query string `json:"query"`
}

// Query handles POST /api/v1/query with {"query": "<IQL>"}.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "query is required", nil)
		return
	}
	res, err := h.exec.Execute(r.Context(), req.Query)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.storage.GetStats(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// GetNode handles GET /api/v1/nodes/{id}.
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n, err := h.storage.GetNode(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if n == nil {
		respondError(w, r, apperr.NotFound("node", id))
		return
	}
	respondJSON(w, http.StatusOK, n)
}

// Neighbors handles GET /api/v1/nodes/{id}/neighbors?depth=&direction=.
func (h *Handler) Neighbors(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	depth, err := intParam(r, "depth", h.depth)
	if err != nil {
		respondError(w, r, err)
		return
	}
	dir := models.DirectionDownstream
	if v := r.URL.Query().Get("direction"); v != "" {
		dir = models.Direction(strings.ToLower(v))
		switch dir {
		case models.DirectionDownstream, models.DirectionUpstream, models.DirectionBoth:
		default:
			respondError(w, r, apperr.Validation("INVALID_DIRECTION", "direction must be downstream, upstream or both"))
			return
		}
	}
	if !h.nodeExists(w, r, id) {
		return
	}
	sub, err := h.storage.GetNeighbors(r.Context(), id, depth, dir, nil)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

type blastRadius struct {
	RootID    string              `json:"root_id"`
	Depth     int                 `json:"depth"`
	Affected  []*models.GraphNode `json:"affected"`
	Edges     []*models.GraphEdge `json:"edges"`
	TotalCost float64             `json:"total_cost"`
}

// BlastRadius handles GET /api/v1/nodes/{id}/blast-radius: every node that
// depends on id, directly or transitively.
func (h *Handler) BlastRadius(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	depth, err := intParam(r, "depth", graphstore.MaxTraversalDepth)
	if err != nil {
		respondError(w, r, err)
		return
	}
	depth = graphstore.ClampDepth(depth)
	if !h.nodeExists(w, r, id) {
		return
	}
	sub, ok := h.cache.GetBlastRadius(id, depth)
	if !ok {
		tok := h.cache.Token()
		if sub, err = h.storage.GetNeighbors(r.Context(), id, depth, models.DirectionUpstream, nil); err != nil {
			respondError(w, r, err)
			return
		}
		h.cache.SetBlastRadius(tok, id, depth, sub)
	}
	out := blastRadius{RootID: id, Depth: depth, Affected: []*models.GraphNode{}, Edges: sub.Edges}
	for _, n := range sub.Nodes {
		if n.ID == id {
			continue
		}
		out.Affected = append(out.Affected, n)
		out.TotalCost += n.Cost()
	}
	respondJSON(w, http.StatusOK, out)
}

// CostAttribution handles GET /api/v1/cost?by=<tag>: monthly cost per tag value.
func (h *Handler) CostAttribution(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("by")
	if label == "" {
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "by is required", nil)
		return
	}
	if err := graphstore.ValidateTagKey(label); err != nil {
		respondError(w, r, err)
		return
	}
	if cached, ok := h.cache.GetCostAttribution(label); ok {
		respondJSON(w, http.StatusOK, cached)
		return
	}
	tok := h.cache.Token()
	nodes, err := h.storage.QueryNodes(r.Context(), models.NodeFilter{})
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := &querycache.CostAttribution{Label: label, ByValue: map[string]float64{}}
	for _, n := range nodes {
		value := n.Tags[label]
		if value == "" {
			value = "untagged"
		}
		out.ByValue[value] += n.Cost()
		out.Total += n.Cost()
	}
	h.cache.SetCostAttribution(tok, label, out)
	respondJSON(w, http.StatusOK, out)
}

// Timeline handles GET /api/v1/nodes/{id}/timeline?limit=.
func (h *Handler) Timeline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit, err := intParam(r, "limit", graphstore.DefaultPageLimit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	changes, err := h.storage.GetNodeTimeline(r.Context(), id, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"node_id": id, "changes": changes})
}

// ListSnapshots handles GET /api/v1/snapshots?limit=&since=&until=.
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	if !h.temporalEnabled(w, r) {
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		respondError(w, r, err)
		return
	}
	q := r.URL.Query()
	snaps, err := h.temporal.ListSnapshots(r.Context(), temporal.SnapshotFilter{
		Since: q.Get("since"),
		Until: q.Get("until"),
		Limit: limit,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"snapshots": snaps, "count": len(snaps)})
}

type snapshotRequest struct {
	Label    string `json:"label"`
	Provider string `json:"provider"`
}

// CreateSnapshot handles POST /api/v1/snapshots.
func (h *Handler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	if !h.temporalEnabled(w, r) {
		return
	}
	var req snapshotRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondDecodeError(w, r, err)
			return
		}
	}
	snap, err := h.temporal.CreateSnapshot(r.Context(), models.TriggerManual, req.Label, req.Provider)
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.logger.Info("snapshot created", zap.String("snapshot_id", snap.ID), zap.Int("nodes", snap.NodeCount))
	respondJSON(w, http.StatusCreated, snap)
}

// DiffSnapshots handles GET /api/v1/snapshots/diff?from=&to=. Values are
// snapshot ids, or timestamps when at=true.
func (h *Handler) DiffSnapshots(w http.ResponseWriter, r *http.Request) {
	if !h.temporalEnabled(w, r) {
		return
	}
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "from and to are required", nil)
		return
	}
	var (
		diff *models.SnapshotDiff
		err  error
	)
	if q.Get("at") == "true" {
		diff, err = h.temporal.DiffTimestamps(r.Context(), from, to)
	} else {
		diff, err = h.temporal.DiffSnapshots(r.Context(), from, to)
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, diff)
}

// EvaluatePolicy handles POST /api/v1/policy/evaluate with a change request body.
func (h *Handler) EvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	if h.policy == nil {
		respondErrorWithCode(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "policy evaluation is not configured", nil)
		return
	}
	var cr policy.ChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&cr); err != nil {
		respondDecodeError(w, r, err)
		return
	}
	if cr.Action == "" || cr.TargetResourceID == "" {
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "action and targetResourceId are required", nil)
		return
	}
	d := policy.Gate(r.Context(), h.policy, policy.BuildOpaInput(cr, h.now()))
	h.logger.Info("change request evaluated",
		zap.String("change_request", cr.ID),
		zap.String("action", cr.Action),
		zap.Bool("allowed", d.Allowed),
		zap.Int("violations", len(d.Result.Violations)))
	respondJSON(w, http.StatusOK, d)
}

// CacheStats handles GET /api/v1/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"enabled": h.cache.Enabled(), "stats": h.cache.Stats()})
}

func (h *Handler) nodeExists(w http.ResponseWriter, r *http.Request, id string) bool {
	n, err := h.storage.GetNode(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return false
	}
	if n == nil {
		respondError(w, r, apperr.NotFound("node", id))
		return false
	}
	return true
}

func (h *Handler) temporalEnabled(w http.ResponseWriter, r *http.Request) bool {
	if h.temporal == nil {
		respondErrorWithCode(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "temporal snapshots are disabled", nil)
		return false
	}
	return true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation("INVALID_PARAMETER", name+" must be a non-negative integer")
	}
	return n, nil
}

func respondDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(w, r, err)
		return
	}
	respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body", nil)
}
