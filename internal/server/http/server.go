package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/rzbill/flowstream/internal/consumer/state"
	"github.com/rzbill/flowstream/internal/runtime"
	"github.com/rzbill/flowstream/internal/streamadmin"
	"github.com/rzbill/flowstream/internal/streamfile"
	logpkg "github.com/rzbill/flowstream/pkg/log"
)

type Server struct {
	rt     *runtime.Runtime
	srv    *http.Server
	lis    net.Listener
	logger logpkg.Logger
}

func New(rt *runtime.Runtime, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	mux := http.NewServeMux()
	s := &Server{rt: rt, srv: &http.Server{Handler: cors(mux), ReadHeaderTimeout: 10 * time.Second}, logger: logger.WithComponent("http")}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.Handle("/metrics", rt.Metrics().Handler())
	mux.HandleFunc("/v1/streams", s.handleList)
	mux.HandleFunc("/v1/streams/create", s.handleCreate)
	mux.HandleFunc("/v1/streams/update", s.handleUpdate)
	mux.HandleFunc("/v1/streams/info", s.handleInfo)
	mux.HandleFunc("/v1/streams/drop", s.handleDrop)
	mux.HandleFunc("/v1/streams/groups/configure", s.handleConfigureGroup)
	mux.HandleFunc("/v1/streams/groups/sync", s.handleSyncGroups)
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, streamadmin.ErrStreamNotFound), errors.Is(err, state.ErrGroupNotFound):
		code = http.StatusNotFound
	case errors.Is(err, streamadmin.ErrStreamExists):
		code = http.StatusConflict
	case errors.Is(err, streamadmin.ErrInvalidConfig):
		code = http.StatusBadRequest
	default:
		s.logger.Error("request failed", logpkg.Err(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	names, err := s.rt.Admin().Streams()
	if err != nil {
		s.writeError(w, err)
		return
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"streams": names})
}

// streamReq carries durations in milliseconds.
type streamReq struct {
	Stream              string `json:"stream"`
	TTLMs               int64  `json:"ttlMs"`
	PartitionDurationMs int64  `json:"partitionDurationMs"`
	IndexInterval       int    `json:"indexInterval"`
	FilePrefix          string `json:"filePrefix"`
}

func (q streamReq) config() streamfile.StreamConfig {
	return streamfile.StreamConfig{
		Name:              q.Stream,
		TTL:               time.Duration(q.TTLMs) * time.Millisecond,
		PartitionDuration: time.Duration(q.PartitionDurationMs) * time.Millisecond,
		IndexInterval:     q.IndexInterval,
		FilePrefix:        q.FilePrefix,
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req streamReq
	if !decode(w, r, &req) {
		return
	}
	if err := s.rt.Admin().Create(r.Context(), req.config()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req streamReq
	if !decode(w, r, &req) {
		return
	}
	if err := s.rt.Admin().UpdateConfig(r.Context(), req.config()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type groupView struct {
	Instances  int    `json:"instances"`
	Strategy   string `json:"strategy"`
	HashKey    string `json:"hashKey,omitempty"`
	Generation uint64 `json:"generation"`
}

func viewGroup(gs state.GroupState) groupView {
	return groupView{Instances: gs.Instances, Strategy: string(gs.Strategy), HashKey: gs.HashKey, Generation: gs.Generation}
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("stream")
	cfg, err := s.rt.Admin().GetConfig(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	groups, err := s.rt.Admin().Groups(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make(map[string]groupView, len(groups))
	for g, gs := range groups {
		views[g] = viewGroup(gs)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stream":              cfg.Name,
		"ttlMs":               cfg.TTL.Milliseconds(),
		"partitionDurationMs": cfg.PartitionDuration.Milliseconds(),
		"indexInterval":       cfg.IndexInterval,
		"filePrefix":          cfg.FilePrefix,
		"groups":              views,
	})
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	var req streamReq
	if !decode(w, r, &req) {
		return
	}
	if err := s.rt.Admin().Drop(r.Context(), req.Stream); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type configureGroupReq struct {
	Stream    string `json:"stream"`
	Group     string `json:"group"`
	Instances int    `json:"instances"`
	Strategy  string `json:"strategy"`
	HashKey   string `json:"hashKey"`
}

func (s *Server) handleConfigureGroup(w http.ResponseWriter, r *http.Request) {
	var req configureGroupReq
	if !decode(w, r, &req) {
		return
	}
	var (
		gs  state.GroupState
		err error
	)
	if req.Strategy == "" {
		gs, err = s.rt.Admin().ConfigureInstances(r.Context(), req.Stream, req.Group, req.Instances)
	} else {
		strategy, perr := state.ParseStrategy(req.Strategy)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": perr.Error()})
			return
		}
		gs, err = s.rt.Admin().ConfigureGroup(r.Context(), req.Stream, req.Group, state.GroupConfig{Instances: req.Instances, Strategy: strategy, HashKey: req.HashKey})
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewGroup(gs))
}

type syncGroupsReq struct {
	Stream string         `json:"stream"`
	Groups map[string]int `json:"groups"`
}

func (s *Server) handleSyncGroups(w http.ResponseWriter, r *http.Request) {
	var req syncGroupsReq
	if !decode(w, r, &req) {
		return
	}
	if err := s.rt.Admin().ConfigureGroups(r.Context(), req.Stream, req.Groups); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
