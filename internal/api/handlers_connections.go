package api

import (
	"database/sql"
	"maps"
	"net/http"
	"slices"

	"opscron/internal/dbpool"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
)

type connectionRequest struct {
	Name     string `json:"name"`
	Engine   string `json:"engine"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
	Params   string `json:"params"`
	Remark   string `json:"remark"`
}

type connectionPatchRequest struct {
	Name     *string `json:"name"`
	Engine   *string `json:"engine"`
	Host     *string `json:"host"`
	Port     *int    `json:"port"`
	Username *string `json:"username"`
	Password *string `json:"password"`
	Database *string `json:"database"`
	Params   *string `json:"params"`
	Remark   *string `json:"remark"`
}

// connectionResponse never carries the password, only whether one is set.
type connectionResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Engine      string `json:"engine"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	Username    string `json:"username,omitempty"`
	HasPassword bool   `json:"has_password"`
	Database    string `json:"database,omitempty"`
	Params      string `json:"params,omitempty"`
	Status      string `json:"status"`
	Remark      string `json:"remark,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type testResponse struct {
	OK        bool   `json:"ok"`
	Message   string `json:"message"`
	LatencyMs int64  `json:"latency_ms"`
}

func (req connectionRequest) input() dbpool.ConnectionInput {
	return dbpool.ConnectionInput{
		Name:     req.Name,
		Engine:   req.Engine,
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
		Password: req.Password,
		Database: req.Database,
		Params:   req.Params,
		Remark:   req.Remark,
	}
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	conn, err := s.conns.Create(r.Context(), req.input())
	if err != nil {
		writeServiceError(w, s.logger, "create connection", err)
		return
	}
	writeJSON(w, http.StatusCreated, connectionToResponse(conn))
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.conns.List(r.Context())
	if err != nil {
		writeServiceError(w, s.logger, "list connections", err)
		return
	}
	res := listResponse[connectionResponse]{Items: make([]connectionResponse, 0, len(conns)), Total: len(conns)}
	for _, c := range conns {
		res.Items = append(res.Items, connectionToResponse(c))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connID")
	conn, err := s.conns.Get(r.Context(), connID)
	if err != nil {
		writeServiceError(w, s.logger, "load connection", err, "conn_id", connID)
		return
	}
	writeJSON(w, http.StatusOK, connectionToResponse(conn))
}

func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connID")
	var req connectionPatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	conn, err := s.conns.Update(r.Context(), connID, dbpool.ConnectionPatch{
		Name:     req.Name,
		Engine:   req.Engine,
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
		Password: req.Password,
		Database: req.Database,
		Params:   req.Params,
		Remark:   req.Remark,
	})
	if err != nil {
		writeServiceError(w, s.logger, "update connection", err, "conn_id", connID)
		return
	}
	writeJSON(w, http.StatusOK, connectionToResponse(conn))
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connID")
	if err := s.conns.Delete(r.Context(), connID); err != nil {
		writeServiceError(w, s.logger, "delete connection", err, "conn_id", connID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestParams probes unsaved parameters. A failed probe is still a
// 200 with ok=false.
func (s *Server) handleTestParams(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, toTestResponse(s.conns.TestParams(r.Context(), req.input())))
}

func (s *Server) handleTestStored(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connID")
	res, err := s.conns.TestStored(r.Context(), connID)
	if err != nil {
		writeServiceError(w, s.logger, "test connection", err, "conn_id", connID)
		return
	}
	writeJSON(w, http.StatusOK, toTestResponse(res))
}

func (s *Server) handleRefreshConnection(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connID")
	if _, err := s.conns.Get(r.Context(), connID); err != nil {
		writeServiceError(w, s.logger, "load connection", err, "conn_id", connID)
		return
	}
	s.conns.Registry().Refresh(connID)
	w.WriteHeader(http.StatusNoContent)
}

type poolResponse struct {
	ConnID         string `json:"conn_id"`
	Open           int    `json:"open"`
	InUse          int    `json:"in_use"`
	Idle           int    `json:"idle"`
	MaxOpen        int    `json:"max_open"`
	WaitCount      int64  `json:"wait_count"`
	WaitDurationMs int64  `json:"wait_duration_ms"`
}

// handleOpenPool creates the connection's pool if needed and reports it.
func (s *Server) handleOpenPool(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connID")
	if _, err := s.conns.Get(r.Context(), connID); err != nil {
		writeServiceError(w, s.logger, "load connection", err, "conn_id", connID)
		return
	}
	pool, err := s.conns.Registry().Ensure(r.Context(), connID)
	if err != nil {
		var cerr *dbpool.CreateError
		if errors.As(err, &cerr) && !errors.Is(err, dbpool.ErrConnectionNotFound) {
			writeError(w, http.StatusBadGateway, "pool_unavailable", err.Error())
			return
		}
		writeServiceError(w, s.logger, "open pool", err, "conn_id", connID)
		return
	}
	writeJSON(w, http.StatusOK, toPoolResponse(connID, pool.DB.Stats()))
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	stats := s.conns.Registry().Stats()
	items := make([]poolResponse, 0, len(stats))
	for _, id := range slices.Sorted(maps.Keys(stats)) {
		items = append(items, toPoolResponse(id, stats[id]))
	}
	writeJSON(w, http.StatusOK, listResponse[poolResponse]{Items: items, Total: len(items)})
}

func toPoolResponse(connID string, st sql.DBStats) poolResponse {
	return poolResponse{
		ConnID:         connID,
		Open:           st.OpenConnections,
		InUse:          st.InUse,
		Idle:           st.Idle,
		MaxOpen:        st.MaxOpenConnections,
		WaitCount:      st.WaitCount,
		WaitDurationMs: st.WaitDuration.Milliseconds(),
	}
}

func toTestResponse(res dbpool.TestResult) testResponse {
	return testResponse{OK: res.OK, Message: res.Message, LatencyMs: res.Latency.Milliseconds()}
}

func connectionToResponse(c *dbpool.Connection) connectionResponse {
	return connectionResponse{
		ID:          c.ID,
		Name:        c.Name,
		Engine:      string(c.Engine),
		Host:        c.Host,
		Port:        c.Port,
		Username:    c.Username,
		HasPassword: c.Password != "",
		Database:    c.Database,
		Params:      c.Params,
		Status:      string(c.Status),
		Remark:      c.Remark,
		CreatedAt:   formatTime(c.CreatedAt),
		UpdatedAt:   formatTime(c.UpdatedAt),
	}
}
