package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"polserver/config"
	"polserver/countlog"
	"polserver/hardware"
	"polserver/history"
	"polserver/monitor"
	"polserver/operation"
	"polserver/stats"
	"polserver/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// apiServer exposes the admin HTTP interface: async command dispatch,
// operation polling, live counts, stream diagnostics, and command history.
type apiServer struct {
	cfg          *config.Config
	orchestrator *operation.Orchestrator
	registry     *operation.Registry
	consumer     *telemetry.Consumer
	bridge       *monitor.Bridge
	historyStore *history.Store
	counts       *countlog.Log
	tracker      *stats.Tracker
	newClient    hardware.ClientFactory
}

// Purpose: Build the admin HTTP server with all routes registered.
// Key aspects: Optional collaborators (bridge, countlog) degrade to 503 when absent.
// Upstream: main startup.
// Downstream: http.Server.
func newAPIServer(s *apiServer) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Async hardware commands.
	mux.HandleFunc("POST /polarization/set", s.handleSetPolarization)
	mux.HandleFunc("POST /calibrate", s.handleCalibrate)
	mux.HandleFunc("POST /power/set", s.handleSetPower)
	mux.HandleFunc("POST /home", s.handleHome)
	mux.HandleFunc("POST /bell-angles/set", s.handleSetBellAngles)
	mux.HandleFunc("POST /waveplate/forward", s.moveHandler("forward"))
	mux.HandleFunc("POST /waveplate/backward", s.moveHandler("backward"))
	mux.HandleFunc("POST /waveplate/goto", s.moveHandler("goto"))

	// Synchronous hardware queries.
	mux.HandleFunc("GET /info", s.queryHandler("info", func(c *hardware.Client) (map[string]any, error) { return c.Info() }))
	mux.HandleFunc("GET /commands", s.queryHandler("commands", func(c *hardware.Client) (map[string]any, error) { return c.Commands() }))
	mux.HandleFunc("GET /positions", s.queryHandler("positions", func(c *hardware.Client) (map[string]any, error) { return c.Positions() }))
	mux.HandleFunc("GET /motor-info", s.queryHandler("motor-info", func(c *hardware.Client) (map[string]any, error) { return c.MotorInfo() }))
	mux.HandleFunc("GET /current-path", s.queryHandler("current-path", func(c *hardware.Client) (map[string]any, error) { return c.CurrentPath() }))
	mux.HandleFunc("GET /paths", s.queryHandler("paths", func(c *hardware.Client) (map[string]any, error) { return c.Paths() }))

	// Operation tracking.
	mux.HandleFunc("GET /operations", s.handleOperations)
	mux.HandleFunc("GET /operations/health", s.handleOperationsHealth)
	mux.HandleFunc("GET /operations/{id}", s.handleOperation)

	// Telemetry.
	mux.HandleFunc("GET /counts", s.handleCounts)
	mux.HandleFunc("GET /counts/recent", s.handleCountsRecent)
	mux.HandleFunc("GET /stream/stats", s.handleStreamStats)
	mux.HandleFunc("GET /stream/health", s.handleStreamHealth)
	mux.HandleFunc("POST /stream/reset-position", s.handleStreamReset)

	// Command history.
	mux.HandleFunc("GET /commands/history", s.handleHistory)
	mux.HandleFunc("GET /commands/history/stats", s.handleHistoryStats)
	mux.HandleFunc("POST /commands/add", s.handleHistoryAdd)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.BindAddress, s.cfg.Server.HTTPPort)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"success": false, "detail": detail})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// dispatched is the standard accepted-command response. Operations outlive
// the request, so dispatch never uses the request context.
func (s *apiServer) dispatched(w http.ResponseWriter, message, description, commandName string, params map[string]any) {
	id := s.orchestrator.Dispatch(context.Background(), description, commandName, params)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      message,
		"operation_id": id,
		"status":       "pending",
	})
}

func (s *apiServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Polarization Control API",
		"version": "1.0.0",
	})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	hardwareUp := s.newClient().TestConnection()
	streamUp := s.bridge != nil && s.bridge.IsConnected()

	status := "degraded"
	switch {
	case hardwareUp && streamUp:
		status = "healthy"
	case !hardwareUp && !streamUp:
		status = "unhealthy"
	}
	resp := map[string]any{
		"status":              status,
		"hardware_connection": hardwareUp,
		"stream_connection":   streamUp,
		"hardware_server":     fmt.Sprintf("%s:%d", s.cfg.Hardware.Host, s.cfg.Hardware.Port),
	}
	if s.cfg.Monitor.Enabled {
		resp["monitor_broker"] = fmt.Sprintf("%s:%d", s.cfg.Monitor.Broker, s.cfg.Monitor.Port)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	var historyDrops uint64
	if s.historyStore != nil {
		historyDrops = s.historyStore.Stats().Drops
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"uptime_seconds":   int64(s.tracker.GetUptime().Seconds()),
			"commands":         s.tracker.GetCommandCounts(),
			"outcomes":         s.tracker.GetOutcomeCounts(),
			"total_dispatched": s.tracker.GetTotal(),
			"history_drops":    historyDrops,
		},
	})
}

type polarizationSetRequest struct {
	Setting string `json:"setting"`
}

func (s *apiServer) handleSetPolarization(w http.ResponseWriter, r *http.Request) {
	var req polarizationSetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Setting) == "" {
		writeError(w, http.StatusBadRequest, "setting is required")
		return
	}
	s.dispatched(w, "Polarization operation started",
		fmt.Sprintf("Set Polarization: %s", req.Setting),
		"set_polarization", map[string]any{"setting": req.Setting})
}

type partyRequest struct {
	Party string `json:"party"`
}

func (s *apiServer) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var req partyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	party := strings.ToLower(req.Party)
	if party != "alice" && party != "bob" && party != "source" {
		writeError(w, http.StatusBadRequest, "Party must be 'alice', 'bob', or 'source'")
		return
	}
	s.dispatched(w, fmt.Sprintf("Calibration operation started for %s", party),
		fmt.Sprintf("Calibrate %s", capitalize(party)),
		"calibrate", map[string]any{"party": party})
}

type powerSetRequest struct {
	Power *float64 `json:"power"`
}

func (s *apiServer) handleSetPower(w http.ResponseWriter, r *http.Request) {
	var req powerSetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Power == nil || *req.Power < 0 || *req.Power > 1 {
		writeError(w, http.StatusBadRequest, "Power must be between 0.0 and 1.0")
		return
	}
	s.dispatched(w, "Power operation started",
		fmt.Sprintf("Set Laser Power: %g", *req.Power),
		"set_power", map[string]any{"power": *req.Power})
}

func (s *apiServer) handleHome(w http.ResponseWriter, r *http.Request) {
	var req partyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	party := strings.ToLower(req.Party)
	if party != "alice" && party != "bob" && party != "source" && party != "all" {
		writeError(w, http.StatusBadRequest, "Party must be 'alice', 'bob', 'source', or 'all'")
		return
	}
	s.dispatched(w, fmt.Sprintf("Homing operation started for %s", party),
		fmt.Sprintf("Home %s", capitalize(party)),
		"home", map[string]any{"party": party})
}

type bellAnglesRequest struct {
	Angles []float64 `json:"angles"`
}

func (s *apiServer) handleSetBellAngles(w http.ResponseWriter, r *http.Request) {
	var req bellAnglesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	params := map[string]any{}
	if req.Angles != nil {
		params["angles"] = req.Angles
	}
	s.dispatched(w, "Bell angles operation started", "Set Bell Angles",
		"set_pc_to_bell_angles", params)
}

type waveplateMoveRequest struct {
	Party     string   `json:"party"`
	Waveplate string   `json:"waveplate"`
	Position  *float64 `json:"position"`
}

// moveHandler builds the handler for one waveplate movement direction.
func (s *apiServer) moveHandler(direction string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req waveplateMoveRequest
		if !decodeBody(w, r, &req) {
			return
		}
		party := strings.ToLower(req.Party)
		if party != "alice" && party != "bob" && party != "source" {
			writeError(w, http.StatusBadRequest, "Party must be 'alice', 'bob', or 'source'")
			return
		}
		if strings.TrimSpace(req.Waveplate) == "" || req.Position == nil {
			writeError(w, http.StatusBadRequest, "waveplate and position are required")
			return
		}
		var description, message, command string
		switch direction {
		case "forward":
			description = fmt.Sprintf("Move %s forward %g° on %s", req.Waveplate, *req.Position, party)
			message = "Forward movement operation started"
			command = "move_forward"
		case "backward":
			description = fmt.Sprintf("Move %s backward %g° on %s", req.Waveplate, *req.Position, party)
			message = "Backward movement operation started"
			command = "move_backward"
		default:
			description = fmt.Sprintf("Move %s to %g° on %s", req.Waveplate, *req.Position, party)
			message = "Goto position operation started"
			command = "move_goto"
		}
		s.dispatched(w, message, description, command, map[string]any{
			"party":     party,
			"waveplate": req.Waveplate,
			"position":  *req.Position,
		})
	}
}

// queryHandler wraps a synchronous hardware query. These run on the request
// path with a fresh connection, never through the operation pool.
func (s *apiServer) queryHandler(name string, query func(*hardware.Client) (map[string]any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := query(s.newClient())
		if err != nil {
			log.Printf("API: %s query failed: %v", name, err)
			writeError(w, http.StatusServiceUnavailable, "hardware communication error: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": result})
	}
}

func (s *apiServer) handleOperations(w http.ResponseWriter, r *http.Request) {
	ops := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    ops,
		"count":   len(ops),
	})
}

func (s *apiServer) handleOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Operation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": op})
}

func (s *apiServer) handleOperationsHealth(w http.ResponseWriter, r *http.Request) {
	var pending, running, completed, errored int
	stale := []string{}
	now := time.Now().UTC()
	ops := s.registry.List()
	for _, op := range ops {
		switch op.Status {
		case operation.StatusPending:
			pending++
		case operation.StatusRunning:
			running++
			if now.Sub(op.StartedAt) > staleOperationAge {
				stale = append(stale, op.ID)
			}
		case operation.StatusCompleted:
			completed++
		case operation.StatusError:
			errored++
		}
	}
	health := "healthy"
	if len(stale) > 0 {
		health = "warning"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"total_operations": len(ops),
			"pending":          pending,
			"running":          running,
			"completed":        completed,
			"errors":           errored,
			"stale_operations": stale,
			"health_status":    health,
		},
	})
}

func (s *apiServer) handleCounts(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.consumer.Latest()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": "No recent counts data available",
			"data":    nil,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": snap})
}

func (s *apiServer) handleCountsRecent(w http.ResponseWriter, r *http.Request) {
	if s.counts == nil {
		writeError(w, http.StatusServiceUnavailable, "count archive not enabled")
		return
	}
	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}
	snaps, err := s.counts.Recent(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read count archive")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    snaps,
		"count":   len(snaps),
	})
}

func (s *apiServer) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": s.consumer.Stats()})
}

func (s *apiServer) handleStreamHealth(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":            "unavailable",
			"stream_connection": false,
			"message":           "Monitor bridge not enabled",
		})
		return
	}
	h := s.bridge.Health()
	status := "unhealthy"
	if h.Connected {
		status = "healthy"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            status,
		"stream_connection": h.Connected,
		"monitor_broker":    fmt.Sprintf("%s:%d", s.cfg.Monitor.Broker, s.cfg.Monitor.Port),
		"payloads":          h.Payloads,
		"parse_errors":      h.ParseErrors,
		"duplicate_drops":   h.DupDrops,
	})
}

func (s *apiServer) handleStreamReset(w http.ResponseWriter, r *http.Request) {
	position := r.URL.Query().Get("position")
	if position == "" {
		position = telemetry.CursorLatest
	}
	old := s.consumer.ResetPosition(position)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("Stream position reset from %s to %s", old, position),
		"old_position": old,
		"new_position": position,
	})
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.historyStore == nil {
		writeError(w, http.StatusServiceUnavailable, "command history not available")
		return
	}
	entries, err := s.historyStore.Recent(0)
	if err != nil {
		log.Printf("API: failed to read command history: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to get command history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    entries,
		"count":   len(entries),
	})
}

func (s *apiServer) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	if s.historyStore == nil {
		writeError(w, http.StatusServiceUnavailable, "command history not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": s.historyStore.Stats()})
}

type addCommandRequest struct {
	Command  string `json:"command"`
	Response string `json:"response"`
	IsError  bool   `json:"isError"`
}

func (s *apiServer) handleHistoryAdd(w http.ResponseWriter, r *http.Request) {
	if s.historyStore == nil {
		writeError(w, http.StatusServiceUnavailable, "command history not available")
		return
	}
	var req addCommandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	s.historyStore.Append(req.Command, req.Response, req.IsError)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Command added to history",
	})
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
