package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"

	"github.com/seclab/aegis/internal/config"
	"github.com/seclab/aegis/internal/core/domain"
	"github.com/seclab/aegis/internal/core/ports"
	"github.com/seclab/aegis/internal/core/services"
)

// Server exposes the kernel API: chat (the agent loop), conversations,
// tools, traces, assessments, settings, and SSE event streams.
type Server struct {
	logger      *slog.Logger
	loop        *services.AgentLoop
	convs       *services.ConversationStore
	tools       *domain.ToolRegistry
	tracer      *services.TraceCollector
	eventBus    *services.EventBus
	assessments *services.AssessmentWorkflow
	cveIndex    *services.CVEIndex
	settings    *config.SettingsStore
	repo        ports.Repository
}

func NewServer(
	logger *slog.Logger,
	loop *services.AgentLoop,
	convs *services.ConversationStore,
	tools *domain.ToolRegistry,
	tracer *services.TraceCollector,
	eventBus *services.EventBus,
	assessments *services.AssessmentWorkflow,
	cveIndex *services.CVEIndex,
	settings *config.SettingsStore,
	repo ports.Repository,
) *Server {
	return &Server{
		logger:      logger,
		loop:        loop,
		convs:       convs,
		tools:       tools,
		tracer:      tracer,
		eventBus:    eventBus,
		assessments: assessments,
		cveIndex:    cveIndex,
		settings:    settings,
		repo:        repo,
	}
}

// Handler returns the routed http.Handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/chat", s.handleChat)

	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("PUT /v1/conversations/{id}/title", s.handleUpdateTitle)
	mux.HandleFunc("GET /v1/conversations/{id}/events", s.handleEventsSSE)

	mux.HandleFunc("GET /v1/tools", s.handleListTools)
	mux.HandleFunc("POST /v1/tools/{name}/run", s.handleRunTool)

	mux.HandleFunc("GET /v1/traces", s.handleListTraces)
	mux.HandleFunc("GET /v1/traces/{id}", s.handleGetTrace)
	mux.HandleFunc("GET /v1/traces/{id}/events", s.handleEventsSSE)

	mux.HandleFunc("POST /v1/assessments", s.handleStartAssessment)
	mux.HandleFunc("GET /v1/assessments", s.handleListAssessments)
	mux.HandleFunc("GET /v1/assessments/{id}", s.handleGetAssessment)
	mux.HandleFunc("GET /v1/assessments/{id}/findings", s.handleListFindings)
	mux.HandleFunc("GET /v1/assessments/{id}/events", s.handleEventsSSE)

	mux.HandleFunc("POST /v1/cve/import", s.handleImportCVEs)
	mux.HandleFunc("GET /v1/cve/search", s.handleSearchCVEs)

	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handleUpdateSettings)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Chat ---

type chatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

type chatResponse struct {
	ConversationID string           `json:"conversation_id"`
	State          domain.LoopState `json:"state"`
	Answer         string           `json:"answer,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Iterations     int              `json:"iterations"`
	Messages       []domain.Message `json:"messages"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx := r.Context()
	if secs := s.settings.GetConfig().Agent.InvocationSecs; secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	result, convID, err := s.loop.Invoke(ctx, domain.ConversationID(req.ConversationID), req.Message)
	if err != nil && errors.Is(err, domain.ErrCollaboratorUnavailable) {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		ConversationID: string(convID),
		State:          result.State,
		Answer:         result.Answer,
		Reason:         result.Reason,
		Iterations:     result.Iterations,
		Messages:       result.Messages,
	})
}

// --- Conversations ---

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.convs.ListConversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	conv, err := s.convs.CreateConversation(r.Context(), req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := domain.ConversationID(r.PathValue("id"))

	conv, err := s.convs.GetConversation(r.Context(), id)
	if errors.Is(err, domain.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	msgs, err := s.convs.GetMessages(r.Context(), id, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"messages":     msgs,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := domain.ConversationID(r.PathValue("id"))
	if err := s.convs.DeleteConversation(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	id := domain.ConversationID(r.PathValue("id"))
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	err := s.convs.UpdateTitle(r.Context(), id, req.Title)
	if errors.Is(err, domain.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Tools ---

// toolDTO is the JSON representation of a tool (Execute func is excluded).
type toolDTO struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Parameters  domain.ToolParameters `json:"parameters"`
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	tools := s.tools.ListTools()
	dtos := make([]toolDTO, 0, len(tools))
	for _, t := range tools {
		dtos = append(dtos, toolDTO{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": dtos})
}

func (s *Server) handleRunTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req struct {
		Params map[string]interface{} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := s.tools.Execute(r.Context(), name, req.Params)
	if errors.Is(err, domain.ErrUnknownTool) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "failed", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "output": out})
}

// --- Traces ---

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"traces": s.tracer.ListTraces(limit)})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	id := domain.TraceID(r.PathValue("id"))

	trace, err := s.tracer.GetTrace(id)
	if err != nil {
		// Fall back to persisted traces once the ring buffer evicted it.
		trace, err = s.repo.GetTrace(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, "trace not found")
			return
		}
	}
	writeJSON(w, http.StatusOK, trace)
}

// --- Assessments ---

func (s *Server) handleStartAssessment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}

	timeout := time.Duration(s.settings.GetConfig().Agent.InvocationSecs) * time.Second
	id, err := s.assessments.Start(r.Context(), req.Target, timeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"assessment_id": string(id)})
}

func (s *Server) handleListAssessments(w http.ResponseWriter, r *http.Request) {
	states, err := s.repo.ListAssessments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"assessments": states})
}

func (s *Server) handleGetAssessment(w http.ResponseWriter, r *http.Request) {
	id := domain.AssessmentID(r.PathValue("id"))

	state, err := s.repo.GetAssessment(r.Context(), id)
	if errors.Is(err, domain.ErrAssessmentNotFound) {
		writeError(w, http.StatusNotFound, "assessment not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	id := domain.AssessmentID(r.PathValue("id"))

	findings, err := s.repo.ListFindings(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"findings": findings})
}

// --- CVE corpus ---

func (s *Server) handleImportCVEs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VectorsPath  string `json:"vectors_path"`
		MetadataPath string `json:"metadata_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VectorsPath == "" || req.MetadataPath == "" {
		writeError(w, http.StatusBadRequest, "vectors_path and metadata_path are required")
		return
	}

	count, err := s.cveIndex.IngestTSV(r.Context(), req.VectorsPath, req.MetadataPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"imported": count, "total": s.cveIndex.Len()})
}

func (s *Server) handleSearchCVEs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	k := 5
	if v := r.URL.Query().Get("k"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			k = n
		}
	}

	matches, err := s.cveIndex.Search(r.Context(), query, k)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"matches": matches})
}

// --- Settings ---

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.GetMaskedConfig())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var update domain.AppConfig
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.settings.UpdateConfig(r.Context(), &update); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.settings.GetMaskedConfig())
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
