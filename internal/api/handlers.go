package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/render"
	"github.com/BTreeMap/OutreachPipe/internal/store"
)

type createTemplateRequest struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Active      *bool                 `json:"active"`
	Steps       []models.TemplateStep `json:"steps"`
}

type updateTemplateRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Active      *bool  `json:"active" validate:"required"`
}

type replaceStepsRequest struct {
	Steps []models.TemplateStep `json:"steps" validate:"required"`
}

type startSequenceRequest struct {
	TemplateID string `json:"template_id" validate:"required"`
}

type sequenceActionRequest struct {
	Action string `json:"action" validate:"required"`
}

func validateRequest(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return models.ValidationError(err)
	}
	return nil
}

// --- templates ---

func (s *Server) createTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "createTemplateHandler", err)
		return
	}
	t := &models.SequenceTemplate{
		Name:        req.Name,
		Description: req.Description,
		Active:      req.Active == nil || *req.Active,
		Steps:       req.Steps,
	}
	if err := s.engine.CreateTemplate(r.Context(), t); err != nil {
		writeError(w, "createTemplateHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Template created", t))
}

func (s *Server) listTemplatesHandler(w http.ResponseWriter, r *http.Request) {
	templates, err := s.engine.ListTemplates(r.Context())
	if err != nil {
		writeError(w, "listTemplatesHandler", err)
		return
	}
	if templates == nil {
		templates = []models.SequenceTemplate{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(templates))
}

func (s *Server) getTemplateHandler(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "getTemplateHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(t))
}

func (s *Server) updateTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var req updateTemplateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "updateTemplateHandler", err)
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, "updateTemplateHandler", err)
		return
	}
	t, err := s.engine.UpdateTemplate(r.Context(), r.PathValue("id"), store.TemplateMeta{
		Name:        req.Name,
		Description: req.Description,
		Active:      *req.Active,
	})
	if err != nil {
		writeError(w, "updateTemplateHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Template updated", t))
}

func (s *Server) replaceTemplateStepsHandler(w http.ResponseWriter, r *http.Request) {
	var req replaceStepsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "replaceTemplateStepsHandler", err)
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, "replaceTemplateStepsHandler", err)
		return
	}
	t, err := s.engine.ReplaceTemplateSteps(r.Context(), r.PathValue("id"), req.Steps)
	if err != nil {
		writeError(w, "replaceTemplateStepsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Template steps replaced", t))
}

func (s *Server) deleteTemplateHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteTemplate(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, "deleteTemplateHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Template deleted", nil))
}

func (s *Server) variablesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(render.AvailableVariables()))
}

// --- persons ---

func (s *Server) createPersonHandler(w http.ResponseWriter, r *http.Request) {
	var p models.Person
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, "createPersonHandler", err)
		return
	}
	p.ID = ""
	if err := s.engine.CreatePerson(r.Context(), &p); err != nil {
		writeError(w, "createPersonHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Person created", p))
}

func (s *Server) getPersonHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetPerson(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "getPersonHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

func (s *Server) personMessagesHandler(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.ListMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "personMessagesHandler", err)
		return
	}
	if records == nil {
		records = []models.MessageRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func (s *Server) personSequencesHandler(w http.ResponseWriter, r *http.Request) {
	instances, err := s.engine.ListForPerson(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "personSequencesHandler", err)
		return
	}
	if instances == nil {
		instances = []models.SequenceInstance{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(instances))
}

func (s *Server) startSequenceHandler(w http.ResponseWriter, r *http.Request) {
	var req startSequenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "startSequenceHandler", err)
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, "startSequenceHandler", err)
		return
	}
	inst, err := s.engine.StartSequence(r.Context(), r.PathValue("id"), req.TemplateID)
	if err != nil {
		writeError(w, "startSequenceHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Sequence started", inst))
}

// --- sequences ---

func (s *Server) getSequenceHandler(w http.ResponseWriter, r *http.Request) {
	inst, err := s.engine.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "getSequenceHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(inst))
}

func (s *Server) sequenceActionHandler(w http.ResponseWriter, r *http.Request) {
	var req sequenceActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "sequenceActionHandler", err)
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, "sequenceActionHandler", err)
		return
	}
	action, err := models.ParseAction(req.Action)
	if err != nil {
		writeError(w, "sequenceActionHandler", err)
		return
	}
	inst, err := s.engine.ApplyAction(r.Context(), r.PathValue("id"), action)
	if err != nil {
		writeError(w, "sequenceActionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Sequence "+string(inst.Status), inst))
}

func (s *Server) deleteSequenceHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteSequence(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, "deleteSequenceHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Sequence deleted", nil))
}

// --- operations ---

func (s *Server) cronTickHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorizedCron(r) {
		slog.Warn("Server.cronTickHandler: unauthorized tick request", "remote", r.RemoteAddr)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
		return
	}
	res, err := s.ticker.Tick(r.Context())
	if err != nil {
		writeError(w, "cronTickHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) authorizedCron(r *http.Request) bool {
	if s.cronSecret == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.cronSecret)) == 1
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}
