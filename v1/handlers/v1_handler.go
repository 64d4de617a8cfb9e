package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/civic-dx/register-backend/shared/utils"
	"github.com/civic-dx/register-backend/v1/customfields"
	"github.com/civic-dx/register-backend/v1/mapping"
	"github.com/civic-dx/register-backend/v1/services"
	"github.com/civic-dx/register-backend/v1/settings"
)

// V1Handler handles all V1 API routes
type V1Handler struct {
	personService      *services.PersonService
	customFieldService *services.CustomFieldService
	store              *customfields.Store
	provider           settings.Provider
}

// NewV1Handler creates a new V1 handler with the full service stack wired up
func NewV1Handler(db *gorm.DB, registry *customfields.Registry, provider settings.Provider) (*V1Handler, error) {
	loc := time.UTC
	if tz := utils.GetEnvOrDefault("TIME_ZONE", ""); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid TIME_ZONE %q: %w", tz, err)
		}
		loc = parsed
	}

	store := customfields.NewStore(db, registry, customfields.NewCoercer(loc))
	store.SetEnabledCheck(func(entityType string) (bool, error) {
		return provider.CustomFieldsEnabled(context.Background(), entityType)
	})
	return &V1Handler{
		personService:      services.NewPersonService(db, store, provider),
		customFieldService: services.NewCustomFieldService(db, store),
		store:              store,
		provider:           provider,
	}, nil
}

// Store exposes the custom field store for route-independent wiring
func (h *V1Handler) Store() *customfields.Store {
	return h.store
}

// SetupV1Routes configures all V1 API routes
func (h *V1Handler) SetupV1Routes(mux *http.ServeMux) {
	// Person routes
	mux.Handle("/api/v1/persons", utils.PanicRecoveryMiddleware(http.HandlerFunc(h.handlePersons)))
	mux.Handle("/api/v1/persons/", utils.PanicRecoveryMiddleware(http.HandlerFunc(h.handlePersons)))

	// Custom field admin routes
	mux.Handle("/api/v1/custom-fields", utils.PanicRecoveryMiddleware(http.HandlerFunc(h.handleCustomFields)))
	mux.Handle("/api/v1/custom-fields/", utils.PanicRecoveryMiddleware(http.HandlerFunc(h.handleCustomFields)))

	// Partner-system import routes
	mux.Handle("/api/v1/import/persons", utils.PanicRecoveryMiddleware(http.HandlerFunc(h.handleImportPersons)))
	mux.Handle("/api/v1/import/persons/", utils.PanicRecoveryMiddleware(http.HandlerFunc(h.handleImportPersons)))

	// Mapping admin routes
	mux.Handle("/api/v1/admin/mapping/validate", utils.PanicRecoveryMiddleware(http.HandlerFunc(h.handleValidateMapping)))
}

// handlePersons handles person-related routes
func (h *V1Handler) handlePersons(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/persons")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	// Handle collection endpoint: GET /api/v1/persons and POST /api/v1/persons
	if len(parts) == 1 && parts[0] == "" {
		switch r.Method {
		case http.MethodGet:
			h.listPersons(w, r)
		case http.MethodPost:
			h.createPerson(w, r)
		default:
			utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	id, ok := parseID(w, parts[0], "Person ID")
	if !ok {
		return
	}

	// Handle base person endpoint: GET, PUT and DELETE /api/v1/persons/:id
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.getPerson(w, r, id)
		case http.MethodPut, http.MethodPatch:
			h.updatePerson(w, r, id)
		case http.MethodDelete:
			h.deletePerson(w, r, id)
		default:
			utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	utils.RespondWithError(w, http.StatusNotFound, "Endpoint not found")
}

func (h *V1Handler) listPersons(w http.ResponseWriter, r *http.Request) {
	persons, err := h.personService.ListPersons()
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	out := make([]interface{}, 0, len(persons))
	for _, p := range persons {
		rendered, err := h.personService.RenderPerson(p)
		if err != nil {
			h.respondServiceError(w, err)
			return
		}
		out = append(out, rendered)
	}
	utils.RespondWithJSON(w, http.StatusOK, out)
}

func (h *V1Handler) createPerson(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeObject(w, r)
	if !ok {
		return
	}
	person, err := h.personService.CreatePerson(payload)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondWithPerson(w, http.StatusCreated, person.ID)
}

func (h *V1Handler) getPerson(w http.ResponseWriter, r *http.Request, id uint) {
	h.respondWithPerson(w, http.StatusOK, id)
}

func (h *V1Handler) updatePerson(w http.ResponseWriter, r *http.Request, id uint) {
	payload, ok := decodeObject(w, r)
	if !ok {
		return
	}
	person, err := h.personService.UpdatePerson(id, payload)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondWithPerson(w, http.StatusOK, person.ID)
}

func (h *V1Handler) deletePerson(w http.ResponseWriter, r *http.Request, id uint) {
	if err := h.personService.DeletePerson(id); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondWithPerson reloads the person with relations and renders it
func (h *V1Handler) respondWithPerson(w http.ResponseWriter, status int, id uint) {
	person, err := h.personService.GetPerson(id)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	rendered, err := h.personService.RenderPerson(person)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondWithJSON(w, status, rendered)
}

// handleCustomFields handles the field definition admin routes
func (h *V1Handler) handleCustomFields(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/custom-fields")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	// Handle collection endpoint: GET /api/v1/custom-fields and POST /api/v1/custom-fields
	if len(parts) == 1 && parts[0] == "" {
		switch r.Method {
		case http.MethodGet:
			h.listCustomFields(w, r)
		case http.MethodPost:
			h.createCustomField(w, r)
		default:
			utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	id, ok := parseID(w, parts[0], "Custom field ID")
	if !ok {
		return
	}

	// Handle base field endpoint: GET, PUT and DELETE /api/v1/custom-fields/:id
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.getCustomField(w, r, id)
		case http.MethodPut, http.MethodPatch:
			h.updateCustomField(w, r, id)
		case http.MethodDelete:
			h.deleteCustomField(w, r, id)
		default:
			utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	// Handle choice endpoints: /api/v1/custom-fields/:id/choices and .../choices/:valueId
	if parts[1] == "choices" {
		if len(parts) == 2 {
			switch r.Method {
			case http.MethodGet:
				h.listChoices(w, r, id)
			case http.MethodPost:
				h.createChoice(w, r, id)
			default:
				utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
			}
			return
		}
		if len(parts) == 3 && r.Method == http.MethodDelete {
			valueID, ok := parseID(w, parts[2], "Choice value ID")
			if !ok {
				return
			}
			h.deleteChoice(w, r, id, valueID)
			return
		}
	}

	utils.RespondWithError(w, http.StatusNotFound, "Endpoint not found")
}

func (h *V1Handler) listCustomFields(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("entityType")
	fields, err := h.customFieldService.ListFields(entityType)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	out := make([]interface{}, 0, len(fields))
	for i := range fields {
		rendered, err := h.customFieldService.RenderField(&fields[i])
		if err != nil {
			h.respondServiceError(w, err)
			return
		}
		out = append(out, rendered)
	}
	utils.RespondWithJSON(w, http.StatusOK, out)
}

func (h *V1Handler) createCustomField(w http.ResponseWriter, r *http.Request) {
	var req services.CreateCustomFieldRequest
	if err := utils.DecodeJSONBody(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	field, err := h.customFieldService.CreateField(&req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	rendered, err := h.customFieldService.RenderField(field)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, rendered)
}

func (h *V1Handler) getCustomField(w http.ResponseWriter, r *http.Request, id uint) {
	field, err := h.customFieldService.GetField(id)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	rendered, err := h.customFieldService.RenderField(field)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, rendered)
}

func (h *V1Handler) updateCustomField(w http.ResponseWriter, r *http.Request, id uint) {
	var req services.UpdateCustomFieldRequest
	if err := utils.DecodeJSONBody(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	field, err := h.customFieldService.UpdateField(id, &req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	rendered, err := h.customFieldService.RenderField(field)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, rendered)
}

func (h *V1Handler) deleteCustomField(w http.ResponseWriter, r *http.Request, id uint) {
	if err := h.customFieldService.DeleteField(id); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *V1Handler) listChoices(w http.ResponseWriter, r *http.Request, fieldID uint) {
	values, err := h.customFieldService.ListChoices(fieldID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	out := make([]interface{}, 0, len(values))
	for i := range values {
		out = append(out, h.store.Coercer().RenderChoice(&values[i]))
	}
	utils.RespondWithJSON(w, http.StatusOK, out)
}

func (h *V1Handler) createChoice(w http.ResponseWriter, r *http.Request, fieldID uint) {
	var req services.CreateChoiceRequest
	if err := utils.DecodeJSONBody(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	value, err := h.customFieldService.CreateChoice(fieldID, &req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, h.store.Coercer().RenderChoice(value))
}

func (h *V1Handler) deleteChoice(w http.ResponseWriter, r *http.Request, fieldID, valueID uint) {
	if err := h.customFieldService.DeleteChoice(fieldID, valueID); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImportPersons handles partner-system payloads: a single object or a
// list on the collection endpoint, an update on /:id
func (h *V1Handler) handleImportPersons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/import/persons")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 1 && parts[0] != "" {
		id, ok := parseID(w, parts[0], "Person ID")
		if !ok {
			return
		}
		payload, ok := decodeObject(w, r)
		if !ok {
			return
		}
		person, err := h.personService.ImportPerson(r.Context(), id, payload)
		if err != nil {
			h.respondServiceError(w, err)
			return
		}
		h.respondWithPerson(w, http.StatusOK, person.ID)
		return
	}

	var raw interface{}
	if err := utils.DecodeJSONBody(r, &raw); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var batch []map[string]interface{}
	switch v := raw.(type) {
	case map[string]interface{}:
		batch = []map[string]interface{}{v}
	case []interface{}:
		for _, item := range v {
			obj, ok := item.(map[string]interface{})
			if !ok {
				utils.RespondWithError(w, http.StatusBadRequest, "Expected a JSON object or a list of objects")
				return
			}
			batch = append(batch, obj)
		}
	default:
		utils.RespondWithError(w, http.StatusBadRequest, "Expected a JSON object or a list of objects")
		return
	}

	persons, err := h.personService.ImportPersons(r.Context(), batch)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	out := make([]interface{}, 0, len(persons))
	for _, p := range persons {
		reloaded, err := h.personService.GetPerson(p.ID)
		if err != nil {
			h.respondServiceError(w, err)
			return
		}
		rendered, err := h.personService.RenderPerson(reloaded)
		if err != nil {
			h.respondServiceError(w, err)
			return
		}
		out = append(out, rendered)
	}
	utils.RespondWithJSON(w, http.StatusCreated, out)
}

// validateMappingRequest carries a mapping table to check and the optional
// strictness toggles
type validateMappingRequest struct {
	Mapping map[string]interface{} `json:"mapping"`
	Options *struct {
		ValidateRequired     *bool  `json:"validateRequired"`
		AllowRelations       *bool  `json:"allowRelations"`
		ValidateCustomFields *bool  `json:"validateCustomFields"`
		ValidateKey          *bool  `json:"validateKey"`
		ValidateValue        *bool  `json:"validateValue"`
		RelationSeparator    string `json:"relationSeparator"`
	} `json:"options"`
}

// handleValidateMapping statically checks a mapping table before an operator
// activates it
func (h *V1Handler) handleValidateMapping(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req validateMappingRequest
	if err := utils.DecodeJSONBody(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Mapping == nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Mapping is required")
		return
	}

	table, err := mapping.ParseTable(req.Mapping)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := mapping.DefaultOptions()
	if req.Options != nil {
		if req.Options.ValidateRequired != nil {
			opts.ValidateRequired = *req.Options.ValidateRequired
		}
		if req.Options.AllowRelations != nil {
			opts.AllowRelations = *req.Options.AllowRelations
		}
		if req.Options.ValidateCustomFields != nil {
			opts.ValidateCustomFields = *req.Options.ValidateCustomFields
		}
		if req.Options.ValidateKey != nil {
			opts.ValidateKey = *req.Options.ValidateKey
		}
		if req.Options.ValidateValue != nil {
			opts.ValidateValue = *req.Options.ValidateValue
		}
		if req.Options.RelationSeparator != "" {
			opts.RelationSeparator = req.Options.RelationSeparator
		}
	}

	validator := mapping.NewValidator(h.store.Registry(), h.store, opts)
	if err := validator.Validate(table); err != nil {
		utils.RespondWithJSON(w, http.StatusBadRequest, map[string]interface{}{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}

// respondServiceError maps service errors onto HTTP statuses
func (h *V1Handler) respondServiceError(w http.ResponseWriter, err error) {
	var fieldErrs customfields.FieldErrors
	if errors.As(err, &fieldErrs) {
		utils.RespondWithJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "Validation failed",
			"fields": fieldErrs,
		})
		return
	}
	var lookupErr *customfields.LookupError
	if errors.As(err, &lookupErr) {
		utils.RespondWithJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   err.Error(),
			"missing": lookupErr.MissingIDs,
		})
		return
	}
	var unknownErr *customfields.UnknownFieldError
	if errors.As(err, &unknownErr) {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if customfields.IsConstraintViolation(err) {
		utils.RespondWithError(w, http.StatusConflict, err.Error())
		return
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "Not found")
		return
	}
	var configErr *customfields.ConfigError
	if errors.As(err, &configErr) {
		utils.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondWithError(w, http.StatusInternalServerError, "Internal server error")
}

func parseID(w http.ResponseWriter, raw, what string) (uint, bool) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, what+" must be numeric")
		return 0, false
	}
	return uint(id), true
}

func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]interface{}, bool) {
	var payload map[string]interface{}
	if err := utils.DecodeJSONBody(r, &payload); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	return payload, true
}
