package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pixelmint/gatekeeper/pkg/access"
	"github.com/pixelmint/gatekeeper/pkg/events"
	"github.com/pixelmint/gatekeeper/pkg/observability"
)

// AuthorizeRequest is the body of POST /v1/authorize.
type AuthorizeRequest struct {
	SubjectID    string `json:"subject_id,omitempty"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Permission   string `json:"permission"`
}

// AuthorizeResponse is the decision returned to the caller. The
// answering tier rides in the X-Cache-Tier header.
type AuthorizeResponse struct {
	Granted bool   `json:"granted"`
	Method  string `json:"method"`
	Role    string `json:"role,omitempty"`
}

// handleAuthorize resolves one access check. Platform services call it
// with the shared service token and name the subject in the body;
// end-user callers present their own bearer and are the subject.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	subjectID, ok := s.authorizeSubject(w, r, req.SubjectID)
	if !ok {
		return
	}

	resourceType, err := access.ParseResourceType(req.ResourceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resourceID, err := uuid.Parse(req.ResourceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid resource_id")
		return
	}
	perm, err := access.ParsePermission(req.Permission)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := observability.WithSubjectID(r.Context(), subjectID.String())
	decision, tier, err := s.orch.GetOrResolve(ctx, subjectID, resourceType, resourceID, perm)
	if err != nil {
		switch {
		case errors.Is(err, access.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, access.ErrResolutionUnavailable):
			observability.FromContext(ctx).WithError(err).Error("resolution unavailable")
			writeError(w, http.StatusServiceUnavailable, "resolution unavailable")
		default:
			observability.FromContext(ctx).WithError(err).Error("authorize failed")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	w.Header().Set("X-Cache-Tier", string(tier))
	writeJSON(w, http.StatusOK, AuthorizeResponse{
		Granted: decision.Granted,
		Method:  string(decision.Method),
		Role:    string(decision.EffectiveRole),
	})
}

// authorizeSubject decides whose access is being checked. The service
// token may ask about any subject; any other bearer resolves to an
// identity and may only ask about itself.
func (s *Server) authorizeSubject(w http.ResponseWriter, r *http.Request, bodySubject string) (uuid.UUID, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return uuid.Nil, false
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(s.serviceToken)) == 1 {
		subjectID, err := uuid.Parse(bodySubject)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid subject_id")
			return uuid.Nil, false
		}
		return subjectID, true
	}

	if s.identity == nil {
		writeError(w, http.StatusUnauthorized, "unknown bearer token")
		return uuid.Nil, false
	}
	subject, err := s.identity.Resolve(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return uuid.Nil, false
	}
	if bodySubject != "" && bodySubject != subject.ID.String() {
		writeError(w, http.StatusForbidden, "token does not match subject_id")
		return uuid.Nil, false
	}
	return subject.ID, true
}

func (s *Server) handleInvalidateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.finishInvalidation(w, r, s.orch.InvalidateUser(r.Context(), id))
}

func (s *Server) handleInvalidateResource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	resourceType := access.ResourceType(r.URL.Query().Get("type"))
	if resourceType == "" {
		resourceType = access.ResourceProject
	}
	if _, err := access.ParseResourceType(string(resourceType)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.finishInvalidation(w, r, s.orch.InvalidateResource(r.Context(), resourceType, id))
}

func (s *Server) handleInvalidateTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.finishInvalidation(w, r, s.orch.InvalidateTeam(r.Context(), id))
}

// finishInvalidation maps invalidation outcomes: a purge that failed
// against Redis is already queued for retry, so the caller gets 202
// rather than an error.
func (s *Server) finishInvalidation(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
	case errors.Is(err, access.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, access.ErrInvalidationFailed):
		observability.FromContext(r.Context()).WithError(err).Warn("invalidation queued for retry")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	default:
		observability.FromContext(r.Context()).WithError(err).Error("invalidation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var event events.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.dispatcher.Dispatch(r.Context(), event)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "dispatched"})
	case errors.Is(err, access.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Warn("event partially dispatched")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
