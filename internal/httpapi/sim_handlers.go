package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"haccare.org/internal/ids"
	"haccare.org/internal/sim"
	"haccare.org/internal/stream"
)

type createTemplateRequest struct {
	OrganizationID  string `json:"organization_id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	DurationMinutes int    `json:"duration_minutes"`
}

type launchSessionRequest struct {
	TemplateID      string                `json:"template_id"`
	Name            string                `json:"name"`
	DurationMinutes int                   `json:"duration_minutes"`
	Participants    []sim.ParticipantSpec `json:"participants"`
}

type resetSessionRequest struct {
	Policy string `json:"policy"`
}

type debriefRequest struct {
	Notes string `json:"notes"`
}

type listResponse[T any] struct {
	Items []T       `json:"items"`
	AsOf  time.Time `json:"as_of"`
}

func items[T any](v []T) listResponse[T] {
	if v == nil {
		v = []T{}
	}
	return listResponse[T]{Items: v, AsOf: time.Now().UTC()}
}

// --- templates ---

func (a *API) handleTemplatesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createTemplate(w, r)
	case http.MethodGet:
		a.listTemplates(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTemplateResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(strings.TrimPrefix(r.URL.Path, "/v1/templates/"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getTemplate(w, r, id)
	case "capture":
		a.postOnly(w, r, func() { a.captureSnapshot(w, r, id) })
	case "publish":
		a.postOnly(w, r, func() { a.transitionTemplate(w, r, id, true) })
	case "archive":
		a.postOnly(w, r, func() { a.transitionTemplate(w, r, id, false) })
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createTemplate(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req createTemplateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.OrganizationID) == "" {
		writeError(w, r, http.StatusBadRequest, "organization_id is required")
		return
	}
	if !a.authz.CanOperate(r.Context(), p, req.OrganizationID) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	tpl, err := a.svc.CreateTemplate(r.Context(), req.OrganizationID, strings.TrimSpace(req.Name),
		strings.TrimSpace(req.Description), time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		handleSimError(w, r, err)
		return
	}

	a.audit(r.Context(), "sim.template.create", "template", tpl.ID, map[string]string{
		"organization_id": req.OrganizationID,
	})
	w.Header().Set("Location", "/v1/templates/"+tpl.ID)
	writeJSON(w, http.StatusCreated, tpl)
}

func (a *API) listTemplates(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.principal(w, r); !ok {
		return
	}
	tpls, err := a.svc.ListTemplates(r.Context(), strings.TrimSpace(r.URL.Query().Get("organization_id")))
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(tpls))
}

func (a *API) getTemplate(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	tpl, err := a.svc.GetTemplate(r.Context(), id)
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	if !a.authz.CanRead(r.Context(), p, tpl.TenantID) && !a.authz.CanRead(r.Context(), p, tpl.OrganizationID) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (a *API) captureSnapshot(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	tpl, err := a.svc.GetTemplate(r.Context(), id)
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	if !a.authz.CanOperate(r.Context(), p, tpl.OrganizationID) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	doc, err := a.svc.CaptureSnapshot(r.Context(), id)
	if err != nil {
		handleSimError(w, r, err)
		return
	}

	a.audit(r.Context(), "sim.snapshot.capture", "template", id, map[string]string{
		"row_count": strconv.Itoa(doc.RowCount()),
	})
	a.publish(stream.LifecycleEvent{Type: stream.EventSnapshotCaptured, TemplateID: id, TenantID: tpl.TenantID})
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) transitionTemplate(w http.ResponseWriter, r *http.Request, id string, publish bool) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	tpl, err := a.svc.GetTemplate(r.Context(), id)
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	if !a.authz.CanOperate(r.Context(), p, tpl.OrganizationID) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	if publish {
		tpl, err = a.svc.PublishTemplate(r.Context(), id)
	} else {
		tpl, err = a.svc.ArchiveTemplate(r.Context(), id)
	}
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// --- sessions ---

func (a *API) handleSessionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.launchSession(w, r)
	case http.MethodGet:
		a.listSessions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getSession(w, r, id)
	case "reset":
		a.postOnly(w, r, func() { a.resetSession(w, r, id) })
	case "complete":
		a.postOnly(w, r, func() { a.completeSession(w, r, id) })
	case "cancel":
		a.postOnly(w, r, func() { a.cancelSession(w, r, id) })
	case "activity":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.sessionActivity(w, r, id)
	case "participants":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.sessionParticipants(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) launchSession(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req launchSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.TemplateID) == "" {
		writeError(w, r, http.StatusBadRequest, "template_id is required")
		return
	}
	tpl, err := a.svc.GetTemplate(r.Context(), req.TemplateID)
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	if !a.authz.CanOperate(r.Context(), p, tpl.OrganizationID) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	sess, err := a.svc.Launch(r.Context(), sim.LaunchRequest{
		TemplateID:      req.TemplateID,
		Name:            strings.TrimSpace(req.Name),
		DurationMinutes: req.DurationMinutes,
		Participants:    req.Participants,
		CreatedBy:       p.ID,
	})
	if err != nil {
		handleSimError(w, r, err)
		return
	}

	a.audit(r.Context(), "sim.session.launch", "session", sess.ID, map[string]string{
		"template_id":  sess.TemplateID,
		"tenant_id":    sess.TenantID,
		"participants": strconv.Itoa(len(req.Participants)),
	})
	a.publish(stream.LifecycleEvent{
		Type: stream.EventSessionLaunched, SessionID: sess.ID,
		TemplateID: sess.TemplateID, TenantID: sess.TenantID, Name: sess.Name,
	})
	w.Header().Set("Location", "/v1/sessions/"+sess.ID)
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	sessions, err := a.svc.ListSessions(r.Context(), status)
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	// Non-administrators see only sessions whose tenant they hold a grant on.
	if !p.IsAdministrator() {
		visible := sessions[:0]
		for _, sess := range sessions {
			if a.authz.CanRead(r.Context(), p, sess.TenantID) {
				visible = append(visible, sess)
			}
		}
		sessions = visible
	}
	writeJSON(w, http.StatusOK, items(sessions))
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	sess, err := a.svc.GetSession(r.Context(), id)
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	if !a.authz.CanRead(r.Context(), p, sess.TenantID) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// operateOnSession loads the session and checks lifecycle permission.
func (a *API) operateOnSession(w http.ResponseWriter, r *http.Request, id string) (sim.Session, bool) {
	p, ok := a.principal(w, r)
	if !ok {
		return sim.Session{}, false
	}
	sess, err := a.svc.GetSession(r.Context(), id)
	if err != nil {
		handleSimError(w, r, err)
		return sim.Session{}, false
	}
	if !a.authz.CanOperate(r.Context(), p, sess.TenantID) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return sim.Session{}, false
	}
	return sess, true
}

func (a *API) resetSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := a.operateOnSession(w, r, id)
	if !ok {
		return
	}
	// An empty body means the default preserving policy.
	var req resetSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	summary, err := a.svc.Reset(r.Context(), id, sim.ResetPolicy(strings.TrimSpace(req.Policy)))
	if err != nil {
		handleSimError(w, r, err)
		return
	}

	a.audit(r.Context(), "sim.session.reset", "session", id, map[string]string{
		"policy":            string(summary.Policy),
		"authored_deleted":  strconv.Itoa(summary.AuthoredDeleted),
		"baseline_restored": strconv.Itoa(summary.BaselineRestored),
	})
	a.publish(stream.LifecycleEvent{
		Type: stream.EventSessionReset, SessionID: id, TenantID: sess.TenantID, Name: sess.Name,
	})
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) completeSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := a.operateOnSession(w, r, id)
	if !ok {
		return
	}
	// The activity aggregate is computed here so the archival transaction
	// stays short; a torn-down table costs report rows, not the completion.
	activities, err := a.svc.Aggregate(r.Context(), id)
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	rec, err := a.svc.Complete(r.Context(), id, activities)
	if err != nil {
		handleSimError(w, r, err)
		return
	}

	a.audit(r.Context(), "sim.session.complete", "session", id, map[string]string{
		"history_id": rec.ID,
		"students":   strconv.Itoa(len(rec.Activities)),
	})
	a.publish(stream.LifecycleEvent{
		Type: stream.EventSessionCompleted, SessionID: id, TenantID: sess.TenantID, Name: sess.Name,
	})
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) cancelSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := a.operateOnSession(w, r, id)
	if !ok {
		return
	}
	rec, err := a.svc.Cancel(r.Context(), id)
	if err != nil {
		handleSimError(w, r, err)
		return
	}

	a.audit(r.Context(), "sim.session.cancel", "session", id, map[string]string{
		"history_id": rec.ID,
	})
	a.publish(stream.LifecycleEvent{
		Type: stream.EventSessionCancelled, SessionID: id, TenantID: sess.TenantID, Name: sess.Name,
	})
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) sessionActivity(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.operateOnSession(w, r, id); !ok {
		return
	}
	activities, err := a.svc.Aggregate(r.Context(), id)
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(activities))
}

func (a *API) sessionParticipants(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	sess, err := a.svc.GetSession(r.Context(), id)
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	if !a.authz.CanRead(r.Context(), p, sess.TenantID) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	participants, err := a.svc.ListParticipants(r.Context(), id)
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(participants))
}

// --- history ---

func (a *API) handleHistoryCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	records, err := a.svc.ListHistory(r.Context())
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	if !p.IsAdministrator() {
		visible := records[:0]
		for _, rec := range records {
			if a.authz.CanRead(r.Context(), p, rec.TenantID) {
				visible = append(visible, rec)
			}
		}
		records = visible
	}
	writeJSON(w, http.StatusOK, items(records))
}

func (a *API) handleHistoryResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(strings.TrimPrefix(r.URL.Path, "/v1/history/"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getHistory(w, r, id)
	case "debrief":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.updateDebrief(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	rec, err := a.svc.GetHistory(r.Context(), id)
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	if !a.authz.CanRead(r.Context(), p, rec.TenantID) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) updateDebrief(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	rec, err := a.svc.GetHistory(r.Context(), id)
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	if !a.authz.CanOperate(r.Context(), p, rec.TenantID) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	var req debriefRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err = a.svc.UpdateDebrief(r.Context(), id, req.Notes)
	if err != nil {
		handleSimError(w, r, err)
		return
	}
	a.audit(r.Context(), "sim.history.debrief", "history", id, nil)
	writeJSON(w, http.StatusOK, rec)
}

// --- routing helpers ---

func (a *API) postOnly(w http.ResponseWriter, r *http.Request, fn func()) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	fn()
}

// splitResource parses "{id}" or "{id}/{action}" trailers. Ids the service
// could never have minted are rejected here so malformed paths 404 before
// touching the store.
func splitResource(path string) (id, action string, ok bool) {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return "", "", false
	}
	parts := strings.SplitN(path, "/", 3)
	switch len(parts) {
	case 1:
		return parts[0], "", ids.IsValid(parts[0])
	case 2:
		if parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], ids.IsValid(parts[0])
	}
	return "", "", false
}
