// Package brokertest provides an in-memory fake of the hosted broker for
// tests: sessions, installs, identities, tag search with the null/wildcard
// distinction, pagination, and the delayed session output that the commit
// poll loop has to ride out.
package brokertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/everyauth/everyauth-go/broker"
	"github.com/everyauth/everyauth-go/tags"
)

// Str is a convenience for building nullable tag maps.
func Str(s string) *string {
	return &s
}

type sessionRecord struct {
	ID          string
	Tags        map[string]string
	RedirectURL string
	Components  []string
	InstallID   string

	committed    bool
	pendingPolls int
	outputID     string
}

// record is a stored install or identity: tags may be explicitly null (nil
// pointer), which search treats differently from an absent key.
type record struct {
	ID           string
	Tags         map[string]*string
	DateModified string
	// Data maps component service ids to child identity ids (installs only).
	Data map[string]string
}

// Server is the fake broker. Seed it with AddIdentity/AddInstall, or drive it
// end to end through session start/commit.
type Server struct {
	*httptest.Server

	Account      string
	Subscription string

	// PendingPolls is how many session GETs after a commit return no output,
	// exercising the poll loop. Default 1.
	PendingPolls int

	mu            sync.Mutex
	lastSessionID string
	sessions      map[string]*sessionRecord
	installs   map[string]*record
	identities map[string]map[string]*record
	tokens     map[string]map[string]map[string]interface{}
	requests   int64
}

// New starts a fake broker.
func New() *Server {
	s := &Server{
		Account:      "acc-" + uuid.NewString()[:8],
		Subscription: "sub-" + uuid.NewString()[:8],
		PendingPolls: 1,
		sessions:     make(map[string]*sessionRecord),
		installs:     make(map[string]*record),
		identities:   make(map[string]map[string]*record),
		tokens:       make(map[string]map[string]map[string]interface{}),
	}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			atomic.AddInt64(&s.requests, 1)
			next.ServeHTTP(w, req)
		})
	})

	r.Route("/v2/account/{account}/subscription/{subscription}", func(r chi.Router) {
		r.Route("/integration/everyauth", func(r chi.Router) {
			r.Post("/session", s.createSession)
			r.Get("/session/{sessionID}", s.getSession)
			r.Post("/session/{sessionID}/commit", s.commitSession)
			r.Get("/install/", s.searchInstalls)
			r.Get("/install/{installID}", s.getInstall)
			r.Delete("/install/{installID}", s.deleteInstall)
		})
		r.Route("/connector/{serviceID}", func(r chi.Router) {
			r.Get("/identity/", s.searchIdentities)
			r.Get("/identity/{identityID}", s.getIdentity)
			r.Delete("/identity/{identityID}", s.deleteIdentity)
			r.Get("/api/{identityID}/token", s.getToken)
		})
	})

	s.Server = httptest.NewServer(r)
	return s
}

// Credentials returns a static credential provider pointed at this server.
func (s *Server) Credentials() broker.StaticCredentials {
	return broker.StaticCredentials{
		BaseURL:      s.URL,
		Account:      s.Account,
		Subscription: s.Subscription,
		AccessToken:  "test-token",
	}
}

// Requests reports how many HTTP requests the fake has served.
func (s *Server) Requests() int64 {
	return atomic.LoadInt64(&s.requests)
}

// AddIdentity seeds an identity (and its token payload) for a service. A nil
// map value stores the tag as explicit null.
func (s *Server) AddIdentity(serviceID string, tagSet map[string]*string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := "idn-" + uuid.NewString()[:12]
	if s.identities[serviceID] == nil {
		s.identities[serviceID] = make(map[string]*record)
		s.tokens[serviceID] = make(map[string]map[string]interface{})
	}
	s.identities[serviceID][id] = &record{ID: id, Tags: cloneTags(tagSet), DateModified: time.Now().UTC().Format(time.RFC3339)}
	s.tokens[serviceID][id] = map[string]interface{}{"access_token": "tok-" + uuid.NewString()[:8]}
	return id
}

// AddInstall seeds an install for a service.
func (s *Server) AddInstall(serviceID string, tagSet map[string]*string, data map[string]string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := "ins-" + uuid.NewString()[:12]
	s.installs[id] = &record{ID: id, Tags: cloneTags(tagSet), DateModified: time.Now().UTC().Format(time.RFC3339), Data: data}
	return id
}

// SetTokenPayload replaces the token payload the fake returns for an
// identity.
func (s *Server) SetTokenPayload(serviceID, identityID string, payload map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens[serviceID] == nil {
		s.tokens[serviceID] = make(map[string]map[string]interface{})
	}
	s.tokens[serviceID][identityID] = payload
}

// SessionCount reports how many sessions have been created.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// LastSessionRedirectURL returns the redirect URL of the most recently
// created session.
func (s *Server) LastSessionRedirectURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[s.lastSessionID]; ok {
		return sess.RedirectURL
	}
	return ""
}

// InstallCount reports how many installs currently exist.
func (s *Server) InstallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.installs)
}

// IdentityCount reports how many identities currently exist for a service.
func (s *Server) IdentityCount(serviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identities[serviceID])
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req broker.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &sessionRecord{
		ID:          "ses-" + uuid.NewString()[:12],
		Tags:        req.Tags,
		RedirectURL: req.RedirectURL,
		Components:  req.Components,
		InstallID:   req.InstallID,
	}
	s.sessions[sess.ID] = sess
	s.lastSessionID = sess.ID

	writeJSON(w, map[string]interface{}{"id": sess.ID, "tags": sess.Tags})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[chi.URLParam(r, "sessionID")]
	if !ok {
		http.NotFound(w, r)
		return
	}

	body := map[string]interface{}{"id": sess.ID, "tags": sess.Tags}
	if sess.committed {
		if sess.pendingPolls > 0 {
			sess.pendingPolls--
		} else {
			body["output"] = map[string]string{"entityId": sess.outputID}
		}
	}
	writeJSON(w, body)
}

// commitSession simulates the provider grant completing: the session's
// install is created or reused, a fresh identity is attached to it, and the
// session output becomes visible after PendingPolls further GETs.
func (s *Server) commitSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[chi.URLParam(r, "sessionID")]
	if !ok {
		http.NotFound(w, r)
		return
	}

	serviceID := sess.Components[0]
	identityTags := make(map[string]*string, len(sess.Tags)+1)
	for k, v := range sess.Tags {
		identityTags[k] = Str(v)
	}
	identityTags[tags.SessionKey] = Str(sess.ID)

	install := s.installs[sess.InstallID]
	if install == nil {
		install = &record{
			ID:           "ins-" + uuid.NewString()[:12],
			Tags:         cloneTags(identityTags),
			DateModified: time.Now().UTC().Format(time.RFC3339),
			Data:         make(map[string]string),
		}
		s.installs[install.ID] = install
	}

	identityID := install.Data[serviceID]
	if identityID == "" {
		if s.identities[serviceID] == nil {
			s.identities[serviceID] = make(map[string]*record)
			s.tokens[serviceID] = make(map[string]map[string]interface{})
		}
		identityID = "idn-" + uuid.NewString()[:12]
		s.identities[serviceID][identityID] = &record{ID: identityID, Tags: identityTags, DateModified: time.Now().UTC().Format(time.RFC3339)}
		s.tokens[serviceID][identityID] = map[string]interface{}{"access_token": "tok-" + uuid.NewString()[:8]}
		install.Data[serviceID] = identityID
	}

	sess.committed = true
	sess.pendingPolls = s.PendingPolls
	sess.outputID = install.ID

	w.WriteHeader(http.StatusOK)
}

func (s *Server) getInstall(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	install, ok := s.installs[chi.URLParam(r, "installID")]
	if !ok {
		http.NotFound(w, r)
		return
	}

	data := make(map[string]map[string]string, len(install.Data))
	for svc, entityID := range install.Data {
		data[svc] = map[string]string{"entityId": entityID}
	}
	writeJSON(w, map[string]interface{}{"id": install.ID, "tags": install.Tags, "dateModified": install.DateModified, "data": data})
}

func (s *Server) deleteInstall(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := chi.URLParam(r, "installID")
	if _, ok := s.installs[id]; !ok {
		http.NotFound(w, r)
		return
	}
	delete(s.installs, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) searchInstalls(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*record
	for _, install := range s.installs {
		if matchesTags(install.Tags, r.URL.Query()["tag"]) {
			matched = append(matched, install)
		}
	}
	writePage(w, matched, r.URL.Query().Get("next"), r.URL.Query().Get("count"))
}

func (s *Server) searchIdentities(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*record
	for _, ident := range s.identities[chi.URLParam(r, "serviceID")] {
		if matchesTags(ident.Tags, r.URL.Query()["tag"]) {
			matched = append(matched, ident)
		}
	}
	writePage(w, matched, r.URL.Query().Get("next"), r.URL.Query().Get("pageSize"))
}

func (s *Server) getIdentity(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.identities[chi.URLParam(r, "serviceID")][chi.URLParam(r, "identityID")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]interface{}{"id": ident.ID, "tags": ident.Tags, "dateModified": ident.DateModified})
}

func (s *Server) deleteIdentity(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	serviceID := chi.URLParam(r, "serviceID")
	id := chi.URLParam(r, "identityID")
	if _, ok := s.identities[serviceID][id]; !ok {
		http.NotFound(w, r)
		return
	}
	delete(s.identities[serviceID], id)
	delete(s.tokens[serviceID], id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, ok := s.tokens[chi.URLParam(r, "serviceID")][chi.URLParam(r, "identityID")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, payload)
}

// matchesTags applies the broker tag-query semantics: "key" alone matches any
// record where the key is present (null included), "key=null" requires an
// explicit null, and "key=value" requires equality. Records missing the key
// never match a key-only filter.
func matchesTags(recordTags map[string]*string, filters []string) bool {
	for _, filter := range filters {
		key, value, hasValue := strings.Cut(filter, "=")
		stored, present := recordTags[key]
		if !present {
			return false
		}
		if !hasValue {
			continue
		}
		if value == "null" {
			if stored != nil {
				return false
			}
			continue
		}
		if stored == nil || *stored != value {
			return false
		}
	}
	return true
}

func writePage(w http.ResponseWriter, matched []*record, next, pageSize string) {
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	start := 0
	if next != "" {
		start, _ = strconv.Atoi(next)
	}
	if start > len(matched) {
		start = len(matched)
	}

	end := len(matched)
	if pageSize != "" {
		if n, err := strconv.Atoi(pageSize); err == nil && n > 0 && start+n < end {
			end = start + n
		}
	}

	items := make([]map[string]interface{}, 0, end-start)
	for _, rec := range matched[start:end] {
		items = append(items, map[string]interface{}{"id": rec.ID, "tags": rec.Tags, "dateModified": rec.DateModified})
	}

	body := map[string]interface{}{"items": items}
	if end < len(matched) {
		body["next"] = fmt.Sprintf("%d", end)
	}
	writeJSON(w, body)
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func cloneTags(tagSet map[string]*string) map[string]*string {
	out := make(map[string]*string, len(tagSet))
	for k, v := range tagSet {
		if v == nil {
			out[k] = nil
			continue
		}
		value := *v
		out[k] = &value
	}
	return out
}
