// Package restapi exposes the gateway's tool registry over plain REST
// using Go 1.22's method+path http.ServeMux routing — the same
// no-third-party-router shape the rest of this codebase's HTTP
// servers use, rather than pulling in a router library.
package restapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rustymail/mailgw/internal/account"
	"github.com/rustymail/mailgw/internal/attachstore"
	"github.com/rustymail/mailgw/internal/dispatch"
	"github.com/rustymail/mailgw/internal/eventbus"
)

// Server wires a tool registry, account registry, attachment store
// and event bus onto an http.ServeMux.
type Server struct {
	registry *dispatch.Registry
	accounts *account.Registry
	attach   *attachstore.Store
	bus      *eventbus.Bus
	apiKey   string

	mux *http.ServeMux
}

// New builds the REST server and registers every route up front.
func New(registry *dispatch.Registry, accounts *account.Registry, attach *attachstore.Store, bus *eventbus.Bus, apiKey string) *Server {
	s := &Server{registry: registry, accounts: accounts, attach: attach, bus: bus, apiKey: apiKey, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	s.mux.HandleFunc("GET /api/accounts", s.withAuth(s.requireScope(dispatch.ScopeAdmin, s.handleListAccounts)))
	s.mux.HandleFunc("POST /api/accounts", s.withAuth(s.requireScope(dispatch.ScopeAdmin, s.handleUpsertAccount)))
	s.mux.HandleFunc("DELETE /api/accounts/{id}", s.withAuth(s.requireScope(dispatch.ScopeAdmin, s.handleDeleteAccount)))

	s.mux.HandleFunc("GET /folders", s.withAuth(s.requireScope(dispatch.ScopeRead, s.handleTool("list_folders"))))
	s.mux.HandleFunc("POST /folders", s.withAuth(s.requireScope(dispatch.ScopeWrite, s.handleTool("create_folder"))))
	s.mux.HandleFunc("DELETE /folders/{name}", s.withAuth(s.requireScope(dispatch.ScopeWrite, s.handleTool("delete_folder"))))
	s.mux.HandleFunc("PUT /folders/{name}/rename", s.withAuth(s.requireScope(dispatch.ScopeWrite, s.handleTool("rename_folder"))))
	s.mux.HandleFunc("GET /folders/{name}/stats", s.withAuth(s.requireScope(dispatch.ScopeRead, s.handleTool("folder_stats"))))

	s.mux.HandleFunc("GET /emails/{folder}", s.withAuth(s.requireScope(dispatch.ScopeRead, s.handleTool("list_messages"))))
	s.mux.HandleFunc("GET /emails/{folder}/unread", s.withAuth(s.requireScope(dispatch.ScopeRead, s.handleTool("list_unread"))))
	s.mux.HandleFunc("GET /emails/{folder}/{uid}", s.withAuth(s.requireScope(dispatch.ScopeRead, s.handleTool("read_message"))))
	s.mux.HandleFunc("POST /emails/move", s.withAuth(s.requireScope(dispatch.ScopeWrite, s.handleTool("move_messages"))))
	s.mux.HandleFunc("POST /emails/{folder}", s.withAuth(s.requireScope(dispatch.ScopeWrite, s.handleTool("append_message"))))
	s.mux.HandleFunc("DELETE /emails/{folder}/{uid}", s.withAuth(s.requireScope(dispatch.ScopeWrite, s.handleTool("delete_message"))))
	s.mux.HandleFunc("POST /emails/send", s.withAuth(s.requireScope(dispatch.ScopeSend, s.handleTool("send_message"))))

	s.mux.HandleFunc("GET /api/attachments/list", s.withAuth(s.requireScope(dispatch.ScopeRead, s.handleAttachmentList)))
	s.mux.HandleFunc("GET /api/attachments/{message_id}/{filename}", s.withAuth(s.requireScope(dispatch.ScopeRead, s.handleAttachmentGet)))
	s.mux.HandleFunc("GET /api/attachments/{message_id}/zip", s.withAuth(s.requireScope(dispatch.ScopeRead, s.handleAttachmentZip)))
	s.mux.HandleFunc("GET /api/attachments/{message_id}/inline/{content_id}", s.withAuth(s.requireScope(dispatch.ScopeRead, s.handleAttachmentInline)))

	s.mux.HandleFunc("GET /events", s.withAuth(s.requireScope(dispatch.ScopeRead, s.handleEvents)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	accts := s.accounts.List()
	out := make([]map[string]any, 0, len(accts))
	for _, a := range accts {
		out = append(out, map[string]any{
			"id":     a.ID,
			"imap":   a.ConnStatus.IMAP,
			"smtp":   a.ConnStatus.SMTP,
			"active": a.Active,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

// withAuth requires a bearer token matching the configured API key
// when one is configured; an empty apiKey disables auth, which is
// only appropriate behind a trusted reverse proxy.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got != s.apiKey {
			writeError(w, dispatch.NewError(dispatch.KindScope, "invalid or missing API key", nil))
			return
		}
		next(w, r)
	}
}

func callerFromRequest(r *http.Request) dispatch.Caller {
	return dispatch.Caller{
		ID:     r.RemoteAddr,
		Scopes: map[dispatch.Scope]bool{dispatch.ScopeRead: true, dispatch.ScopeWrite: true, dispatch.ScopeSend: true, dispatch.ScopeAdmin: true},
	}
}

func (s *Server) requireScope(scope dispatch.Scope, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := callerFromRequest(r)
		if !caller.Scopes[scope] && !caller.Scopes[dispatch.ScopeAdmin] {
			writeError(w, dispatch.NewError(dispatch.KindScope, "insufficient scope", nil))
			return
		}
		next(w, r)
	}
}

// pathParamKeys are the route placeholders handleTool knows how to
// fold into the JSON params object, mapped to the field name each
// gateway tool expects.
var pathParamKeys = map[string]string{
	"folder": "folder",
	"name":   "folder",
	"uid":    "uid",
}

func (s *Server) handleTool(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := r.URL.Query().Get("account_id")

		merged := map[string]any{}
		if body, _ := jsonBody(r); len(body) > 0 {
			if err := json.Unmarshal(body, &merged); err != nil {
				writeError(w, dispatch.NewError(dispatch.KindValidation, "invalid JSON body: "+err.Error(), nil))
				return
			}
		}
		for placeholder, field := range pathParamKeys {
			v := r.PathValue(placeholder)
			if v == "" {
				continue
			}
			if _, exists := merged[field]; exists {
				continue
			}
			if field == "uid" {
				if n, err := strconv.ParseUint(v, 10, 32); err == nil {
					merged[field] = n
					continue
				}
			}
			merged[field] = v
		}
		if v := r.PathValue("content_id"); v != "" {
			merged["content_id"] = v
		}
		if v := r.PathValue("message_id"); v != "" {
			merged["message_id"] = v
		}
		params, err := json.Marshal(merged)
		if err != nil {
			writeError(w, dispatch.NewError(dispatch.KindInternal, err.Error(), nil))
			return
		}

		result, ierr := s.registry.Invoke(r.Context(), callerFromRequest(r), name, accountID, params)
		if ierr != nil {
			writeError(w, ierr)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.accounts.List())
}

func (s *Server) handleUpsertAccount(w http.ResponseWriter, r *http.Request) {
	var a account.Account
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, dispatch.NewError(dispatch.KindValidation, err.Error(), nil))
		return
	}
	if err := s.accounts.Upsert(a); err != nil {
		writeError(w, dispatch.NewError(dispatch.KindValidation, err.Error(), nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.accounts.Delete(id); err != nil {
		writeError(w, dispatch.NewError(dispatch.KindNotFound, err.Error(), nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAttachmentList(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	messageID := r.URL.Query().Get("message_id")
	atts, err := s.attach.List(accountID, messageID)
	if err != nil {
		writeError(w, dispatch.NewError(dispatch.KindNotFound, err.Error(), nil))
		return
	}
	writeJSON(w, http.StatusOK, atts)
}

func (s *Server) handleAttachmentGet(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	messageID := r.PathValue("message_id")
	filename := r.PathValue("filename")
	f, err := s.attach.Open(accountID, messageID, filename)
	if err != nil {
		writeError(w, dispatch.NewError(dispatch.KindNotFound, err.Error(), nil))
		return
	}
	defer f.Close()
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
	writeStream(w, f)
}

func (s *Server) handleAttachmentZip(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	messageID := r.PathValue("message_id")
	w.Header().Set("Content-Type", "application/zip")
	if err := s.attach.Zip(accountID, messageID, w); err != nil {
		writeError(w, dispatch.NewError(dispatch.KindNotFound, err.Error(), nil))
	}
}

func (s *Server) handleAttachmentInline(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	messageID := r.PathValue("message_id")
	contentID := r.PathValue("content_id")
	filename, err := s.attach.FindByContentID(accountID, messageID, contentID)
	if err != nil {
		writeError(w, dispatch.NewError(dispatch.KindNotFound, err.Error(), nil))
		return
	}
	f, err := s.attach.Open(accountID, messageID, filename)
	if err != nil {
		writeError(w, dispatch.NewError(dispatch.KindNotFound, err.Error(), nil))
		return
	}
	defer f.Close()
	writeStream(w, f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	ge, ok := err.(*dispatch.GatewayError)
	if !ok {
		ge = dispatch.NewError(dispatch.KindInternal, err.Error(), nil)
	}
	if ge.Retryable && ge.RetryAfter > 0 {
		w.Header().Set("Retry-After", ge.RetryAfter.String())
	}
	writeJSON(w, ge.Kind.HTTPStatus(), map[string]any{"error": ge.Message, "kind": ge.Kind})
}
