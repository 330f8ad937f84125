package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"corpora/api/internal/auth"
	"corpora/api/internal/ingest"
	"corpora/api/internal/rbac"
)

const maxUploadBytes = 256 << 20

type HTTPServer struct {
	service        *Service
	corsOrigin     string
	workflowSecret string
}

func NewHTTPServer(service *Service, corsOrigin, workflowSecret string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, workflowSecret: workflowSecret}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"sessions": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if err := s.service.PingSessions(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["sessions"] = map[string]any{"status": "error", "error": err.Error()}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid email or password", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session, s.service))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session, s.service))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Invitation acceptance flow (no session required)
	parts := splitPath(r.URL.Path)
	if len(parts) == 3 && parts[0] == "api" && parts[1] == "invite" {
		token := parts[2]
		if r.Method == http.MethodGet {
			payload, err := s.service.ResolveInvitation(r.Context(), token)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "invite" && parts[3] == "accept" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			DisplayName string `json:"displayName"`
			Password    string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.AcceptInvitation(r.Context(), parts[2], body.DisplayName, body.Password)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sessionPayload(session, s.service))
		return
	}

	// Workflow engine callback, authenticated by shared secret.
	if r.Method == http.MethodPost && r.URL.Path == "/api/internal/ingest/status" {
		secret := strings.TrimSpace(r.Header.Get("X-Corpora-Workflow-Secret"))
		if s.workflowSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.workflowSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		var body struct {
			DocumentID string `json:"documentId"`
			Status     string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetIngestStatus(r.Context(), body.DocumentID, body.Status); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"role":          session.Role,
			"capabilities":  s.service.Capabilities(session),
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/change-password" {
		var body struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ChangePassword(r.Context(), session, body.CurrentPassword, body.NewPassword); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, err := intParam(query.Get("limit"), 20)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		offset, err := intParam(query.Get("offset"), 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		payload, err := s.service.Search(r.Context(), session,
			strings.TrimSpace(query.Get("q")),
			strings.TrimSpace(query.Get("type")),
			strings.TrimSpace(query.Get("folderId")),
			limit, offset)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if s.routeFolders(w, r, session, parts) {
		return
	}
	if s.routeDocuments(w, r, session, parts) {
		return
	}
	if s.routeUsers(w, r, session, parts) {
		return
	}
	if s.routeChat(w, r, session, parts) {
		return
	}
	if s.routeSettings(w, r, session) {
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) routeFolders(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "folders" {
		return false
	}

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListFolders(r.Context(), session)
			if err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"folders": items})
		case http.MethodPost:
			var body struct {
				Name       string `json:"name"`
				Visibility string `json:"visibility"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			payload, err := s.service.CreateFolder(r.Context(), session, body.Name, body.Visibility)
			if err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return true
	}

	folderID := parts[2]

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetFolder(r.Context(), session, folderID)
			if err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPut:
			var body struct {
				Name string `json:"name"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			payload, err := s.service.RenameFolder(r.Context(), session, folderID, body.Name)
			if err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteFolder(r.Context(), session, folderID); err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return true
	}

	if len(parts) == 4 && parts[3] == "visibility" {
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return true
		}
		var body struct {
			Visibility string `json:"visibility"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.SetFolderVisibility(r.Context(), session, folderID, body.Visibility)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	}

	if len(parts) == 4 && parts[3] == "grants" {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListFolderGrants(r.Context(), session, folderID)
			if err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"grants": items})
		case http.MethodPost:
			var body struct {
				UserID string `json:"userId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			if err := s.service.AddFolderGrant(r.Context(), session, folderID, body.UserID); err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return true
	}

	if len(parts) == 5 && parts[3] == "grants" {
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return true
		}
		if err := s.service.RemoveFolderGrant(r.Context(), session, folderID, parts[4]); err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return true
	}

	return false
}

func (s *HTTPServer) routeDocuments(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "documents" {
		return false
	}

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListDocuments(r.Context(), session, strings.TrimSpace(r.URL.Query().Get("folderId")))
			if err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": items})
		case http.MethodPost:
			s.handleUpload(w, r, session)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return true
	}

	documentID := parts[2]

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetDocument(r.Context(), session, documentID)
			if err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPut:
			var body struct {
				Name string `json:"name"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			payload, err := s.service.RenameDocument(r.Context(), session, documentID, body.Name)
			if err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteDocument(r.Context(), session, documentID); err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return true
	}

	if len(parts) == 4 && parts[3] == "move" {
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return true
		}
		var body struct {
			FolderID *string `json:"folderId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.MoveDocument(r.Context(), session, documentID, body.FolderID)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	}

	if len(parts) == 4 && parts[3] == "download" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return true
		}
		doc, reader, err := s.service.OpenDocument(r.Context(), session, documentID)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		defer reader.Close()
		fileName := doc.FileName
		if fileName == "" {
			fileName = doc.Name
		}
		w.Header().Set("Content-Type", doc.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, reader)
		return true
	}

	return false
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, session Session) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is required", nil)
		return
	}
	defer file.Close()

	var folderID *string
	if raw := strings.TrimSpace(r.FormValue("folderId")); raw != "" {
		folderID = &raw
	}

	payload, err := s.service.UploadDocument(r.Context(), session,
		r.FormValue("name"),
		header.Filename,
		header.Header.Get("Content-Type"),
		header.Size,
		file,
		folderID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) routeUsers(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "users" {
		if len(parts) == 2 && r.Method == http.MethodGet {
			items, err := s.service.ListUsers(r.Context(), session)
			if err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"users": items})
			return true
		}

		if len(parts) == 4 && parts[3] == "role" && r.Method == http.MethodPut {
			var body struct {
				Role string `json:"role"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			payload, err := s.service.SetUserRole(r.Context(), session, parts[2], body.Role)
			if err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		}

		if len(parts) == 4 && parts[3] == "active" && r.Method == http.MethodPut {
			var body struct {
				Active bool `json:"active"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			payload, err := s.service.SetUserActive(r.Context(), session, parts[2], body.Active)
			if err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		}

		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return true
	}

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "invitations" {
		if len(parts) == 2 {
			switch r.Method {
			case http.MethodGet:
				items, err := s.service.ListInvitations(r.Context(), session)
				if err != nil {
					writeMappedError(w, err)
					return true
				}
				writeJSON(w, http.StatusOK, map[string]any{"invitations": items})
			case http.MethodPost:
				var body struct {
					Email string `json:"email"`
					Role  string `json:"role"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return true
				}
				payload, devToken, err := s.service.CreateInvitation(r.Context(), session, body.Email, body.Role)
				if err != nil {
					writeMappedError(w, err)
					return true
				}
				response := map[string]any{"invitation": payload}
				if devToken != "" {
					response["devInviteToken"] = devToken
				}
				writeJSON(w, http.StatusCreated, response)
			default:
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			}
			return true
		}

		if len(parts) == 3 && r.Method == http.MethodDelete {
			if err := s.service.RevokeInvitation(r.Context(), session, parts[2]); err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return true
		}

		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return true
	}

	return false
}

func (s *HTTPServer) routeChat(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if r.Method == http.MethodPost && r.URL.Path == "/api/chat" {
		var body struct {
			ConversationID string `json:"conversationId"`
			Message        string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.Chat(r.Context(), session, body.ConversationID, body.Message)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	}

	if len(parts) < 2 || parts[0] != "api" || parts[1] != "conversations" {
		return false
	}

	if len(parts) == 2 && r.Method == http.MethodGet {
		all := r.URL.Query().Get("all") == "true"
		items, err := s.service.ListConversations(r.Context(), session, all)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": items})
		return true
	}

	if len(parts) == 4 && parts[3] == "messages" && r.Method == http.MethodGet {
		items, err := s.service.ConversationMessages(r.Context(), session, parts[2])
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})
		return true
	}

	if len(parts) == 4 && parts[3] == "export" && r.Method == http.MethodGet {
		payload, err := s.service.ExportConversation(r.Context(), session, parts[2])
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "conversation-"+parts[2]+".json"))
		writeJSON(w, http.StatusOK, payload)
		return true
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	return true
}

func (s *HTTPServer) routeSettings(w http.ResponseWriter, r *http.Request, session Session) bool {
	if r.Method == http.MethodGet && r.URL.Path == "/api/settings" {
		if !s.service.Can(session.Role, rbac.CapAccessSettings) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"smtpConfigured":     s.service.SMTPConfigured(),
			"workflowConfigured": s.service.workflow != nil && s.service.workflow.Configured(),
		})
		return true
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/settings/billing" {
		if !s.service.Can(session.Role, rbac.CapManageBilling) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return true
		}
		users, err := s.service.store.ListUsers(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		seats := 0
		for _, u := range users {
			if u.IsActive {
				seats++
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"plan":       "self-hosted",
			"seatsInUse": seats,
			"totalUsers": len(users),
		})
		return true
	}

	return false
}

func sessionPayload(session Session, service *Service) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
		"capabilities": service.Capabilities(session),
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, ingest.ErrUnavailable) {
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Assistant temporarily unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
