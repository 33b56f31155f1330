package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/fernfax/foracle-v2-self-sub004/internal/auth"
	"github.com/fernfax/foracle-v2-self-sub004/internal/chat"
	"github.com/fernfax/foracle-v2-self-sub004/internal/ratelimit"
	"github.com/fernfax/foracle-v2-self-sub004/internal/retrieval"
	"github.com/fernfax/foracle-v2-self-sub004/internal/vectorstore"
)

// ChatResponse is the body of POST /api/chat, for success and failure
// alike.
type ChatResponse struct {
	Success   bool                 `json:"success"`
	Response  string               `json:"response,omitempty"`
	ThreadID  string               `json:"threadId,omitempty"`
	ToolsUsed []string             `json:"toolsUsed,omitempty"`
	Quota     *ratelimit.QuotaInfo `json:"quota,omitempty"`
	Degraded  bool                 `json:"degraded,omitempty"`
	Error     string               `json:"error,omitempty"`
	ErrorCode chat.Code            `json:"errorCode,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFrom(r.Context())

	var req chat.SendRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.chatFailure(w, r, userID, err)
		return
	}

	resp, err := s.chat.Send(r.Context(), userID, req)
	if err != nil {
		s.chatFailure(w, r, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{
		Success:   true,
		Response:  resp.Response,
		ThreadID:  resp.ThreadID,
		ToolsUsed: resp.ToolsUsed,
		Quota:     &resp.Quota,
		Degraded:  resp.Degraded,
	}, s.logger)
}

// chatFailure writes a failed turn. The quota snapshot is included
// whenever the caller is known.
func (s *Server) chatFailure(w http.ResponseWriter, r *http.Request, userID string, err error) {
	ce, ok := chat.AsError(err)
	if !ok {
		ce = &chat.Error{Code: chat.CodeProcessingError, Message: chat.UserMessage(err), Err: err}
	}
	quota := ce.Quota
	if quota == nil && userID != "" {
		if q, qerr := s.chat.Quota(r.Context(), userID); qerr == nil {
			quota = &q
		}
	}
	writeJSON(w, statusFor(ce.Code), ChatResponse{
		ThreadID:  ce.ThreadID,
		Quota:     quota,
		Error:     ce.Message,
		ErrorCode: ce.Code,
	}, s.logger)
}

func (s *Server) handleThreadsGet(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFrom(r.Context())
	if id := r.URL.Query().Get("threadId"); id != "" {
		thread, err := s.chat.Thread(r.Context(), userID, id)
		if err != nil {
			s.errorResponse(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "thread": thread}, s.logger)
		return
	}

	list, err := s.chat.Threads(r.Context(), userID)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "threads": list}, s.logger)
}

func (s *Server) handleThreadDelete(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("threadId")
	if id == "" {
		s.errorResponse(w, invalid("threadId is required."))
		return
	}
	if err := s.chat.DeleteThread(r.Context(), auth.UserFrom(r.Context()), id); err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true}, s.logger)
}

type renameRequest struct {
	ThreadID string `json:"threadId"`
	Title    string `json:"title"`
}

func (s *Server) handleThreadRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	if req.ThreadID == "" {
		s.errorResponse(w, invalid("threadId is required."))
		return
	}
	if err := s.chat.RenameThread(r.Context(), auth.UserFrom(r.Context()), req.ThreadID, req.Title); err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true}, s.logger)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	q, err := s.chat.Quota(r.Context(), auth.UserFrom(r.Context()))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "quota": q, "remaining": q.Remaining()}, s.logger)
}

type ingestRequest struct {
	DocID    string            `json:"docId"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// documents resolves the caller and the index, writing the failure
// when either is missing.
func (s *Server) documents(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := auth.UserFrom(r.Context())
	if userID == "" {
		s.errorResponse(w, unauthorized())
		return "", false
	}
	if s.docs == nil {
		s.errorResponse(w, &chat.Error{Code: chat.CodeServiceUnavailable, Message: "Document search is not enabled."})
		return "", false
	}
	return userID, true
}

func (s *Server) handleDocumentIngest(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.documents(w, r)
	if !ok {
		return
	}
	var req ingestRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	if strings.TrimSpace(req.DocID) == "" || strings.TrimSpace(req.Content) == "" {
		s.errorResponse(w, invalid("docId and content are required."))
		return
	}

	res, err := s.docs.Ingest(r.Context(), vectorstore.UserStore, userID, retrieval.Document{
		DocID:    req.DocID,
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.logger.Error("document ingest failed", "user_id", userID, "doc_id", req.DocID, "error", err)
		s.errorResponse(w, &chat.Error{Code: chat.CodeServiceUnavailable, Message: "The document could not be indexed right now. Please try again later.", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "docId": req.DocID, "result": res}, s.logger)
}

func (s *Server) handleDocumentDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.documents(w, r)
	if !ok {
		return
	}
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		s.errorResponse(w, invalid("docId is required."))
		return
	}
	n, err := s.docs.DeleteDocument(r.Context(), vectorstore.UserStore, userID, docID)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if n == 0 {
		s.errorResponse(w, &chat.Error{Code: chat.CodeNotFound, Message: "That document could not be found."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "chunksDeleted": n}, s.logger)
}

type documentInfo struct {
	DocID     string `json:"docId"`
	Chunks    int    `json:"chunks"`
	CreatedAt string `json:"createdAt"`
}

func (s *Server) handleDocumentList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.documents(w, r)
	if !ok {
		return
	}
	docs, err := s.docs.ListDocuments(r.Context(), vectorstore.UserStore, userID)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	out := make([]documentInfo, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentInfo{DocID: d.DocID, Chunks: d.Chunks, CreatedAt: d.CreatedAt.Format(time.RFC3339)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "documents": out}, s.logger)
}
