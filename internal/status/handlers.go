package status

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tagtime/internal/reconcile"
	"tagtime/internal/session"
)

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.session.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getNextPings(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "n", 5, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.NextPings(n))
}

func (s *Server) getPending(w http.ResponseWriter, r *http.Request) {
	p, ok := s.session.Pending()
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrNoPendingPing)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// AnswerRequest is the body of POST /pings/answer.
type AnswerRequest struct {
	Tags string `json:"tags"`
}

func (s *Server) postAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.session.Answer(req.Tags)
	switch {
	case errors.Is(err, session.ErrNoPendingPing):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// PassSummary is one graph's outcome in a synchronous submit.
type PassSummary struct {
	ID      string `json:"id"`
	Graph   string `json:"graph"`
	Full    bool   `json:"full"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Deleted int    `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

func summarize(r reconcile.Report) PassSummary {
	c := r.Plan.Counts()
	ps := PassSummary{
		ID:      r.ID,
		Graph:   r.Graph,
		Full:    r.Full,
		Created: c[reconcile.Create],
		Updated: c[reconcile.Update],
		Deleted: c[reconcile.Delete],
	}
	if r.Err != nil {
		ps.Error = reconcile.UserMessage(r.Graph)
	}
	return ps
}

// SubmitResponse is the body of POST /submit.
type SubmitResponse struct {
	Queued bool          `json:"queued"`
	Passes []PassSummary `json:"passes,omitempty"`
}

// postSubmit queues a pass, or with ?wait=true runs one and reports it.
func (s *Server) postSubmit(w http.ResponseWriter, r *http.Request) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		writeJSON(w, http.StatusAccepted, SubmitResponse{Queued: s.session.RequestSubmit()})
		return
	}

	reports, err := s.session.Submit(r.Context())
	if errors.Is(err, session.ErrNotConfigured) {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	resp := SubmitResponse{Passes: make([]PassSummary, 0, len(reports))}
	for _, rep := range reports {
		resp.Passes = append(resp.Passes, summarize(rep))
	}
	code := http.StatusOK
	if err != nil {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, resp)
}

func (s *Server) getPasses(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	passes, err := s.session.History(r.Context(), chi.URLParam(r, "graph"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, passes)
}

func (s *Server) getTags(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	counts, err := s.session.TagCounts(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
