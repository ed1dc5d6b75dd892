package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/devtrail/internal/app"
	"github.com/ziadkadry99/devtrail/internal/apperr"
)

type healthResponse struct {
	Status string `json:"status"`
	Seq    int64  `json:"seq"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok(w, healthResponse{Status: "ok", Seq: s.query.Store().CurrentSeq()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ok(w, s.ctl.Stats())
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		fail(w, err)
		return
	}
	page, err := s.query.Activities(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, page)
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		fail(w, err)
		return
	}
	page, err := s.query.Prompts(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, page)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	p, err := s.query.Prompt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, p)
}

func (s *Server) handleSearchPrompts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		fail(w, err)
		return
	}
	prompts, err := s.query.SearchPrompts(r.Context(), q.Get("q"), q.Get("workspace"), limit)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, prompts)
}

func (s *Server) handleContextChanges(w http.ResponseWriter, r *http.Request) {
	deltas, err := s.query.ContextChanges(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, deltas)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		fail(w, err)
		return
	}
	turns, err := s.query.Conversations(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, turns)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		fail(w, err)
		return
	}
	page, err := s.query.FileChanges(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, page)
}

func (s *Server) handleTerminalHistory(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		fail(w, err)
		return
	}
	page, err := s.query.TerminalCommands(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, page)
}

type toggleResponse struct {
	Source  string `json:"source"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleTerminalToggle(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.ctl.SetTerminal(r.Context(), on); err != nil {
			fail(w, err)
			return
		}
		ok(w, toggleResponse{Source: "terminal", Enabled: on})
	}
}

type manualPromptResponse struct {
	EventID string `json:"event_id"`
	Queued  bool   `json:"queued"`
}

func (s *Server) handleManualPrompt(w http.ResponseWriter, r *http.Request) {
	var req app.ManualPrompt
	if err := decodeBody(w, r, &req); err != nil {
		fail(w, err)
		return
	}
	ev, err := s.ctl.SubmitPrompt(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, manualPromptResponse{EventID: ev.ID, Queued: true})
}

func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.query.Workspaces(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, list)
}

func (s *Server) handleContextSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.query.ContextSummary(r.Context(), r.URL.Query().Get("workspace"))
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, sum)
}

func (s *Server) handleFileRelationships(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minCount, err := intParam(q.Get("minCount"), "minCount")
	if err != nil {
		fail(w, err)
		return
	}
	pairs, err := s.query.FileRelationships(r.Context(), q.Get("workspace"), minCount)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, pairs)
}

func (s *Server) handleFileUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		fail(w, err)
		return
	}
	usage, err := s.query.FileUsage(r.Context(), q.Get("workspace"), limit)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, usage)
}

// defaultProductivityWindow applies when since is not given.
const defaultProductivityWindow = 7 * 24 * time.Hour

func (s *Server) handleProductivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := timeParam(q.Get("since"), "since")
	if err != nil {
		fail(w, err)
		return
	}
	from := time.Now().Add(-defaultProductivityWindow)
	if since != nil {
		from = *since
	}
	p, err := s.query.Productivity(r.Context(), q.Get("workspace"), from)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, p)
}

func (s *Server) handleDAGs(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		fail(w, err)
		return
	}
	page, err := s.query.DAGs(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, page)
}

func (s *Server) handleMotifs(w http.ResponseWriter, r *http.Request) {
	motifs, err := s.query.Motifs(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, motifs)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		fail(w, err)
		return
	}
	page, err := s.query.DeadLetters(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, page)
}

// errNoStream is returned when the response writer cannot flush.
var errNoStream = apperr.New(apperr.KindInternal, "server.stream", "streaming unsupported")
