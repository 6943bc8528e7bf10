package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/crew/internal/coordinator"
	"github.com/mtzanidakis/crew/internal/natsbus"
	"github.com/mtzanidakis/crew/internal/router"
	"github.com/mtzanidakis/crew/internal/store"
	"github.com/mtzanidakis/crew/internal/tasklog"
)

const defaultMessageLimit = 100

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.getStatus)
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("GET /api/messages", s.listMessages)
	mux.HandleFunc("POST /api/send", s.send)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.status(w, r)
	if !ok {
		return
	}

	open := 0
	for _, t := range st.Tasks {
		if !t.Terminal() {
			open++
		}
	}
	var lastRelief string
	if st.LastRelief != nil {
		lastRelief = formatMessageTime(*st.LastRelief)
	}

	jsonResponse(w, map[string]any{
		"status":             "ok",
		"run_id":             st.RunID,
		"state":              st.State,
		"goal":               st.Goal,
		"crew_size":          st.CrewSize,
		"manager_generation": st.ManagerGeneration,
		"last_relief":        lastRelief,
		"agents":             st.Agents,
		"tasks_total":        len(st.Tasks),
		"tasks_open":         open,
		"uptime":             formatUptime(time.Since(s.startedAt)),
		"timestamp":          time.Now().UTC(),
		"version":            s.version,
	})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	st, ok := s.status(w, r)
	if !ok {
		return
	}
	jsonResponse(w, st.Agents)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	st, ok := s.status(w, r)
	if !ok {
		return
	}
	out := make([]map[string]any, 0, len(st.Tasks))
	for _, t := range st.Tasks {
		out = append(out, taskToAPI(t))
	}
	jsonResponse(w, out)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultMessageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if s.store == nil {
		jsonResponse(w, []store.Message{})
		return
	}

	messages, err := s.store.GetMessages(s.runID, limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, map[string]string{
			"id":     fmt.Sprintf("%d", m.ID),
			"sender": m.Sender,
			"kind":   m.Kind,
			"action": m.Action,
			"to":     m.Recipients,
			"text":   m.Content,
			"time":   formatMessageTime(m.CreatedAt),
		})
	}
	jsonResponse(w, out)
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var req natsbus.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Target == "" || req.Text == "" {
		jsonError(w, "target and text are required", http.StatusBadRequest)
		return
	}

	to, err := s.ops.Send(r.Context(), req.Target, req.Text)
	if err != nil {
		code := http.StatusBadRequest
		var rerr *router.RoutingError
		switch {
		case errors.As(err, &rerr):
			code = http.StatusConflict
		case errors.Is(err, coordinator.ErrStopped):
			code = http.StatusServiceUnavailable
		}
		jsonError(w, err.Error(), code)
		return
	}
	jsonResponse(w, natsbus.Reply{OK: true, To: to})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) (coordinator.Status, bool) {
	st, err := s.ops.Status(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return coordinator.Status{}, false
	}
	return st, true
}

func taskToAPI(t tasklog.Entry) map[string]any {
	status := string(t.Outcome)
	if status == "" {
		status = "open"
		if t.Assignee != "" {
			status = "assigned"
		}
	}
	return map[string]any{
		"id":          t.ID,
		"title":       t.Title,
		"description": t.Description,
		"requested":   t.Requested,
		"assignee":    t.Assignee,
		"status":      status,
		"detail":      t.Detail,
		"created_at":  formatMessageTime(t.CreatedAt),
		"updated_at":  formatMessageTime(t.UpdatedAt),
	}
}

func formatMessageTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
