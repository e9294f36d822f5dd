package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fidiego/hookproxy/pkg/filter"
	"github.com/fidiego/hookproxy/pkg/fuzz"
	"github.com/fidiego/hookproxy/pkg/proxy"
	"github.com/fidiego/hookproxy/pkg/script"
	"github.com/fidiego/hookproxy/pkg/targeted"
)

type handlers struct {
	s *Server
}

func (h *handlers) store() *script.Store { return h.s.engine.Scripts().Store() }

func (h *handlers) listFlows(w http.ResponseWriter, r *http.Request) {
	flows := h.s.engine.Store().All()
	if expr := r.URL.Query().Get("filter"); expr != "" {
		f, err := filter.Parse(expr)
		if err != nil {
			jsonError(w, http.StatusBadRequest, err)
			return
		}
		flows = filter.Select(flows, f)
	}
	jsonOK(w, flows)
}

func (h *handlers) getFlow(w http.ResponseWriter, r *http.Request) {
	flow := h.s.engine.Store().Get(r.PathValue("id"))
	if flow == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	jsonOK(w, flow)
}

func (h *handlers) replayFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := h.s.engine.Replay(r.Context(), r.PathValue("id"))
	if errors.Is(err, proxy.ErrNotFound) {
		jsonError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		jsonError(w, http.StatusBadRequest, err)
		return
	}
	jsonOK(w, flow)
}

func (h *handlers) resumeFlow(w http.ResponseWriter, r *http.Request) {
	h.paused(w, r, (*proxy.Flow).Resume)
}

func (h *handlers) killFlow(w http.ResponseWriter, r *http.Request) {
	h.paused(w, r, (*proxy.Flow).Kill)
}

// paused applies action to an intercepted flow.
func (h *handlers) paused(w http.ResponseWriter, r *http.Request, action func(*proxy.Flow)) {
	flow := h.s.engine.Store().Get(r.PathValue("id"))
	if flow == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if !flow.Intercepted() {
		http.Error(w, "flow is not intercepted", http.StatusConflict)
		return
	}
	action(flow)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) clearFlows(w http.ResponseWriter, _ *http.Request) {
	h.s.engine.Store().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) getConfig(w http.ResponseWriter, _ *http.Request) {
	upstreams := h.s.engine.Router().Upstreams()
	type upstreamInfo struct {
		Name   string `json:"name"`
		Prefix string `json:"prefix"`
		Host   string `json:"host,omitempty"`
		Target string `json:"target"`
	}
	infos := make([]upstreamInfo, len(upstreams))
	for i, u := range upstreams {
		infos[i] = upstreamInfo{Name: u.Name, Prefix: u.Prefix, Host: u.Host, Target: u.Target}
	}
	resp := map[string]any{
		"upstreams": infos,
		"flows":     h.s.engine.Store().Count(),
		"scripts":   h.store().Len(),
	}
	if h.s.scanner != nil {
		resp["pscan"] = h.s.scanner.Stats()
	}
	jsonOK(w, resp)
}

func (h *handlers) listHooks(w http.ResponseWriter, _ *http.Request) {
	type hookInfo struct {
		Type        script.HookType `json:"type"`
		Description string          `json:"description"`
		Semantics   string          `json:"semantics"`
		EntryPoints []string        `json:"entryPoints"`
		AnyOf       bool            `json:"anyOf,omitempty"`
		Enabled     int             `json:"enabled"`
	}
	var hooks []hookInfo
	for _, c := range script.Contracts() {
		eps := make([]string, len(c.EntryPoints))
		for i, ep := range c.EntryPoints {
			eps[i] = ep.Signature()
		}
		hooks = append(hooks, hookInfo{
			Type:        c.Type,
			Description: c.Description,
			Semantics:   c.Semantics.String(),
			EntryPoints: eps,
			AnyOf:       c.AnyOf,
			Enabled:     h.store().ListEnabled(c.Type).Len(),
		})
	}
	jsonOK(w, hooks)
}

func (h *handlers) listScripts(w http.ResponseWriter, r *http.Request) {
	infos := h.store().Infos()
	if name := r.URL.Query().Get("type"); name != "" {
		t, ok := script.Lookup(name)
		if !ok {
			http.Error(w, "unknown hook type", http.StatusBadRequest)
			return
		}
		filtered := infos[:0]
		for _, info := range infos {
			if info.Type == t {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}
	jsonOK(w, infos)
}

type loadRequest struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Runtime string `json:"runtime"`
	Source  string `json:"source"`
	// Path loads a file instead of Source; the runtime follows its extension.
	Path    string `json:"path"`
	Enabled bool   `json:"enabled"`
}

func (h *handlers) loadScript(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, err)
		return
	}
	t, ok := script.Lookup(req.Type)
	if !ok {
		http.Error(w, "unknown hook type", http.StatusBadRequest)
		return
	}

	var (
		u   *script.Unit
		err error
	)
	switch {
	case req.Path != "":
		u, err = script.LoadFile(req.Path, t, h.s.runtimes, script.WithEnabled(req.Enabled))
	case req.Name == "" || req.Source == "":
		http.Error(w, "name and source, or path, are required", http.StatusBadRequest)
		return
	default:
		rt, found := h.s.runtimes.ByName(req.Runtime)
		if !found {
			http.Error(w, "unknown runtime", http.StatusBadRequest)
			return
		}
		u, err = script.Load(req.Name, t, req.Source, rt, script.WithEnabled(req.Enabled))
	}
	if err == nil {
		err = h.store().Add(u)
	}
	switch {
	case errors.Is(err, script.ErrDuplicateName):
		jsonError(w, http.StatusConflict, err)
	case err != nil:
		jsonError(w, http.StatusBadRequest, err)
	default:
		h.s.logger.Info().Str("script", u.Name()).Str("type", string(t)).Msg("script loaded")
		jsonStatus(w, http.StatusCreated, u.Info())
	}
}

func (h *handlers) setEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, http.StatusBadRequest, err)
		return
	}
	h.unitOp(w, r, func(t script.HookType, name string) error {
		return h.store().SetEnabled(t, name, body.Enabled)
	})
}

func (h *handlers) setOrder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Index int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, http.StatusBadRequest, err)
		return
	}
	h.unitOp(w, r, func(t script.HookType, name string) error {
		return h.store().Move(t, name, body.Index)
	})
}

func (h *handlers) removeScript(w http.ResponseWriter, r *http.Request) {
	h.unitOp(w, r, h.store().Remove)
}

func (h *handlers) unitOp(w http.ResponseWriter, r *http.Request, op func(script.HookType, string) error) {
	t, ok := script.Lookup(r.PathValue("type"))
	if !ok {
		http.Error(w, "unknown hook type", http.StatusNotFound)
		return
	}
	err := op(t, r.PathValue("name"))
	switch {
	case errors.Is(err, script.ErrNotFound):
		jsonError(w, http.StatusNotFound, err)
	case err != nil:
		jsonError(w, http.StatusBadRequest, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *handlers) invokeTargeted(w http.ResponseWriter, r *http.Request) {
	if h.s.targeted == nil {
		http.Error(w, "targeted scripts are not available", http.StatusNotImplemented)
		return
	}
	var body struct {
		HistoryID *int64 `json:"historyId"`
		Filter    string `json:"filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, http.StatusBadRequest, err)
		return
	}

	name := r.PathValue("name")
	var (
		results []targeted.Result
		err     error
	)
	switch {
	case body.Filter != "":
		results, err = h.s.targeted.RunMatching(r.Context(), name, body.Filter)
	case body.HistoryID != nil:
		var res targeted.Result
		res, err = h.s.targeted.Run(r.Context(), name, *body.HistoryID)
		results = []targeted.Result{res}
	default:
		http.Error(w, "historyId or filter is required", http.StatusBadRequest)
		return
	}
	switch {
	case errors.Is(err, script.ErrNotFound), errors.Is(err, proxy.ErrNotFound):
		jsonError(w, http.StatusNotFound, err)
	case err != nil:
		jsonError(w, http.StatusBadRequest, err)
	default:
		jsonOK(w, results)
	}
}

func (h *handlers) listAlerts(w http.ResponseWriter, r *http.Request) {
	if h.s.alerts == nil {
		jsonOK(w, []any{})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	alerts, err := h.s.alerts.Alerts(r.Context(), limit)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err)
		return
	}
	jsonOK(w, alerts)
}

type fuzzRequest struct {
	HistoryID int64 `json:"historyId"`
	// Marker finds the insertion locations in the base request. Locations
	// may be given explicitly instead.
	Marker    string          `json:"marker"`
	Locations []fuzz.Location `json:"locations"`
	// Payloads holds one list per location; a single list is used for all.
	Payloads [][]string `json:"payloads"`
}

func (h *handlers) runFuzz(w http.ResponseWriter, r *http.Request) {
	if h.s.fuzzer == nil {
		http.Error(w, "fuzzing is not available", http.StatusNotImplemented)
		return
	}
	var req fuzzRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, err)
		return
	}
	base, err := h.s.engine.Store().Message(req.HistoryID)
	if err != nil {
		jsonError(w, http.StatusNotFound, err)
		return
	}
	locs := req.Locations
	if len(locs) == 0 {
		locs = fuzz.Locate(base, req.Marker)
	}
	payloads := req.Payloads
	if len(payloads) == 1 && len(locs) > 1 {
		for len(payloads) < len(locs) {
			payloads = append(payloads, req.Payloads[0])
		}
	}

	job := fuzz.Job{Base: base.Clone(), Locations: locs, Payloads: payloads}
	run, err := h.s.fuzzer.Run(r.Context(), job, func(res *fuzz.Result) {
		h.s.publish(event{Type: "fuzzResult", Result: res})
	})
	if err != nil && run == nil {
		jsonError(w, http.StatusBadRequest, err)
		return
	}
	jsonOK(w, run)
}

func jsonOK(w http.ResponseWriter, v any) {
	jsonStatus(w, http.StatusOK, v)
}

func jsonStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, err error) {
	jsonStatus(w, status, map[string]string{"error": err.Error()})
}
