package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/callrelay/internal/call"
	"github.com/MrWong99/callrelay/internal/health"
	"github.com/MrWong99/callrelay/internal/twilio"
	"github.com/MrWong99/callrelay/pkg/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/media-stream", a.calls)
	mux.HandleFunc("POST /incoming-call", a.incomingCall)
	mux.HandleFunc("GET /calls", a.listCalls)
	mux.HandleFunc("GET /calls/{callID}", a.getCall)
	mux.HandleFunc("GET /calls/{callID}/utterances", a.callUtterances)
	mux.Handle("GET /metrics", promhttp.Handler())

	health.New(a.checkers...).
		WithActiveCalls(a.calls.Registry().Len).
		Register(mux)
	return mux
}

// incomingCall answers the Twilio voice webhook with TwiML that connects the
// call to the media-stream socket. The caller number and the requested
// language travel as custom stream parameters.
func (a *App) incomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	host := a.cfg.Server.PublicHost
	if host == "" {
		host = r.Host
	}

	params := map[string]string{}
	if from := r.PostForm.Get("From"); from != "" {
		params[call.ParamCaller] = from
	}
	if lang := r.Form.Get("language"); lang != "" {
		params[call.ParamLanguage] = lang
	}

	doc, err := twilio.Stream{
		URL:    "wss://" + host + "/media-stream",
		Params: params,
	}.TwiML()
	if err != nil {
		slog.Error("failed to render twiml", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	slog.Info("incoming call", "call_sid", r.PostForm.Get("CallSid"), "from", r.PostForm.Get("From"))
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

// getCall returns the live session info of a call, or the stored record
// once the call has ended.
func (a *App) getCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("callID")
	if info, ok := a.calls.Registry().Get(id); ok {
		writeJSON(w, http.StatusOK, info)
		return
	}
	if a.store == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	c, err := a.store.GetCall(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		slog.Error("failed to load call", "call_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load call")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// listCalls returns live calls and, when persistence is enabled, a page of
// stored calls selected by the limit and offset query parameters.
func (a *App) listCalls(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit <= 0 || limit > maxListLimit {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	resp := struct {
		Live   []call.Info  `json:"live"`
		Stored []store.Call `json:"stored,omitempty"`
	}{Live: a.calls.Registry().List()}

	if a.store != nil {
		resp.Stored, err = a.store.ListCalls(r.Context(), limit, offset)
		if err != nil {
			slog.Error("failed to list calls", "err", err)
			writeError(w, http.StatusInternalServerError, "failed to list calls")
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) callUtterances(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusNotFound, "persistence is disabled")
		return
	}
	id := r.PathValue("callID")
	us, err := a.store.Utterances(r.Context(), id)
	if err != nil {
		slog.Error("failed to load utterances", "call_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load utterances")
		return
	}
	writeJSON(w, http.StatusOK, us)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
