package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/phoneear/internal/driver"
	"github.com/MrWong99/phoneear/pkg/types"
)

// ErrSessionActive and ErrNoSession are returned by a [Controller] when a
// start or stop request does not fit the current session state.
var (
	ErrSessionActive = errors.New("a listen session is already active")
	ErrNoSession     = errors.New("no listen session is active")
)

// Controller is the listen session control surface served by the API.
type Controller interface {
	Start(ctx context.Context, startedBy string) error
	Stop() error
	Status() driver.Snapshot
	Pause(paused bool)
	SetWeighting(enabled bool)
	SetThreshold(factor float64)
}

// statusBody is the JSON form of a [driver.Snapshot].
type statusBody struct {
	Running     bool         `json:"running"`
	Source      string       `json:"source"`
	State       string       `json:"state"`
	Buffer      string       `json:"buffer"`
	Paused      bool         `json:"paused"`
	Weighting   bool         `json:"weighting"`
	Threshold   float64      `json:"threshold_factor"`
	LastMessage *messageBody `json:"last_message,omitempty"`
	Frames      uint64       `json:"frames"`
	Ticks       uint64       `json:"ticks"`
	Decisions   uint64       `json:"decisions"`
}

type messageBody struct {
	Coded string    `json:"coded"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// settingsBody is a partial settings update. Absent fields are unchanged.
type settingsBody struct {
	Paused          *bool    `json:"paused"`
	Weighting       *bool    `json:"weighting"`
	ThresholdFactor *float64 `json:"threshold_factor"`
}

type errorBody struct {
	Error string `json:"error"`
}

// API serves the JSON control endpoints.
type API struct {
	ctl Controller
}

// NewAPI returns an API backed by ctl.
func NewAPI(ctl Controller) *API {
	return &API{ctl: ctl}
}

// Register adds the API routes and, when hub is non-nil, the /ws stream to mux.
func (a *API) Register(mux *http.ServeMux, hub *Hub) {
	mux.HandleFunc("GET /api/status", a.status)
	mux.HandleFunc("GET /api/log", a.log)
	mux.HandleFunc("POST /api/session", a.start)
	mux.HandleFunc("DELETE /api/session", a.stop)
	mux.HandleFunc("PATCH /api/settings", a.settings)
	if hub != nil {
		mux.Handle("GET /ws", hub)
	}
}

func (a *API) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toStatus(a.ctl.Status()))
}

func (a *API) log(w http.ResponseWriter, _ *http.Request) {
	lines := a.ctl.Status().Log
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, lines)
}

func (a *API) start(w http.ResponseWriter, r *http.Request) {
	err := a.ctl.Start(r.Context(), r.RemoteAddr)
	switch {
	case errors.Is(err, ErrSessionActive):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, types.ErrConfiguration):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, toStatus(a.ctl.Status()))
	}
}

func (a *API) stop(w http.ResponseWriter, _ *http.Request) {
	if err := a.ctl.Stop(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNoSession) {
			status = http.StatusConflict
		}
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toStatus(a.ctl.Status()))
}

func (a *API) settings(w http.ResponseWriter, r *http.Request) {
	var body settingsBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid settings: " + err.Error()})
		return
	}
	if body.ThresholdFactor != nil && *body.ThresholdFactor <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "threshold_factor must be positive"})
		return
	}
	if body.Paused != nil {
		a.ctl.Pause(*body.Paused)
	}
	if body.Weighting != nil {
		a.ctl.SetWeighting(*body.Weighting)
	}
	if body.ThresholdFactor != nil {
		a.ctl.SetThreshold(*body.ThresholdFactor)
	}
	writeJSON(w, http.StatusAccepted, toStatus(a.ctl.Status()))
}

func toStatus(s driver.Snapshot) statusBody {
	b := statusBody{
		Running:   s.Running,
		Source:    s.Source,
		State:     s.State.String(),
		Buffer:    s.Buffer,
		Paused:    s.Paused,
		Weighting: s.Weighting,
		Threshold: s.Threshold,
		Frames:    s.Frames,
		Ticks:     s.Ticks,
		Decisions: s.Decisions,
	}
	if s.LastMessage.Coded != "" || s.LastMessage.Text != "" {
		b.LastMessage = &messageBody{Coded: s.LastMessage.Coded, Text: s.LastMessage.Text, At: s.LastMessage.At}
	}
	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
