package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/oriys/theatre/internal/value"
)

// routes builds the daemon's HTTP/JSON control surface (SPEC_FULL §6):
// POST /v1/sessions starts a session, POST /v1/sessions/{id}/resume and
// /cancel drive it forward or tear it down, GET /v1/sessions/{id} reads
// its current state, POST /v1/sessions/{id}/checkpoint and /restore
// create and roll back to a labeled checkpoint, and GET /v1/flows lists
// registered contract names.
func (d *daemon) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /v1/flows", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.registry.Names())
	})

	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Contract string          `json:"contract"`
			State    json.RawMessage `json:"state"`
			Gas      uint64          `json:"gas"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}

		var raw any
		if len(req.State) > 0 {
			if err := json.Unmarshal(req.State, &raw); err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
		}

		sess, err := d.coord.Start(r.Context(), req.Contract, value.FromAny(raw), req.Gas)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	})

	mux.HandleFunc("GET /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sess, err := d.coord.Get(r.PathValue("id"))
		if err != nil {
			writeSessionErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	})

	mux.HandleFunc("POST /v1/sessions/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input json.RawMessage `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeErr(w, http.StatusBadRequest, err)
			return
		}

		var raw any
		if len(req.Input) > 0 {
			if err := json.Unmarshal(req.Input, &raw); err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
		}

		sess, err := d.coord.Resume(r.Context(), r.PathValue("id"), value.FromAny(raw))
		if err != nil {
			writeSessionErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	})

	mux.HandleFunc("POST /v1/sessions/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		sess, err := d.coord.Cancel(r.PathValue("id"))
		if err != nil {
			writeSessionErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	})

	mux.HandleFunc("GET /v1/sessions/{id}/checkpoint", func(w http.ResponseWriter, r *http.Request) {
		snap := d.checkpoint.Load(r.PathValue("id"))
		if snap == nil {
			writeErr(w, http.StatusNotFound, errors.New("no checkpoint for session"))
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("GET /v1/sessions/{id}/checkpoints", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.checkpoint.List(r.PathValue("id")))
	})

	mux.HandleFunc("POST /v1/sessions/{id}/checkpoint", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Label string `json:"label"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		id, err := d.coord.Checkpoint(r.PathValue("id"), req.Label)
		if err != nil {
			writeSessionErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"checkpoint_id": id})
	})

	mux.HandleFunc("POST /v1/sessions/{id}/restore", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CheckpointID string `json:"checkpoint_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := d.coord.Restore(r.PathValue("id"), req.CheckpointID); err != nil {
			writeSessionErr(w, err)
			return
		}
		sess, err := d.coord.Get(r.PathValue("id"))
		if err != nil {
			writeSessionErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	})

	mux.HandleFunc("GET /v1/flow-control", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.gate.Signal())
	})

	return mux
}

func writeSessionErr(w http.ResponseWriter, err error) {
	if strings.Contains(err.Error(), "not found") {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeErr(w, http.StatusConflict, err)
}
