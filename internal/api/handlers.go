package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/chainmesh/fabric/internal/bridge"
	"github.com/chainmesh/fabric/internal/validators"
	"github.com/chainmesh/fabric/internal/webhooks"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"node_id": s.node.Status().NodeId,
		"leader":  s.node.IsLeader(),
	})
}

func (s *Server) handleBridgeStatus(w http.ResponseWriter, r *http.Request) {
	bridgeID := mux.Vars(r)["bridgeId"]
	t, err := s.bridges.Status(r.Context(), bridgeID)
	if err != nil {
		if errors.Is(err, bridge.ErrUnknownBridge) {
			writeError(w, http.StatusNotFound, "bridge transfer not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleConsensusStatus(w http.ResponseWriter, r *http.Request) {
	st := s.node.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":      st.NodeId,
		"state":        st.State.String(),
		"current_term": st.CurrentTerm,
		"commit_index": st.CommitIndex,
		"last_applied": st.LastApplied,
		"leader_id":    st.LeaderId,
		"members":      s.node.Members(),
	})
}

func (s *Server) handleListValidators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.validators.List())
}

func (s *Server) handleGetValidator(w http.ResponseWriter, r *http.Request) {
	v, err := s.validators.Get(mux.Vars(r)["validatorId"])
	if err != nil {
		if errors.Is(err, validators.ErrUnknownValidator) {
			writeError(w, http.StatusNotFound, "validator not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Snapshot())
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var sub webhooks.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription payload")
		return
	}
	if err := s.hooks.Register(&sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hooks.List())
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.hooks.Unregister(mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
