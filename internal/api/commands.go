package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/moonfleet/moonfleet/listener"
	"github.com/moonfleet/moonfleet/moonbot"
)

type sendCommandRequest struct {
	ServerID       moonbot.ServerID `json:"server_id"`
	Command        string           `json:"command"`
	TimeoutSeconds int              `json:"timeout_seconds"`
	Multi          bool             `json:"multi"`
	InterPacketMS  int              `json:"inter_packet_ms"`
}

type sendCommandResponse struct {
	Response string `json:"response"`
	IsError  bool   `json:"is_error"`
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req sendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	server, err := s.store.GetServer(r.Context(), req.ServerID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.dispatch(w, r, server, req)
}

// handleListenerSendCommand is the per-server form of /api/commands/send; the
// body omits server_id.
func (s *Server) handleListenerSendCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}

	var req sendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	server, err := s.store.GetServer(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.dispatch(w, r, server, req)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, server moonbot.Server, req sendCommandRequest) {
	timeout := time.Duration(req.TimeoutSeconds) * time.Second

	if req.Multi {
		interPacket := time.Duration(req.InterPacketMS) * time.Millisecond
		text, err := s.dispatcher.SendMulti(r.Context(), server, req.Command, timeout, interPacket)
		if err != nil {
			s.fail(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, sendCommandResponse{Response: text})
		return
	}

	pkt, err := s.dispatcher.Send(r.Context(), server, req.Command, timeout)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sendCommandResponse{
		Response: pkt.PreferredText(),
		IsError:  pkt.IsError(),
	})
}

type listenerActionResponse struct {
	Changed bool   `json:"changed"`
	State   string `json:"state"`
}

func (s *Server) handleListenerStart(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	server, err := s.store.GetServer(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !server.IsActive {
		s.writeError(w, http.StatusConflict, "server is inactive")
		return
	}

	started, err := s.registry.Start(r.Context(), server)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listenerActionResponse{Changed: started, State: s.listenerState(id)})
}

func (s *Server) handleListenerStop(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	stopped := s.registry.Stop(id)
	s.writeJSON(w, http.StatusOK, listenerActionResponse{Changed: stopped, State: s.listenerState(id)})
}

// handleListenerRefresh re-reads the server row and applies any peer change.
func (s *Server) handleListenerRefresh(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	server, err := s.store.GetServer(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.registry.Update(r.Context(), server); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listenerActionResponse{Changed: true, State: s.listenerState(id)})
}

type listenerStatusResponse struct {
	State            string               `json:"state"`
	BindPort         int                  `json:"bind_port,omitempty"`
	MessagesReceived int64                `json:"messages_received"`
	LastActivity     *time.Time           `json:"last_activity,omitempty"`
	LastError        string               `json:"last_error,omitempty"`
	Probe            moonbot.ServerStatus `json:"probe"`
}

func (s *Server) handleListenerStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetServer(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}

	resp := listenerStatusResponse{State: listener.StateStopped.String()}
	if l, running := s.registry.Get(id); running {
		st := l.Status()
		resp.State = st.State.String()
		resp.BindPort = st.BindPort
		resp.MessagesReceived = st.MessagesReceived
		resp.LastError = st.LastError
		if !st.LastActivity.IsZero() {
			resp.LastActivity = &st.LastActivity
		}
	}

	probe, err := s.store.GetServerStatus(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp.Probe = probe
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listenerState(id moonbot.ServerID) string {
	if l, ok := s.registry.Get(id); ok {
		return l.State().String()
	}
	return listener.StateStopped.String()
}
