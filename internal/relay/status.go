package relay

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

type statusChannel struct {
	Connected bool `json:"connected"`
	Queued    int  `json:"queued"`
	Streams   int  `json:"streams"`
}

type statusSession struct {
	Name       string                   `json:"name"`
	Requests   int                      `json:"requests"`
	Tunnels    int                      `json:"tunnels"`
	LastActive time.Time                `json:"lastActive"`
	Channels   map[string]statusChannel `json:"channels"`
}

type statusPayload struct {
	Sessions  []statusSession  `json:"sessions"`
	Resources resourceSnapshot `json:"resources"`
}

func (s *relayServer) collectStatus() statusPayload {
	s.sessionsMu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()

	payload := statusPayload{
		Sessions: make([]statusSession, 0, len(sessions)),
	}
	for _, sess := range sessions {
		payload.Sessions = append(payload.Sessions, sess.snapshot())
	}
	sort.Slice(payload.Sessions, func(i, j int) bool {
		return payload.Sessions[i].Name < payload.Sessions[j].Name
	})
	if s.resources != nil {
		payload.Resources = s.resources.snapshot()
	}
	return payload
}

func (s *relayServer) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	payload := s.collectStatus()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("status json failed", "error", err)
	}
}
