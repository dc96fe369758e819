package main

import (
	"encoding/json"
	"net/http"

	"voxelguard.ai/internal/history"
	"voxelguard.ai/internal/host"
	"voxelguard.ai/internal/persistence/archive"
	"voxelguard.ai/internal/sched"
	"voxelguard.ai/internal/transport/ws"
)

type auditState struct {
	Lines  uint64 `json:"lines"`
	Errors uint64 `json:"errors"`
}

type adminState struct {
	Tracker   history.Stats    `json:"tracker"`
	Scheduler sched.Stats      `json:"scheduler"`
	Loops     []host.LoopStats `json:"loops"`
	Bridge    ws.Stats         `json:"bridge"`
	Audit     auditState       `json:"audit"`
	Archive   *archive.Stats   `json:"archive,omitempty"`
}

// adminStateHandler serves a JSON snapshot to loopback callers only.
func adminStateHandler(snapshot func() any) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(snapshot())
	}
}
