package main

import (
	"net/http"

	"github.com/cloud-shuttle/clonemgr/internal/statuspush"
)

// newStatusPushServer mounts the status-push hub at /status on addr. It is
// a read-only observability endpoint only: the hub never accepts commands.
func newStatusPushServer(addr string, hub *statuspush.Hub) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/status", hub)
	return &http.Server{Addr: addr, Handler: mux}
}
