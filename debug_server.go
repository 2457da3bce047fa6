package msgr

// debugServer exposes process introspection over plain HTTP: expvar's
// default /debug/vars handler, net/http/pprof's profiles, and a
// messenger-specific /msgr/pipes snapshot. It is opt-in via
// Config.DebugAddr and is never reachable from a peer connection.

import (
	"context"
	"encoding/json"
	"net/http"
	_ "net/http/pprof"
	"time"
)

type debugServer struct {
	mgr *Messenger
	srv *http.Server
}

func newDebugServer(m *Messenger, addr string) *debugServer {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", http.DefaultServeMux)
	mux.HandleFunc("/msgr/pipes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.snapshotPipes())
	})
	// net/http/pprof registers its handlers on http.DefaultServeMux via
	// its init(), so requests for /debug/pprof/* are served by delegating
	// unmatched paths there too.
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	return &debugServer{
		mgr: m,
		srv: &http.Server{Addr: addr, Handler: mux},
	}
}

func (d *debugServer) serve() {
	if err := d.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		d.mgr.log.Warn("debug server stopped", "error", err)
	}
}

func (d *debugServer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = d.srv.Shutdown(ctx)
}
