// Package health exposes the service health endpoint. The report combines
// gateway state, registered tool count and live connection count, with
// dependency pings in the clue checker style.
package health

import (
	"net/http"
	"time"

	goahttp "goa.design/goa/v3/http"

	cluehealth "goa.design/clue/health"

	"github.com/toolgate-io/toolgate/connreg"
	"github.com/toolgate-io/toolgate/registry"
	"github.com/toolgate-io/toolgate/transport/wire"
)

type (
	// Server answers health probes.
	Server struct {
		reg        *registry.Registry
		conns      *connreg.Registry
		transports []string
		checker    cluehealth.Checker
	}

	// Report is the health response body.
	Report struct {
		Status            string            `json:"status"`
		Tools             int               `json:"tools"`
		ActiveConnections int               `json:"activeConnections"`
		Transports        []string          `json:"transports"`
		Dependencies      map[string]string `json:"dependencies,omitempty"`
		Uptime            string            `json:"uptime"`
	}
)

var start = time.Now()

// New builds a health server. Pingers cover external dependencies such as
// the introspection cache; a failing pinger degrades the report.
func New(reg *registry.Registry, conns *connreg.Registry, transports []string, pingers ...cluehealth.Pinger) *Server {
	s := &Server{reg: reg, conns: conns, transports: transports}
	if len(pingers) > 0 {
		s.checker = cluehealth.NewChecker(pingers...)
	}
	return s
}

// Mount registers the health endpoint on mux.
func (s *Server) Mount(mux goahttp.Muxer) {
	mux.Handle(http.MethodGet, "/healthz", s.handle)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	report := Report{
		Status:            "ok",
		Tools:             s.reg.Len(),
		ActiveConnections: s.conns.ActiveCount(),
		Transports:        s.transports,
		Uptime:            time.Since(start).Round(time.Second).String(),
	}
	code := http.StatusOK
	if s.checker != nil {
		h, healthy := s.checker.Check(r.Context())
		if h != nil {
			report.Dependencies = h.Status
		}
		if !healthy {
			report.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	wire.WriteJSON(w, code, report)
}
