package mainboilerplate

import (
	_ "expvar" // Import for /debug/vars
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	_ "golang.org/x/net/trace" // Import for /debug/requests and /debug/events
	"google.golang.org/grpc"
)

// DiagnosticsConfig configures metrics, readiness, and debugging endpoints.
// Handlers of /debug/pprof, /debug/vars, /debug/requests, and /debug/events
// are always registered with the default http.ServeMux.
type DiagnosticsConfig struct {
	Tracing        bool   `long:"tracing" env:"TRACING" description:"Trace gRPC requests, viewable at /debug/requests"`
	TerminationLog string `long:"termination-log" env:"TERMINATION_LOG" default:"/dev/termination-log" description:"Existing file to which a panic message is written before exiting"`
}

// InitDiagnostics registers /debug/ready and /debug/metrics with |mux|.
// The ready check fails with the error of |ready|, if non-nil.
func InitDiagnostics(cfg DiagnosticsConfig, mux *http.ServeMux, ready func() error) {
	grpc.EnableTracing = cfg.Tracing

	mux.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		if err := ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/debug/metrics", promhttp.Handler())
}

// Recover returns a closure to be deferred by a command, which recovers a
// panic, writes it to the TerminationLog for retrieval by Kubernetes, and
// re-panics.
func (cfg DiagnosticsConfig) Recover() func() {
	return func() {
		var r = recover()
		if r == nil {
			return
		}
		if cfg.TerminationLog != "" {
			if f, err := os.OpenFile(cfg.TerminationLog, os.O_WRONLY|os.O_TRUNC, 0); err == nil {
				_, _ = fmt.Fprintf(f, "%+v", r)
				_ = f.Close()
			}
		}
		panic(r)
	}
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}
