package web

import (
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

type Server struct {
	http.Server
}

type Config struct {
	// Port is a server port to listen to
	Port int `toml:"port"`
	// Bind a specific IP addresses for server
	// "*": bind all IP addresses which is default option
	// localhost or 127.0.0.1  bind a single IPv4 address
	BindAddress string `toml:"bind_address"`
}

// HealthCheck reports whether the service can take work.
type HealthCheck func() error

func New(cfg Config, metrics http.Handler, health HealthCheck) *Server {
	port := cfg.Port
	if port == 0 {
		port = 8080
	}

	bindAddress := cfg.BindAddress
	if bindAddress == "*" {
		bindAddress = ""
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				log.WithError(err).Warn("health check failed")
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}

		_, _ = fmt.Fprintln(w, "ok")
	})

	srv := Server{}
	srv.Addr = fmt.Sprintf("%s:%d", bindAddress, port)
	srv.Handler = mux

	log.Debugf("using address: %s", srv.Addr)

	return &srv
}
