package api

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fabian4/httpproxy/internal/version"
)

// Server is the part of the proxy server the admin endpoints look at.
type Server interface {
	// Addrs returns the bound listen addresses, empty until started.
	Addrs() []string
	// ConfigDump returns the effective configuration as YAML.
	ConfigDump() ([]byte, error)
}

// AdminHandler serves /metrics, /healthz, /readyz, /configz and /version.
type AdminHandler struct {
	mux    *mux.Router
	server Server
}

func NewAdminHandler(g prometheus.Gatherer, s Server) *AdminHandler {
	m := mux.NewRouter()
	a := &AdminHandler{mux: m, server: s}
	m.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	m.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)
	m.HandleFunc("/readyz", a.readyz).Methods(http.MethodGet)
	m.HandleFunc("/configz", a.configz).Methods(http.MethodGet)
	m.HandleFunc("/version", a.version).Methods(http.MethodGet)
	return a
}

func (a *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *AdminHandler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (a *AdminHandler) readyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if len(a.server.Addrs()) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Service Unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (a *AdminHandler) configz(w http.ResponseWriter, _ *http.Request) {
	b, err := a.server.ConfigDump()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (a *AdminHandler) version(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	v := struct {
		Version string `json:"version"`
		Time    string `json:"time"`
		Commit  string `json:"commit"`

		GoArch    string `json:"go_arch"`
		GOOS      string `json:"go_os"`
		GoVersion string `json:"go_version"`
	}{
		Version: version.Value,
		Time:    version.Time,
		Commit:  version.Commit,

		GoArch:    runtime.GOARCH,
		GOOS:      runtime.GOOS,
		GoVersion: runtime.Version(),
	}
	_ = json.NewEncoder(w).Encode(v)
}
