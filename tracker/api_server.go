// HTTP API for the watch requests, the status and the internal metrics.

package tracker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jaber-the-great/LibreQoS/circuits"
	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/internal/utils"
	"github.com/jaber-the-great/LibreQoS/watched"
)

const (
	API_SERVER_CONFIG_ENABLED_DEFAULT          = true
	API_SERVER_CONFIG_LISTEN_ADDR_DEFAULT      = "127.0.0.1:9119"
	API_SERVER_CONFIG_READ_TIMEOUT_DEFAULT     = "5s"
	API_SERVER_CONFIG_WRITE_TIMEOUT_DEFAULT    = "10s"
	API_SERVER_CONFIG_SHUTDOWN_TIMEOUT_DEFAULT = "2s"

	API_SERVER_WATCHED_PATH = "/api/v1/watched"
	API_SERVER_STATUS_PATH  = "/api/v1/status"
	API_SERVER_METRICS_PATH = "/metrics"
	API_SERVER_HEALTH_PATH  = "/health"

	API_SERVER_CIRCUIT_ID_VAR = "circuit_id"
)

type ApiServerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	// In time.ParseDuration() format:
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

func DefaultApiServerConfig() *ApiServerConfig {
	return &ApiServerConfig{
		Enabled:         API_SERVER_CONFIG_ENABLED_DEFAULT,
		ListenAddr:      API_SERVER_CONFIG_LISTEN_ADDR_DEFAULT,
		ReadTimeout:     API_SERVER_CONFIG_READ_TIMEOUT_DEFAULT,
		WriteTimeout:    API_SERVER_CONFIG_WRITE_TIMEOUT_DEFAULT,
		ShutdownTimeout: API_SERVER_CONFIG_SHUTDOWN_TIMEOUT_DEFAULT,
	}
}

type WatchResponse struct {
	CircuitId string `json:"circuit_id"`
	Result    string `json:"result"`
	Watched   bool   `json:"watched"`
}

type WatchedQueueResponse struct {
	CircuitId     string `json:"circuit_id"`
	DownloadClass string `json:"download_class"`
	UploadClass   string `json:"upload_class"`
	ExpiresAt     int64  `json:"expires_at_ms"`
}

type StatusResponse struct {
	Instance        string  `json:"instance"`
	Hostname        string  `json:"hostname"`
	OSName          string  `json:"os_name"`
	OSRelease       string  `json:"os_release"`
	Uptime          float64 `json:"uptime_sec"`
	OSUptime        float64 `json:"os_uptime_sec"`
	WatchedCount    int     `json:"watched_count"`
	WatchedCapacity int     `json:"watched_capacity"`
	WatchTtl        float64 `json:"watch_ttl_sec"`
	CircuitCount    int     `json:"circuit_count"`
	CircuitsReloads uint64  `json:"circuits_reload_count"`
}

type ApiServer struct {
	listenAddr      string
	shutdownTimeout time.Duration
	registry        *watched.WatchedQueues
	monitor         *circuits.QueuingStructureMonitor
	router          *mux.Router
	server          *http.Server
	listener        net.Listener
	wg              *sync.WaitGroup
}

var apiServerLog = logger.NewCompLogger("api_server")

var apiJson = jsoniter.ConfigCompatibleWithStandardLibrary

// The monitor is optional; the metrics are served only if gatherer is not nil.
func NewApiServer(
	cfg any,
	registry *watched.WatchedQueues,
	monitor *circuits.QueuingStructureMonitor,
	gatherer prometheus.Gatherer,
) (*ApiServer, error) {
	var (
		serverCfg                 *ApiServerConfig
		readTimeout, writeTimeout time.Duration
		shutdownTimeout           time.Duration
		err                       error
	)

	switch cfg := cfg.(type) {
	case *TrackerConfig:
		serverCfg = cfg.ApiServerConfig
	case *ApiServerConfig:
		serverCfg = cfg
	case nil:
	default:
		return nil, fmt.Errorf("NewApiServer: %T invalid config type", cfg)
	}
	if serverCfg == nil {
		serverCfg = DefaultApiServerConfig()
	}

	if registry == nil {
		return nil, fmt.Errorf("NewApiServer: nil registry")
	}
	if readTimeout, err = time.ParseDuration(serverCfg.ReadTimeout); err != nil {
		return nil, fmt.Errorf("NewApiServer: read_timeout: %v", err)
	}
	if writeTimeout, err = time.ParseDuration(serverCfg.WriteTimeout); err != nil {
		return nil, fmt.Errorf("NewApiServer: write_timeout: %v", err)
	}
	if shutdownTimeout, err = time.ParseDuration(serverCfg.ShutdownTimeout); err != nil {
		return nil, fmt.Errorf("NewApiServer: shutdown_timeout: %v", err)
	}

	apiServer := &ApiServer{
		listenAddr:      serverCfg.ListenAddr,
		shutdownTimeout: shutdownTimeout,
		registry:        registry,
		monitor:         monitor,
		router:          mux.NewRouter(),
		wg:              &sync.WaitGroup{},
	}

	router := apiServer.router
	router.HandleFunc(API_SERVER_HEALTH_PATH, apiServer.handleHealth).Methods(http.MethodGet)
	router.HandleFunc(API_SERVER_STATUS_PATH, apiServer.handleStatus).Methods(http.MethodGet)
	router.HandleFunc(API_SERVER_WATCHED_PATH, apiServer.handleListWatched).Methods(http.MethodGet)
	circuitPath := API_SERVER_WATCHED_PATH + "/{" + API_SERVER_CIRCUIT_ID_VAR + "}"
	router.HandleFunc(circuitPath, apiServer.handleGetWatched).Methods(http.MethodGet)
	router.HandleFunc(circuitPath, apiServer.handleAddWatch).Methods(http.MethodPost)
	router.HandleFunc(circuitPath, apiServer.handleRefreshOrAdd).Methods(http.MethodPut)
	if gatherer != nil {
		router.Handle(API_SERVER_METRICS_PATH, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	apiServer.server = &http.Server{
		Addr:         apiServer.listenAddr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	apiServerLog.Infof("listen_addr=%s", apiServer.listenAddr)
	apiServerLog.Infof("read_timeout=%s", readTimeout)
	apiServerLog.Infof("write_timeout=%s", writeTimeout)
	apiServerLog.Infof("shutdown_timeout=%s", shutdownTimeout)
	return apiServer, nil
}

func (apiServer *ApiServer) Handler() http.Handler {
	return apiServer.router
}

// The actual address, useful when listening on port 0:
func (apiServer *ApiServer) Addr() string {
	if apiServer.listener != nil {
		return apiServer.listener.Addr().String()
	}
	return apiServer.listenAddr
}

func writeJson(w http.ResponseWriter, statusCode int, v any) {
	body, err := apiJson.Marshal(v)
	if err != nil {
		apiServerLog.Warnf("json marshal: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(body)
	w.Write([]byte{'\n'})
}

func (apiServer *ApiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK\n"))
}

func (apiServer *ApiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := &StatusResponse{
		Instance:        GlobalInstance,
		Hostname:        GlobalHostname,
		OSName:          utils.OSName,
		OSRelease:       utils.OSRelease,
		Uptime:          utils.Uptime().Seconds(),
		OSUptime:        utils.OSUptime().Seconds(),
		WatchedCount:    apiServer.registry.Len(),
		WatchedCapacity: apiServer.registry.Capacity(),
		WatchTtl:        apiServer.registry.Ttl().Seconds(),
	}
	if apiServer.monitor != nil {
		status.CircuitCount = apiServer.monitor.Current().Len()
		status.CircuitsReloads = apiServer.monitor.ReloadCount()
	}
	writeJson(w, http.StatusOK, status)
}

func newWatchedQueueResponse(queue *watched.WatchedQueue) *WatchedQueueResponse {
	return &WatchedQueueResponse{
		CircuitId:     queue.CircuitId,
		DownloadClass: queue.DownloadClass.String(),
		UploadClass:   queue.UploadClass.String(),
		ExpiresAt:     queue.ExpiresAt.UnixMilli(),
	}
}

func (apiServer *ApiServer) handleListWatched(w http.ResponseWriter, r *http.Request) {
	queues := apiServer.registry.List()
	resp := make([]*WatchedQueueResponse, len(queues))
	for i := range queues {
		resp[i] = newWatchedQueueResponse(&queues[i])
	}
	writeJson(w, http.StatusOK, resp)
}

func (apiServer *ApiServer) handleGetWatched(w http.ResponseWriter, r *http.Request) {
	circuitId := mux.Vars(r)[API_SERVER_CIRCUIT_ID_VAR]
	queue, ok := apiServer.registry.Get(circuitId)
	if !ok {
		http.Error(w, fmt.Sprintf("%q: not watched", circuitId), http.StatusNotFound)
		return
	}
	writeJson(w, http.StatusOK, newWatchedQueueResponse(&queue))
}

func watchResultStatusCode(result watched.WatchResult) int {
	switch result {
	case watched.WATCH_ADDED:
		return http.StatusCreated
	case watched.WATCH_REFRESHED, watched.WATCH_ALREADY_WATCHED:
		return http.StatusOK
	case watched.WATCH_CIRCUIT_UNKNOWN:
		return http.StatusNotFound
	case watched.WATCH_REGISTRY_FULL:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (apiServer *ApiServer) writeWatchResult(w http.ResponseWriter, circuitId string, result watched.WatchResult) {
	writeJson(w, watchResultStatusCode(result), &WatchResponse{
		CircuitId: circuitId,
		Result:    result.String(),
		Watched:   result.Watched(),
	})
}

func (apiServer *ApiServer) handleAddWatch(w http.ResponseWriter, r *http.Request) {
	circuitId := mux.Vars(r)[API_SERVER_CIRCUIT_ID_VAR]
	apiServer.writeWatchResult(w, circuitId, apiServer.registry.AddWatch(circuitId))
}

func (apiServer *ApiServer) handleRefreshOrAdd(w http.ResponseWriter, r *http.Request) {
	circuitId := mux.Vars(r)[API_SERVER_CIRCUIT_ID_VAR]
	apiServer.writeWatchResult(w, circuitId, apiServer.registry.RefreshOrAdd(circuitId))
}

// Listen synchronously, such that address errors are reported, and serve in
// the background:
func (apiServer *ApiServer) Start() error {
	listener, err := net.Listen("tcp", apiServer.listenAddr)
	if err != nil {
		return fmt.Errorf("ApiServer.Start: %v", err)
	}
	apiServer.listener = listener
	apiServer.wg.Add(1)
	go func() {
		defer apiServer.wg.Done()
		apiServerLog.Infof("serving on %s", listener.Addr())
		if err := apiServer.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			apiServerLog.Errorf("serve: %v", err)
		}
	}()
	return nil
}

func (apiServer *ApiServer) Shutdown() {
	if apiServer.listener == nil {
		return
	}
	apiServerLog.Info("shutdown")
	ctx, cancelFn := context.WithTimeout(context.Background(), apiServer.shutdownTimeout)
	defer cancelFn()
	if err := apiServer.server.Shutdown(ctx); err != nil {
		apiServerLog.Warnf("shutdown: %v", err)
		apiServer.server.Close()
	}
	apiServer.wg.Wait()
	apiServerLog.Info("stopped")
}
