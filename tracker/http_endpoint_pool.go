// HTTP endpoint pool for the VictoriaMetrics import.

package tracker

// The pool is configured w/ a list of import URL's, divided into 2 sub-lists:
// healthy and unhealthy. The endpoint at the head of the healthy list is the
// one in use for requests. After a transport or HTTP error the endpoint error
// count is incremented and when it reaches the threshold the endpoint is moved
// to the unhealthy list, where it is checked periodically via a health check
// request. When the latter succeeds, the endpoint is returned to the tail of
// the healthy list. The healthy list is rotated periodically such that each
// endpoint will eventually be at the head.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
)

const (
	// Endpoint default values:
	HTTP_ENDPOINT_URL_DEFAULT                      = "http://localhost:8428/api/v1/import/prometheus"
	HTTP_ENDPOINT_HEALTH_CHECK_PATH_DEFAULT        = "/health"
	HTTP_ENDPOINT_MARK_UNHEALTHY_THRESHOLD_DEFAULT = 1

	// Pool default values:
	HTTP_ENDPOINT_POOL_HEALTHY_ROTATE_INTERVAL_DEFAULT = "5m"
	HTTP_ENDPOINT_POOL_ERROR_RESET_INTERVAL_DEFAULT    = "1m"
	HTTP_ENDPOINT_POOL_HEALTHY_CHECK_INTERVAL_DEFAULT  = "5s"
	HTTP_ENDPOINT_POOL_HEALTHY_CHECK_MIN_INTERVAL      = 1 * time.Second
	HTTP_ENDPOINT_POOL_SEND_BUFFER_TIMEOUT_DEFAULT     = "20s"
	// http.Transport default values:
	HTTP_ENDPOINT_POOL_MAX_IDLE_CONNS_DEFAULT          = 0 // No limit
	HTTP_ENDPOINT_POOL_MAX_IDLE_CONNS_PER_HOST_DEFAULT = 1
	HTTP_ENDPOINT_POOL_MAX_CONNS_PER_HOST_DEFAULT      = 0 // No limit
	HTTP_ENDPOINT_POOL_IDLE_CONN_TIMEOUT_DEFAULT       = "1m"
	HTTP_ENDPOINT_POOL_RESPONSE_HEADER_TIMEOUT_DEFAULT = "15s"
)

// Endpoint stats, indexed by URL:
const (
	HTTP_ENDPOINT_STATS_SEND_BUFFER_COUNT = iota
	HTTP_ENDPOINT_STATS_SEND_BUFFER_BYTE_COUNT
	HTTP_ENDPOINT_STATS_SEND_BUFFER_ERROR_COUNT
	HTTP_ENDPOINT_STATS_HEALTH_CHECK_COUNT
	HTTP_ENDPOINT_STATS_HEALTH_CHECK_ERROR_COUNT

	// Must be last:
	HTTP_ENDPOINT_STATS_LEN
)

type HttpEndpointStats [HTTP_ENDPOINT_STATS_LEN]uint64

var (
	ErrHttpEndpointPoolNoHealthy  = errors.New("no healthy HTTP endpoint available")
	ErrHttpEndpointPoolStopped    = errors.New("HTTP endpoint pool stopped")
	ErrHttpEndpointPoolSendFailed = errors.New("send buffer failed")
)

var epPoolLog = logger.NewCompLogger("http_endpoint_pool")

// The subset of http.Client used by the pool, mockable for testing:
type HttpClientDoer interface {
	Do(req *http.Request) (*http.Response, error)
	CloseIdleConnections()
}

type HttpEndpoint struct {
	url            string
	healthCheckUrl string
	healthy        bool
	// The error count threshold for declaring the endpoint unhealthy; this may
	// be > 1 when the host part of the URL resolves to a pool of addresses:
	markUnhealthyThreshold int
	numErrors              int
	errorTs                time.Time
	// Doubly linked list:
	prev, next *HttpEndpoint
}

type HttpEndpointConfig struct {
	URL string `yaml:"url"`
	// Default: the URL w/ the path replaced by /health:
	HealthCheckURL         string `yaml:"health_check_url"`
	MarkUnhealthyThreshold int    `yaml:"mark_unhealthy_threshold"`
}

func DefaultHttpEndpointConfig() *HttpEndpointConfig {
	return &HttpEndpointConfig{
		URL:                    HTTP_ENDPOINT_URL_DEFAULT,
		MarkUnhealthyThreshold: HTTP_ENDPOINT_MARK_UNHEALTHY_THRESHOLD_DEFAULT,
	}
}

func NewHttpEndpoint(cfg *HttpEndpointConfig) (*HttpEndpoint, error) {
	if cfg == nil {
		cfg = DefaultHttpEndpointConfig()
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("NewHttpEndpoint: %v", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("NewHttpEndpoint: %q: missing scheme or host", cfg.URL)
	}
	ep := &HttpEndpoint{
		url:                    u.String(),
		healthCheckUrl:         cfg.HealthCheckURL,
		markUnhealthyThreshold: cfg.MarkUnhealthyThreshold,
	}
	if ep.healthCheckUrl == "" {
		ep.healthCheckUrl = (&url.URL{
			Scheme: u.Scheme,
			User:   u.User,
			Host:   u.Host,
			Path:   HTTP_ENDPOINT_HEALTH_CHECK_PATH_DEFAULT,
		}).String()
	}
	if ep.markUnhealthyThreshold <= 0 {
		ep.markUnhealthyThreshold = HTTP_ENDPOINT_MARK_UNHEALTHY_THRESHOLD_DEFAULT
	}
	return ep, nil
}

func (ep *HttpEndpoint) URL() string {
	return ep.url
}

type HttpEndpointDoublyLinkedList struct {
	head, tail *HttpEndpoint
}

func (epDblLnkList *HttpEndpointDoublyLinkedList) Insert(ep, after *HttpEndpoint) {
	ep.prev = after
	if after != nil {
		ep.next = after.next
		after.next = ep
	} else {
		ep.next = epDblLnkList.head
		epDblLnkList.head = ep
	}
	if ep.next != nil {
		ep.next.prev = ep
	} else {
		epDblLnkList.tail = ep
	}
}

func (epDblLnkList *HttpEndpointDoublyLinkedList) Remove(ep *HttpEndpoint) {
	if ep.prev != nil {
		ep.prev.next = ep.next
	} else {
		epDblLnkList.head = ep.next
	}
	if ep.next != nil {
		ep.next.prev = ep.prev
	} else {
		epDblLnkList.tail = ep.prev
	}
	ep.prev = nil
	ep.next = nil
}

func (epDblLnkList *HttpEndpointDoublyLinkedList) AddToTail(ep *HttpEndpoint) {
	epDblLnkList.Insert(ep, epDblLnkList.tail)
}

type HttpEndpointPoolConfig struct {
	Endpoints []*HttpEndpointConfig `yaml:"endpoints"`
	// Use a negative value to disable the rotation, 0 to rotate every time:
	HealthyRotateInterval string `yaml:"healthy_rotate_interval"`
	ErrorResetInterval    string `yaml:"error_reset_interval"`
	HealthyCheckInterval  string `yaml:"healthy_check_interval"`
	// The default timeout for SendBuffer, used when the caller passes < 0:
	SendBufferTimeout string `yaml:"send_buffer_timeout"`
	// Params for http.Transport:
	MaxIdleConns          int    `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int    `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int    `yaml:"max_conns_per_host"`
	IdleConnTimeout       string `yaml:"idle_conn_timeout"`
	ResponseHeaderTimeout string `yaml:"response_header_timeout"`
}

func DefaultHttpEndpointPoolConfig() *HttpEndpointPoolConfig {
	return &HttpEndpointPoolConfig{
		HealthyRotateInterval: HTTP_ENDPOINT_POOL_HEALTHY_ROTATE_INTERVAL_DEFAULT,
		ErrorResetInterval:    HTTP_ENDPOINT_POOL_ERROR_RESET_INTERVAL_DEFAULT,
		HealthyCheckInterval:  HTTP_ENDPOINT_POOL_HEALTHY_CHECK_INTERVAL_DEFAULT,
		SendBufferTimeout:     HTTP_ENDPOINT_POOL_SEND_BUFFER_TIMEOUT_DEFAULT,
		MaxIdleConns:          HTTP_ENDPOINT_POOL_MAX_IDLE_CONNS_DEFAULT,
		MaxIdleConnsPerHost:   HTTP_ENDPOINT_POOL_MAX_IDLE_CONNS_PER_HOST_DEFAULT,
		MaxConnsPerHost:       HTTP_ENDPOINT_POOL_MAX_CONNS_PER_HOST_DEFAULT,
		IdleConnTimeout:       HTTP_ENDPOINT_POOL_IDLE_CONN_TIMEOUT_DEFAULT,
		ResponseHeaderTimeout: HTTP_ENDPOINT_POOL_RESPONSE_HEADER_TIMEOUT_DEFAULT,
	}
}

type HttpEndpointPool struct {
	healthy               *HttpEndpointDoublyLinkedList
	healthyRotateInterval time.Duration
	healthyHeadChangeTs   time.Time
	// Older errors are forgiven after this interval; use 0 to disable:
	errorResetInterval   time.Duration
	healthyCheckInterval time.Duration
	sendBufferTimeout    time.Duration
	client               HttpClientDoer
	stats                map[string]*HttpEndpointStats
	// Condition lock for the lists and the stats:
	cond     *sync.Cond
	ctx      context.Context
	cancelFn context.CancelFunc
	wg       *sync.WaitGroup
}

func NewHttpEndpointPool(cfg any) (*HttpEndpointPool, error) {
	var (
		err     error
		poolCfg *HttpEndpointPoolConfig
	)

	switch cfg := cfg.(type) {
	case *TrackerConfig:
		poolCfg = cfg.HttpEndpointPoolConfig
	case *HttpEndpointPoolConfig:
		poolCfg = cfg
	case nil:
	default:
		return nil, fmt.Errorf("NewHttpEndpointPool: %T invalid config type", cfg)
	}
	if poolCfg == nil {
		poolCfg = DefaultHttpEndpointPoolConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        poolCfg.MaxIdleConns,
		MaxIdleConnsPerHost: poolCfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     poolCfg.MaxConnsPerHost,
	}
	if transport.IdleConnTimeout, err = time.ParseDuration(poolCfg.IdleConnTimeout); err != nil {
		return nil, fmt.Errorf("NewHttpEndpointPool: idle_conn_timeout: %v", err)
	}
	if transport.ResponseHeaderTimeout, err = time.ParseDuration(poolCfg.ResponseHeaderTimeout); err != nil {
		return nil, fmt.Errorf("NewHttpEndpointPool: response_header_timeout: %v", err)
	}

	epPool := &HttpEndpointPool{
		healthy: &HttpEndpointDoublyLinkedList{},
		client:  &http.Client{Transport: transport},
		stats:   make(map[string]*HttpEndpointStats),
		cond:    sync.NewCond(&sync.Mutex{}),
		wg:      &sync.WaitGroup{},
	}
	epPool.ctx, epPool.cancelFn = context.WithCancel(context.Background())

	if epPool.healthyRotateInterval, err = time.ParseDuration(poolCfg.HealthyRotateInterval); err != nil {
		return nil, fmt.Errorf("NewHttpEndpointPool: healthy_rotate_interval: %v", err)
	}
	if epPool.errorResetInterval, err = time.ParseDuration(poolCfg.ErrorResetInterval); err != nil {
		return nil, fmt.Errorf("NewHttpEndpointPool: error_reset_interval: %v", err)
	}
	if epPool.healthyCheckInterval, err = time.ParseDuration(poolCfg.HealthyCheckInterval); err != nil {
		return nil, fmt.Errorf("NewHttpEndpointPool: healthy_check_interval: %v", err)
	}
	if epPool.sendBufferTimeout, err = time.ParseDuration(poolCfg.SendBufferTimeout); err != nil {
		return nil, fmt.Errorf("NewHttpEndpointPool: send_buffer_timeout: %v", err)
	}
	if epPool.healthyCheckInterval < HTTP_ENDPOINT_POOL_HEALTHY_CHECK_MIN_INTERVAL {
		epPoolLog.Warnf(
			"healthy_check_interval %s too small, it will be adjusted to %s",
			epPool.healthyCheckInterval, HTTP_ENDPOINT_POOL_HEALTHY_CHECK_MIN_INTERVAL,
		)
		epPool.healthyCheckInterval = HTTP_ENDPOINT_POOL_HEALTHY_CHECK_MIN_INTERVAL
	}

	epPoolLog.Infof("healthy_rotate_interval=%s", epPool.healthyRotateInterval)
	epPoolLog.Infof("error_reset_interval=%s", epPool.errorResetInterval)
	epPoolLog.Infof("healthy_check_interval=%s", epPool.healthyCheckInterval)
	epPoolLog.Infof("send_buffer_timeout=%s", epPool.sendBufferTimeout)
	epPoolLog.Infof("max_idle_conns=%d", transport.MaxIdleConns)
	epPoolLog.Infof("max_idle_conns_per_host=%d", transport.MaxIdleConnsPerHost)
	epPoolLog.Infof("max_conns_per_host=%d", transport.MaxConnsPerHost)
	epPoolLog.Infof("idle_conn_timeout=%s", transport.IdleConnTimeout)
	epPoolLog.Infof("response_header_timeout=%s", transport.ResponseHeaderTimeout)

	epCfgs := poolCfg.Endpoints
	if len(epCfgs) == 0 {
		epCfgs = []*HttpEndpointConfig{DefaultHttpEndpointConfig()}
	}
	for _, epCfg := range epCfgs {
		ep, err := NewHttpEndpoint(epCfg)
		if err != nil {
			return nil, fmt.Errorf("NewHttpEndpointPool: %v", err)
		}
		epPool.MoveToHealthy(ep)
	}
	epPoolLog.Infof("%s is at the head of the healthy list", epPool.healthy.head.url)
	epPool.healthyHeadChangeTs = time.Now()
	return epPool, nil
}

// Replace the HTTP client, used for testing:
func (epPool *HttpEndpointPool) SetClient(client HttpClientDoer) {
	epPool.cond.L.Lock()
	defer epPool.cond.L.Unlock()
	epPool.client = client
}

func (epPool *HttpEndpointPool) epStatsNoLock(ep *HttpEndpoint) *HttpEndpointStats {
	stats := epPool.stats[ep.url]
	if stats == nil {
		stats = &HttpEndpointStats{}
		epPool.stats[ep.url] = stats
	}
	return stats
}

func (epPool *HttpEndpointPool) MoveToHealthy(ep *HttpEndpoint) {
	epPool.cond.L.Lock()
	defer epPool.cond.L.Unlock()
	if ep.healthy {
		return
	}
	ep.healthy = true
	ep.numErrors = 0
	epPool.healthy.AddToTail(ep)
	epPool.epStatsNoLock(ep)
	epPool.cond.Broadcast()
	epPoolLog.Infof(
		"url=%s, mark_unhealthy_threshold=%d added to the healthy list",
		ep.url, ep.markUnhealthyThreshold,
	)
}

// Move to the unhealthy list and start the health check:
func (epPool *HttpEndpointPool) MoveToUnhealthy(ep *HttpEndpoint) {
	epPool.cond.L.Lock()
	defer epPool.cond.L.Unlock()
	if !ep.healthy {
		return
	}
	ep.healthy = false
	epPool.healthy.Remove(ep)
	epPoolLog.Warnf("url=%s moved to the unhealthy list", ep.url)
	if epPool.ctx.Err() == nil {
		epPool.wg.Add(1)
		go epPool.healthCheck(ep)
	}
}

// Account for an error and mark the endpoint unhealthy if the threshold was
// reached:
func (epPool *HttpEndpointPool) ReportError(ep *HttpEndpoint) {
	epPool.cond.L.Lock()
	ep.numErrors++
	ep.errorTs = time.Now()
	markUnhealthy := ep.numErrors >= ep.markUnhealthyThreshold
	if !markUnhealthy && ep.healthy && ep != epPool.healthy.tail {
		// Give the others a chance:
		epPool.healthy.Remove(ep)
		epPool.healthy.AddToTail(ep)
	}
	epPool.cond.L.Unlock()
	if markUnhealthy {
		epPool.MoveToUnhealthy(ep)
	}
}

// Return the endpoint at the head of the healthy list, waiting up to maxWait
// for one to become available; use maxWait < 0 to wait indefinitely. Return
// nil if none became available or the pool was shut down.
func (epPool *HttpEndpointPool) GetCurrentHealthy(maxWait time.Duration) *HttpEndpoint {
	epPool.cond.L.Lock()
	defer epPool.cond.L.Unlock()

	if epPool.healthy.head == nil && maxWait != 0 {
		var timedOut bool
		if maxWait > 0 {
			timer := time.AfterFunc(maxWait, func() {
				epPool.cond.L.Lock()
				timedOut = true
				epPool.cond.Broadcast()
				epPool.cond.L.Unlock()
			})
			defer timer.Stop()
		}
		for epPool.healthy.head == nil && !timedOut && epPool.ctx.Err() == nil {
			epPool.cond.Wait()
		}
	}

	ep := epPool.healthy.head
	if ep == nil {
		return nil
	}
	if epPool.healthyRotateInterval >= 0 &&
		epPool.healthy.head != epPool.healthy.tail &&
		time.Since(epPool.healthyHeadChangeTs) >= epPool.healthyRotateInterval {
		epPool.healthy.Remove(ep)
		epPool.healthy.AddToTail(ep)
		epPoolLog.Debugf("%s rotated to healthy list tail", ep.url)
		ep = epPool.healthy.head
		epPool.healthyHeadChangeTs = time.Now()
	}
	if epPool.errorResetInterval > 0 &&
		ep.numErrors > 0 &&
		time.Since(ep.errorTs) >= epPool.errorResetInterval {
		epPoolLog.Infof("clear error count for %s (was: %d)", ep.url, ep.numErrors)
		ep.numErrors = 0
	}
	return ep
}

func (epPool *HttpEndpointPool) do(req *http.Request) (*http.Response, error) {
	epPool.cond.L.Lock()
	client := epPool.client
	epPool.cond.L.Unlock()
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	// Drain the body, to allow the connection reuse:
	if res.Body != nil {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return res, fmt.Errorf("%s %s: %s", req.Method, req.URL, res.Status)
	}
	return res, nil
}

func (epPool *HttpEndpointPool) healthCheck(ep *HttpEndpoint) {
	defer epPool.wg.Done()

	epPoolLog.Infof("start health check for %s", ep.healthCheckUrl)
	ticker := time.NewTicker(epPool.healthyCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-epPool.ctx.Done():
			return
		case <-ticker.C:
		}
		req, err := http.NewRequestWithContext(epPool.ctx, http.MethodGet, ep.healthCheckUrl, nil)
		if err != nil {
			epPoolLog.Warnf("health check %s: %v", ep.healthCheckUrl, err)
			return
		}
		_, err = epPool.do(req)
		epPool.cond.L.Lock()
		stats := epPool.epStatsNoLock(ep)
		stats[HTTP_ENDPOINT_STATS_HEALTH_CHECK_COUNT] += 1
		if err != nil {
			stats[HTTP_ENDPOINT_STATS_HEALTH_CHECK_ERROR_COUNT] += 1
		}
		epPool.cond.L.Unlock()
		if err == nil {
			epPool.MoveToHealthy(ep)
			return
		}
		epPoolLog.Debugf("health check: %v", err)
	}
}

// Send a buffer to the current healthy endpoint, retrying w/ the next one on
// error, until the timeout expires; use timeout < 0 for the pool default. The
// Sender interface for the compressor pool.
func (epPool *HttpEndpointPool) SendBuffer(b []byte, timeout time.Duration, gzipped bool) error {
	if timeout < 0 {
		timeout = epPool.sendBufferTimeout
	}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		if epPool.ctx.Err() != nil {
			return ErrHttpEndpointPoolStopped
		}
		maxWait := time.Until(deadline)
		if maxWait <= 0 {
			if lastErr != nil {
				return fmt.Errorf("%w: %w", ErrHttpEndpointPoolSendFailed, lastErr)
			}
			return ErrHttpEndpointPoolNoHealthy
		}
		ep := epPool.GetCurrentHealthy(maxWait)
		if ep == nil {
			if epPool.ctx.Err() != nil {
				return ErrHttpEndpointPoolStopped
			}
			continue
		}
		req, err := http.NewRequestWithContext(epPool.ctx, http.MethodPut, ep.url, bytes.NewReader(b))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "text/plain")
		if gzipped {
			req.Header.Set("Content-Encoding", "gzip")
		}
		_, err = epPool.do(req)
		epPool.cond.L.Lock()
		stats := epPool.epStatsNoLock(ep)
		if err == nil {
			stats[HTTP_ENDPOINT_STATS_SEND_BUFFER_COUNT] += 1
			stats[HTTP_ENDPOINT_STATS_SEND_BUFFER_BYTE_COUNT] += uint64(len(b))
		} else {
			stats[HTTP_ENDPOINT_STATS_SEND_BUFFER_ERROR_COUNT] += 1
		}
		epPool.cond.L.Unlock()
		if err == nil {
			return nil
		}
		epPoolLog.Warnf("send buffer: %v", err)
		lastErr = err
		epPool.ReportError(ep)
	}
}

func (epPool *HttpEndpointPool) SnapStats() map[string]HttpEndpointStats {
	epPool.cond.L.Lock()
	defer epPool.cond.L.Unlock()
	snap := make(map[string]HttpEndpointStats, len(epPool.stats))
	for url, stats := range epPool.stats {
		snap[url] = *stats
	}
	return snap
}

// Return the healthy URL's, in list order:
func (epPool *HttpEndpointPool) HealthyURLs() []string {
	epPool.cond.L.Lock()
	defer epPool.cond.L.Unlock()
	urls := make([]string, 0)
	for ep := epPool.healthy.head; ep != nil; ep = ep.next {
		urls = append(urls, ep.url)
	}
	return urls
}

func (epPool *HttpEndpointPool) Shutdown() {
	epPoolLog.Info("shutdown")
	epPool.cond.L.Lock()
	epPool.cancelFn()
	epPool.cond.Broadcast()
	client := epPool.client
	epPool.cond.L.Unlock()
	epPool.wg.Wait()
	client.CloseIdleConnections()
	epPoolLog.Info("stopped")
}
