// Mock for the Do/CloseIdleConnections subset of http.Client.

package testutils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

var ErrHttpClientDoerMockCancelled = errors.New("HttpClientDoerMock cancelled")

// The request <-> response pairing is keyed by URL, via a pair of channels of
// length 1: Do blocks until the test picks up the request w/ GetRequest and it
// provides the response w/ SendResponse, which allows the test to step through
// the exchanges made by code running in other goroutines.
type HttpClientDoerMockRespErr struct {
	Response *http.Response
	Error    error
}

type httpClientDoerMockChannels struct {
	req     chan *http.Request
	respErr chan *HttpClientDoerMockRespErr
}

type HttpClientDoerMock struct {
	channels  map[string]*httpClientDoerMockChannels
	ctx       context.Context
	cancelFn  context.CancelFunc
	closeIdle int
	mu        *sync.Mutex
}

// Use timeout > 0 to unblock everything after that long, in case the test
// does not follow through:
func NewHttpClientDoerMock(timeout time.Duration) *HttpClientDoerMock {
	mock := &HttpClientDoerMock{
		channels: make(map[string]*httpClientDoerMockChannels),
		mu:       &sync.Mutex{},
	}
	if timeout > 0 {
		mock.ctx, mock.cancelFn = context.WithTimeout(context.Background(), timeout)
	} else {
		mock.ctx, mock.cancelFn = context.WithCancel(context.Background())
	}
	return mock
}

func (mock *HttpClientDoerMock) Cancel() {
	mock.cancelFn()
}

func (mock *HttpClientDoerMock) getChannels(url string) *httpClientDoerMockChannels {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	channels := mock.channels[url]
	if channels == nil {
		channels = &httpClientDoerMockChannels{
			req:     make(chan *http.Request, 1),
			respErr: make(chan *HttpClientDoerMockRespErr, 1),
		}
		mock.channels[url] = channels
	}
	return channels
}

func (mock *HttpClientDoerMock) Do(req *http.Request) (*http.Response, error) {
	url := req.URL.String()
	channels := mock.getChannels(url)
	cancelErr := fmt.Errorf("%s %q: %w", req.Method, url, ErrHttpClientDoerMockCancelled)
	select {
	case <-mock.ctx.Done():
		return nil, cancelErr
	case <-req.Context().Done():
		return nil, req.Context().Err()
	case channels.req <- req:
	}

	select {
	case <-mock.ctx.Done():
		return nil, cancelErr
	case <-req.Context().Done():
		return nil, req.Context().Err()
	case respErr := <-channels.respErr:
		if respErr.Error != nil {
			return nil, respErr.Error
		}
		resp := *respErr.Response
		resp.Request = req
		return &resp, nil
	}
}

func (mock *HttpClientDoerMock) GetRequest(url string) (*http.Request, error) {
	channels := mock.getChannels(url)
	select {
	case <-mock.ctx.Done():
		return nil, fmt.Errorf("get req for %q: %w", url, ErrHttpClientDoerMockCancelled)
	case req := <-channels.req:
		return req, nil
	}
}

// Provide either a response or an error for the pending request:
func (mock *HttpClientDoerMock) SendResponse(url string, resp *http.Response, err error) error {
	channels := mock.getChannels(url)
	select {
	case <-mock.ctx.Done():
		return fmt.Errorf("send resp to %q: %w", url, ErrHttpClientDoerMockCancelled)
	case channels.respErr <- &HttpClientDoerMockRespErr{resp, err}:
		return nil
	}
}

// Shorthand for GetRequest followed by SendResponse w/ the given status:
func (mock *HttpClientDoerMock) Respond(url string, statusCode int) (*http.Request, error) {
	req, err := mock.GetRequest(url)
	if err != nil {
		return nil, err
	}
	resp := &http.Response{
		StatusCode: statusCode,
		Status:     fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode)),
	}
	return req, mock.SendResponse(url, resp, nil)
}

func (mock *HttpClientDoerMock) CloseIdleConnections() {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	mock.closeIdle++
}

func (mock *HttpClientDoerMock) CloseIdleCount() int {
	mock.mu.Lock()
	defer mock.mu.Unlock()
	return mock.closeIdle
}
