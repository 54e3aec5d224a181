package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

const ApiAcceptHeader = "application/vnd.layer+json; version=3.0"

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// the http fallback request shape `{method, url, headers, data}`
type HttpRequest struct {
	Method string
	// absolute, or relative to the api url
	Url     string
	Headers map[string]string
	Data    any
}

// the http fallback response shape `{success, data, xhr}`
type HttpResponse struct {
	Success bool
	Status  int
	Data    any
	Header  http.Header
	// set when `Success` is false. A `*ServerError` when the server answered.
	Err error
}

type HttpTransportSettings struct {
	Timeout time.Duration
}

func DefaultHttpTransportSettings() *HttpTransportSettings {
	return &HttpTransportSettings{
		Timeout: 30 * time.Second,
	}
}

// the http fallback transport of the sync manager, and the loader of canonical server state
type HttpTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	client *http.Client

	stateLock    sync.Mutex
	sessionToken string

	settings *HttpTransportSettings
}

func NewHttpTransportWithDefaults(ctx context.Context, apiUrl string) *HttpTransport {
	return NewHttpTransport(ctx, apiUrl, DefaultHttpTransportSettings())
}

func NewHttpTransport(ctx context.Context, apiUrl string, settings *HttpTransportSettings) *HttpTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &HttpTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		apiUrl:   strings.TrimRight(apiUrl, "/"),
		client:   defaultClient(),
		settings: settings,
	}
}

// this gets attached to api calls that need it
func (self *HttpTransport) SetSessionToken(sessionToken string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.sessionToken = sessionToken
}

func (self *HttpTransport) SessionToken() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sessionToken
}

func (self *HttpTransport) ApiUrl() string {
	return self.apiUrl
}

func (self *HttpTransport) Url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return self.apiUrl + path
}

func (self *HttpTransport) Do(ctx context.Context, request *HttpRequest) *HttpResponse {
	if glog.V(2) {
		var response *HttpResponse
		Trace(fmt.Sprintf("[api]%s %s", request.Method, request.Url), func() {
			response = self.do(ctx, request)
		})
		return response
	}
	return self.do(ctx, request)
}

func (self *HttpTransport) do(ctx context.Context, request *HttpRequest) *HttpResponse {
	handleCtx, handleCancel := context.WithTimeout(ctx, self.settings.Timeout)
	defer handleCancel()

	var body io.Reader
	if request.Data != nil {
		requestBodyBytes, err := json.Marshal(request.Data)
		if err != nil {
			return &HttpResponse{Err: err}
		}
		body = bytes.NewReader(requestBodyBytes)
	}

	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(handleCtx, method, self.Url(request.Url), body)
	if err != nil {
		return &HttpResponse{Err: err}
	}
	req.Header.Add("Accept", ApiAcceptHeader)
	if request.Data != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	if sessionToken := self.SessionToken(); sessionToken != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Layer session-token=\"%s\"", sessionToken))
	}
	for key, value := range request.Headers {
		req.Header.Set(key, value)
	}

	r, err := self.client.Do(req)
	if err != nil {
		glog.V(1).Infof("[api]%s %s error = %s\n", method, request.Url, err)
		return &HttpResponse{Err: err}
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return &HttpResponse{
			Status: r.StatusCode,
			Header: r.Header,
			Err:    err,
		}
	}

	var data any
	if 0 < len(bytes.TrimSpace(responseBodyBytes)) {
		if err := json.Unmarshal(responseBodyBytes, &data); err != nil {
			// the response body is the error message
			data = strings.TrimSpace(string(responseBodyBytes))
		}
	}

	response := &HttpResponse{
		Status: r.StatusCode,
		Data:   data,
		Header: r.Header,
	}
	if 200 <= r.StatusCode && r.StatusCode < 300 {
		response.Success = true
	} else {
		errorData, _ := data.(map[string]any)
		serverError := ServerErrorFromMap(errorData, r.StatusCode)
		if errorData == nil {
			if message, ok := data.(string); ok {
				serverError.Message = message
			}
		}
		response.Err = serverError
	}
	return response
}

// GET of the canonical state of one entity
func (self *HttpTransport) Load(ctx context.Context, entityId string) (map[string]any, error) {
	response := self.Do(ctx, &HttpRequest{
		Method: http.MethodGet,
		Url:    EntityPath(entityId),
	})
	if !response.Success {
		return nil, response.Err
	}
	data, ok := response.Data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("Load %s: unexpected response %T", entityId, response.Data)
	}
	return data, nil
}

// reachability probe of the api
func (self *HttpTransport) Ping(ctx context.Context) error {
	response := self.Do(ctx, &HttpRequest{
		Method: http.MethodGet,
		Url:    "/ping",
	})
	if response.Success {
		return nil
	}
	var serverError *ServerError
	if errors.As(response.Err, &serverError) {
		// the server answered
		return nil
	}
	return response.Err
}

func (self *HttpTransport) Close() {
	self.cancel()
}

type NonceCallback apiCallback[*NonceResult]

type NonceResult struct {
	Nonce string `json:"nonce"`
}

func (self *HttpTransport) Nonce(callback NonceCallback) {
	go post(
		self.ctx,
		self.Url("/nonces"),
		nil,
		"",
		&NonceResult{},
		callback,
	)
}

func (self *HttpTransport) NonceSync() (*NonceResult, error) {
	return post(
		self.ctx,
		self.Url("/nonces"),
		nil,
		"",
		&NonceResult{},
		NewNoopApiCallback[*NonceResult](),
	)
}

type IdentityLoginCallback apiCallback[*IdentityLoginResult]

// the password login of the application identity provider
type IdentityLoginArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
	Nonce    string `json:"nonce"`
}

type IdentityLoginResult struct {
	IdentityToken string              `json:"identity_token,omitempty"`
	Error         *IdentityLoginError `json:"error,omitempty"`
}

type IdentityLoginError struct {
	Message string `json:"message"`
}

func IdentityLogin(ctx context.Context, identityUrl string, identityLogin *IdentityLoginArgs, callback IdentityLoginCallback) {
	go post(
		ctx,
		identityUrl,
		identityLogin,
		"",
		&IdentityLoginResult{},
		callback,
	)
}

func IdentityLoginSync(ctx context.Context, identityUrl string, identityLogin *IdentityLoginArgs) (*IdentityLoginResult, error) {
	return post(
		ctx,
		identityUrl,
		identityLogin,
		"",
		&IdentityLoginResult{},
		NewNoopApiCallback[*IdentityLoginResult](),
	)
}

type SessionCallback apiCallback[*SessionResult]

type SessionArgs struct {
	IdentityToken string `json:"identity_token"`
	AppId         string `json:"app_id"`
}

type SessionResult struct {
	SessionToken string `json:"session_token"`
}

func (self *HttpTransport) Session(session *SessionArgs, callback SessionCallback) {
	go post(
		self.ctx,
		self.Url("/sessions"),
		session,
		"",
		&SessionResult{},
		callback,
	)
}

func (self *HttpTransport) SessionSync(session *SessionArgs) (*SessionResult, error) {
	return post(
		self.ctx,
		self.Url("/sessions"),
		session,
		"",
		&SessionResult{},
		NewNoopApiCallback[*SessionResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, sessionToken string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", ApiAcceptHeader)

	if sessionToken != "" {
		auth := fmt.Sprintf("Layer session-token=\"%s\"", sessionToken)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
