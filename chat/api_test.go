package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestHttpTransportDo(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conversationId := NewEntityId(ObjectTypeConversation)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.Header.Get("Accept"), ApiAcceptHeader)
		switch {
		case r.Method == http.MethodPatch && r.URL.Path == "/"+EntityPath(conversationId):
			assert.Equal(t, r.Header.Get("Authorization"), `Layer session-token="abc"`)
			assert.Equal(t, r.Header.Get("Content-Type"), "application/vnd.layer-patch+json")
			body, _ := io.ReadAll(r.Body)
			var patches []any
			assert.Equal(t, json.Unmarshal(body, &patches), nil)
			assert.Equal(t, len(patches), 1)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/"+EntityPath(conversationId):
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"id":       conversationId,
				"distinct": true,
			})
		case r.URL.Path == "/broken":
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream unavailable\n"))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{
				"id":      ServerErrorIdNotFound,
				"code":    102,
				"message": "Not found.",
			})
		}
	}))
	defer server.Close()

	httpTransport := NewHttpTransportWithDefaults(ctx, server.URL+"/")
	defer httpTransport.Close()
	assert.Equal(t, httpTransport.ApiUrl(), server.URL)
	assert.Equal(t, httpTransport.Url("conversations"), server.URL+"/conversations")
	assert.Equal(t, httpTransport.Url("https://example.com/x"), "https://example.com/x")

	httpTransport.SetSessionToken("abc")

	response := httpTransport.Do(ctx, &HttpRequest{
		Method:  http.MethodPatch,
		Url:     "/" + EntityPath(conversationId),
		Headers: map[string]string{"Content-Type": "application/vnd.layer-patch+json"},
		Data: []any{
			map[string]any{"operation": "set", "property": "metadata.title", "value": "b"},
		},
	})
	assert.Equal(t, response.Success, true)
	assert.Equal(t, response.Status, http.StatusNoContent)
	assert.Equal(t, response.Data, nil)

	data, err := httpTransport.Load(ctx, conversationId)
	assert.Equal(t, err, nil)
	assert.Equal(t, data["distinct"], true)

	_, err = httpTransport.Load(ctx, NewEntityId(ObjectTypeMessage))
	var serverError *ServerError
	assert.Equal(t, errors.As(err, &serverError), true)
	assert.Equal(t, serverError.IsNotFound(), true)
	assert.Equal(t, serverError.Code, 102)
	assert.Equal(t, serverError.Message, "Not found.")

	response = httpTransport.Do(ctx, &HttpRequest{Url: "/broken"})
	assert.Equal(t, response.Success, false)
	assert.Equal(t, errors.As(response.Err, &serverError), true)
	assert.Equal(t, serverError.HttpStatus, http.StatusBadGateway)
	assert.Equal(t, serverError.Message, "upstream unavailable")
	assert.Equal(t, serverError.IsRetryable(), true)

	// any answer from the server is reachable
	assert.Equal(t, httpTransport.Ping(ctx), nil)
}

func TestHttpTransportUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	apiUrl := server.URL
	server.Close()

	httpTransport := NewHttpTransportWithDefaults(ctx, apiUrl)
	defer httpTransport.Close()

	response := httpTransport.Do(ctx, &HttpRequest{Method: http.MethodGet, Url: "/ping"})
	assert.Equal(t, response.Success, false)
	var serverError *ServerError
	assert.Equal(t, errors.As(response.Err, &serverError), false)
	assert.NotEqual(t, httpTransport.Ping(ctx), nil)
	assert.Equal(t, classifySyncFailure(OperationPost, response.Err), syncActionRetry)
}

func TestHttpTransportSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/nonces":
			json.NewEncoder(w).Encode(map[string]any{"nonce": "n1"})
		case "/login":
			var args IdentityLoginArgs
			json.NewDecoder(r.Body).Decode(&args)
			if args.Password != "secret" || args.Nonce != "n1" {
				json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "Invalid password."}})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"identity_token": "identity-" + args.UserAuth})
		case "/sessions":
			var args SessionArgs
			json.NewDecoder(r.Body).Decode(&args)
			if args.AppId == "" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte("Missing app id."))
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"session_token": "session-" + args.IdentityToken})
		}
	}))
	defer server.Close()

	httpTransport := NewHttpTransportWithDefaults(ctx, server.URL)
	defer httpTransport.Close()

	nonce, err := httpTransport.NonceSync()
	assert.Equal(t, err, nil)
	assert.Equal(t, nonce.Nonce, "n1")

	login, err := IdentityLoginSync(ctx, server.URL+"/login", &IdentityLoginArgs{
		UserAuth: "frodo",
		Password: "wrong",
		Nonce:    nonce.Nonce,
	})
	assert.Equal(t, err, nil)
	assert.NotEqual(t, login.Error, nil)
	assert.Equal(t, login.Error.Message, "Invalid password.")

	login, err = IdentityLoginSync(ctx, server.URL+"/login", &IdentityLoginArgs{
		UserAuth: "frodo",
		Password: "secret",
		Nonce:    nonce.Nonce,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, login.IdentityToken, "identity-frodo")

	session, err := httpTransport.SessionSync(&SessionArgs{
		IdentityToken: login.IdentityToken,
		AppId:         "layer:///apps/staging/test",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, session.SessionToken, "session-identity-frodo")

	_, err = httpTransport.SessionSync(&SessionArgs{
		IdentityToken: login.IdentityToken,
	})
	assert.Equal(t, err.Error(), "Missing app id.")

	callback, results := NewBlockingApiCallback[*SessionResult]()
	httpTransport.Session(&SessionArgs{
		IdentityToken: login.IdentityToken,
		AppId:         "layer:///apps/staging/test",
	}, callback)
	result := <-results
	assert.Equal(t, result.Error, nil)
	assert.Equal(t, result.Result.SessionToken, "session-identity-frodo")
}
