package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testApiServer struct {
	server *httptest.Server

	stateLock sync.Mutex
	// method path?query -> body
	requests map[string]map[string]any
	// name -> server id
	serverIds map[string]string
}

func newTestApiServer(t *testing.T, sessionToken string) *testApiServer {
	apiServer := &testApiServer{
		requests:  map[string]map[string]any{},
		serverIds: map[string]string{},
	}
	apiServer.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		key := r.Method + " " + r.URL.Path
		if r.URL.RawQuery != "" {
			key += "?" + r.URL.RawQuery
		}
		func() {
			apiServer.stateLock.Lock()
			defer apiServer.stateLock.Unlock()
			apiServer.requests[key] = body
		}()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/sessions":
			json.NewEncoder(w).Encode(map[string]any{"session_token": sessionToken})
		case r.URL.Path == "/ping":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/conversations":
			serverId := NewEntityId(ObjectTypeConversation)
			func() {
				apiServer.stateLock.Lock()
				defer apiServer.stateLock.Unlock()
				apiServer.serverIds["conversation"] = serverId
			}()
			body["id"] = serverId
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(body)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/conversations/"):
			json.NewEncoder(w).Encode(map[string]any{
				"id":       EntityIdPrefix + strings.TrimPrefix(r.URL.Path, "/"),
				"metadata": map[string]any{"title": "fetched"},
			})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"id": ServerErrorIdNotFound})
		}
	}))
	return apiServer
}

func (self *testApiServer) Request(key string) (map[string]any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	body, ok := self.requests[key]
	return body, ok
}

func (self *testApiServer) ServerId(name string) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.serverIds[name]
}

func TestClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionToken := testSessionToken(t, "layer:///identities/frodo", time.Now().Add(time.Hour))

	apiServer := newTestApiServer(t, sessionToken)
	defer apiServer.server.Close()
	socketServer := newTestSocketServer(t)
	defer socketServer.Close()

	settings := DefaultClientSettings()
	settings.ApiUrl = apiServer.server.URL
	settings.ConnectUrl = socketServer.ConnectUrl()
	settings.AppId = "layer:///apps/staging/test"
	settings.SyncManagerSettings = testSyncManagerSettings()

	store := NewMemorySyncEventStore()
	client := NewClient(ctx, store, settings)
	defer client.Close()

	token, err := client.Authenticate("identity")
	assert.Equal(t, err, nil)
	assert.Equal(t, token, sessionToken)

	err = client.Connect(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, client.IdentityId(), "layer:///identities/frodo")
	waitFor(t, client.SocketManager().IsOpen)

	// the change pushed on connect is applied to the cache
	waitFor(t, func() bool {
		return client.Cache().Get("layer:///conversations/c1") != nil
	})

	outcomes := &testOutcomes{}
	conversation, _ := client.Create(
		ObjectTypeConversation,
		map[string]any{
			"participants": []any{"layer:///identities/frodo", "layer:///identities/sam"},
			"distinct":     false,
		},
		SyncEventCallback(outcomes.Callback()),
	)
	assert.Equal(t, IsPlaceholderId(conversation.Id()), true)

	waitFor(t, func() bool {
		return len(outcomes.Outcomes()) == 1
	})
	assert.Equal(t, outcomes.Outcomes()[0].Success, true)

	serverId := apiServer.ServerId("conversation")
	assert.Equal(t, conversation.Id(), serverId)
	assert.Equal(t, client.Cache().Get(serverId) == conversation, true)
	assert.Equal(t, conversation.SyncState().Status(), SyncStatusSynced)

	body, ok := apiServer.Request("POST /conversations")
	assert.Equal(t, ok, true)
	_, hasId := body["id"]
	assert.Equal(t, hasId, false)
	assert.Equal(t, body["distinct"], false)

	// an update to an uncached conversation fetches it
	fetchedId := NewEntityId(ObjectTypeConversation)
	client.ChangeManager().HandleFrame(testChangeFrame(t, map[string]any{
		"operation": "update",
		"object":    map[string]any{"id": fetchedId},
		"data": []any{
			map[string]any{"operation": "set", "property": "metadata.title", "value": "fetched"},
		},
	}))
	waitFor(t, func() bool {
		return client.Cache().Get(fetchedId) != nil
	})
	assert.Equal(t, client.Cache().Get(fetchedId).Get("metadata"), map[string]any{"title": "fetched"})

	deleteOutcomes := &testOutcomes{}
	client.Save(conversation, OperationDelete, SyncEventCallback(deleteOutcomes.Callback()))
	waitFor(t, func() bool {
		return len(deleteOutcomes.Outcomes()) == 1
	})
	assert.Equal(t, deleteOutcomes.Outcomes()[0].Success, true)
	_, ok = apiServer.Request("DELETE /" + EntityPath(serverId) + "?mode=all_participants")
	assert.Equal(t, ok, true)

	loaded, err := client.Load(ctx, fetchedId)
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded == client.Cache().Get(fetchedId), true)

	waitFor(t, func() bool {
		return client.SyncManager().QueueSize() == 0
	})
	records, err := store.All(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 0)
}

func TestClientDeleteBeforeCreateSent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiServer := newTestApiServer(t, "")
	defer apiServer.server.Close()

	settings := DefaultClientSettings()
	settings.ApiUrl = apiServer.server.URL
	settings.ConnectUrl = "ws://127.0.0.1:1"
	settings.SyncManagerSettings = testSyncManagerSettings()
	client := NewClient(ctx, NewMemorySyncEventStore(), settings)
	defer client.Close()

	// the create depends on a conversation that is never created, and is never sent
	message, createEvent := client.Create(
		ObjectTypeMessage,
		map[string]any{"parts": []any{}},
		SyncEventDepends(NewPlaceholderId(ObjectTypeConversation)),
	)
	assert.Equal(t, client.SyncManager().QueueSize(), 1)

	outcomes := &testOutcomes{}
	client.Save(message, OperationDelete, SyncEventCallback(outcomes.Callback()))
	assert.Equal(t, len(outcomes.Outcomes()), 1)
	assert.Equal(t, outcomes.Outcomes()[0].Success, true)
	assert.Equal(t, client.SyncManager().QueueSize(), 0)
	assert.Equal(t, createEvent.Operation, OperationPost)

	_, ok := apiServer.Request("DELETE /" + EntityPath(message.Id()) + "?mode=all_participants")
	assert.Equal(t, ok, false)
}
