package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/bringyour/chat/chat"
)

const LocalVersion = "0.0.0-local"

const DefaultDbPath = "chat.db"

func main() {
	usage := fmt.Sprintf(
		`Chat control.

The default urls are:
    api_url: %s
    connect_url: %s

Usage:
    chatctl login --identity_url=<identity_url> --user_auth=<user_auth> [--password=<password>]
        --app_id=<app_id>
        [--api_url=<api_url>]
    chatctl tail --session_token=<session_token>
        [--api_url=<api_url>]
        [--connect_url=<connect_url>]
    chatctl send --session_token=<session_token> --conversation=<conversation_id>
        [--db=<db>]
        [--api_url=<api_url>]
        [--connect_url=<connect_url>]
        <message>
    chatctl queue [--db=<db>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --connect_url=<connect_url>
    --identity_url=<identity_url>    The login url of the application identity provider.
    --user_auth=<user_auth>
    --password=<password>
    --app_id=<app_id>
    --session_token=<session_token>
    --conversation=<conversation_id>
    --db=<db>                        Durable sync queue [default: %s].`,
		chat.DefaultApiUrl,
		chat.DefaultConnectUrl,
		DefaultDbPath,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if queue_, _ := opts.Bool("queue"); queue_ {
		queue(opts)
	}
}

// option, then env, then default
func urls(opts docopt.Opts) (apiUrl string, connectUrl string) {
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		apiUrl = apiUrlAny.(string)
	} else if apiUrlEnv := os.Getenv("CHAT_API_URL"); apiUrlEnv != "" {
		apiUrl = apiUrlEnv
	} else {
		apiUrl = chat.DefaultApiUrl
	}

	if connectUrlAny := opts["--connect_url"]; connectUrlAny != nil {
		connectUrl = connectUrlAny.(string)
	} else if connectUrlEnv := os.Getenv("CHAT_CONNECT_URL"); connectUrlEnv != "" {
		connectUrl = connectUrlEnv
	} else {
		connectUrl = chat.DefaultConnectUrl
	}
	return
}

func signalCtx() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
}

func login(opts docopt.Opts) {
	identityUrl := opts["--identity_url"].(string)
	userAuth := opts["--user_auth"].(string)
	appId := opts["--app_id"].(string)
	apiUrl, _ := urls(opts)

	var password string
	if passwordAny := opts["--password"]; passwordAny != nil {
		password = passwordAny.(string)
	} else {
		fmt.Print("Enter password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		password = string(passwordBytes)
		fmt.Printf("\n")
	}

	ctx, cancel := signalCtx()
	defer cancel()

	httpTransport := chat.NewHttpTransportWithDefaults(ctx, apiUrl)
	defer httpTransport.Close()

	nonceResult, err := httpTransport.NonceSync()
	if err != nil {
		panic(err)
	}

	loginResult, err := chat.IdentityLoginSync(ctx, identityUrl, &chat.IdentityLoginArgs{
		UserAuth: userAuth,
		Password: password,
		Nonce:    nonceResult.Nonce,
	})
	if err != nil {
		panic(err)
	}
	if loginResult.Error != nil {
		panic(fmt.Errorf("%s", loginResult.Error.Message))
	}

	sessionCallback, sessionChannel := chat.NewBlockingApiCallback[*chat.SessionResult]()
	httpTransport.Session(&chat.SessionArgs{
		IdentityToken: loginResult.IdentityToken,
		AppId:         appId,
	}, sessionCallback)

	var sessionResult chat.ApiCallbackResult[*chat.SessionResult]
	select {
	case <-ctx.Done():
		os.Exit(0)
	case sessionResult = <-sessionChannel:
	}
	if sessionResult.Error != nil {
		panic(sessionResult.Error)
	}

	sessionJwt, err := chat.ParseSessionJwtUnverified(sessionResult.Result.SessionToken)
	if err != nil {
		panic(err)
	}

	fmt.Printf("identity_id: %s\n", sessionJwt.IdentityId)
	if !sessionJwt.ExpiresAt.IsZero() {
		fmt.Printf("expires: %s\n", sessionJwt.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("session_token: %s\n", sessionResult.Result.SessionToken)
}

func tail(opts docopt.Opts) {
	sessionToken := opts["--session_token"].(string)
	apiUrl, connectUrl := urls(opts)

	ctx, cancel := signalCtx()
	defer cancel()

	settings := chat.DefaultClientSettings()
	settings.ApiUrl = apiUrl
	settings.ConnectUrl = connectUrl
	client := chat.NewClient(ctx, chat.NewMemorySyncEventStore(), settings)
	defer client.Close()

	client.SocketManager().AddStateCallback(func(state chat.SocketState) {
		fmt.Printf("[%s]\n", state)
	})
	client.AddSessionExpiredCallback(func() {
		fmt.Printf("Session expired.\n")
		cancel()
	})
	client.Cache().AddObjectAddCallback(func(object *chat.CacheObject) {
		printJson("add", object.Id(), object.SendData())
		object.AddChangeCallback(func(object *chat.CacheObject, change *chat.PropertyChange) {
			printJson("change", object.Id(), map[string]any{change.Property: change.NewValue})
		})
		object.AddDeleteCallback(func(object *chat.CacheObject, mode chat.DeletionMode) {
			printJson("delete", object.Id(), map[string]any{"mode": mode})
		})
	})
	client.ChangeManager().AddOperationCallback(func(frame *chat.Frame) {
		printJson("operation", "", frame.Body)
	})

	if err := client.Connect(sessionToken); err != nil {
		panic(err)
	}

	select {
	case <-ctx.Done():
	}
}

func send(opts docopt.Opts) {
	sessionToken := opts["--session_token"].(string)
	conversationId := opts["--conversation"].(string)
	message := opts["<message>"].(string)
	dbPath := opts["--db"].(string)
	apiUrl, connectUrl := urls(opts)

	ctx, cancel := signalCtx()
	defer cancel()

	store, err := chat.NewSqliteSyncEventStore(ctx, dbPath)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	settings := chat.DefaultClientSettings()
	settings.ApiUrl = apiUrl
	settings.ConnectUrl = connectUrl
	client := chat.NewClient(ctx, store, settings)
	defer client.Close()

	if err := client.Connect(sessionToken); err != nil {
		panic(err)
	}

	// events left by an earlier run go first
	n, err := client.LoadPersisted(ctx)
	if err != nil {
		panic(err)
	}
	if 0 < n {
		fmt.Printf("Restored %d queued.\n", n)
	}

	done := make(chan *chat.SyncOutcome, 1)
	object, _ := client.CreateMessage(
		conversationId,
		[]any{
			map[string]any{
				"body":      message,
				"mime_type": "text/plain",
			},
		},
		chat.SyncEventCallback(func(syncEvent *chat.SyncEvent, outcome *chat.SyncOutcome) {
			done <- outcome
		}),
	)

	select {
	case <-ctx.Done():
		// the message stays queued in the db for the next run
		fmt.Printf("Queued %s.\n", object.Id())
	case outcome := <-done:
		if !outcome.Success {
			panic(outcome.Err)
		}
		fmt.Printf("Sent %s.\n", object.Id())
	}
}

func queue(opts docopt.Opts) {
	dbPath := opts["--db"].(string)

	ctx, cancel := signalCtx()
	defer cancel()

	store, err := chat.NewSqliteSyncEventStore(ctx, dbPath)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	records, err := store.All(ctx)
	if err != nil {
		panic(err)
	}
	for _, record := range records {
		lease := ""
		if record.LeaseOwner != nil && time.Now().Before(record.LeaseExpiresAt) {
			lease = fmt.Sprintf(" leased by %s until %s", record.LeaseOwner, record.LeaseExpiresAt.Format(time.RFC3339))
		}
		fmt.Printf(
			"%s %s %s %s %s attempt=%d%s\n",
			record.CreatedAt.Format(time.RFC3339Nano),
			record.Id,
			record.Kind,
			record.Operation,
			record.Target,
			record.Attempt,
			lease,
		)
	}
	fmt.Printf("%d queued\n", len(records))
}

func printJson(tag string, id string, value any) {
	valueJson, err := json.Marshal(value)
	if err != nil {
		valueJson = []byte(fmt.Sprintf("%v", value))
	}
	if id == "" {
		fmt.Printf("%s %s\n", tag, valueJson)
	} else {
		fmt.Printf("%s %s %s\n", tag, id, valueJson)
	}
}

func RequireVersion() string {
	if version := os.Getenv("CHAT_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
