// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command agentcore is a thin demo around the core runtime: it drives
// one agent turn against a scripted model so the loop, middleware,
// scheduler, and stores can be observed end to end without a provider.
//
// Usage:
//
//	agentcore chat --message "hi" --data-dir ./data
//	agentcore chat --message "hi" --sqlite ./agentcore.db --metrics-addr :9091
//	agentcore sessions --data-dir ./data
//	agentcore prune --data-dir ./data --inactive 720h --dry-run
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/agentcore/pkg/agentloop"
	"github.com/kadirpekel/agentcore/pkg/checkpoint"
	"github.com/kadirpekel/agentcore/pkg/event"
	"github.com/kadirpekel/agentcore/pkg/logging"
	"github.com/kadirpekel/agentcore/pkg/message"
	"github.com/kadirpekel/agentcore/pkg/middleware"
	"github.com/kadirpekel/agentcore/pkg/model"
	"github.com/kadirpekel/agentcore/pkg/observability"
	"github.com/kadirpekel/agentcore/pkg/scheduler"
	"github.com/kadirpekel/agentcore/pkg/session"
	"github.com/kadirpekel/agentcore/pkg/tool"
)

// CLI defines the command-line interface.
type CLI struct {
	Chat     ChatCmd     `cmd:"" help:"Run one demo turn against the scripted model."`
	Sessions SessionsCmd `cmd:"" help:"Show session store statistics."`
	Prune    PruneCmd    `cmd:"" help:"Delete inactive sessions."`

	DataDir   string `help:"Directory for the file-backed session store." default:"./data"`
	SQLite    string `help:"SQLite DSN; overrides --data-dir when set."`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

func (c *CLI) openStore() (session.Store, func(), error) {
	if c.SQLite != "" {
		st, err := session.OpenSQLiteStore(c.SQLite)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	}
	st, err := session.NewFileStore(c.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return st, func() {}, nil
}

// ChatCmd runs a single turn: the scripted model calls the echo tool
// once, then answers with the tool's result.
type ChatCmd struct {
	Message     string `help:"User message for the turn." default:"hello"`
	SessionID   string `help:"Session to append the turn to." default:"demo"`
	MetricsAddr string `help:"Serve Prometheus metrics on this address while the turn runs."`
	Trace       bool   `help:"Log completed spans at debug level."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx := context.Background()

	obs, err := observability.NewManager(ctx, &observability.Config{
		Tracing: observability.TracingConfig{Enabled: c.Trace},
		Metrics: observability.MetricsConfig{Enabled: c.MetricsAddr != ""},
	})
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(ctx) }()

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle(obs.MetricsEndpoint(), obs.MetricsHandler())
		go func() { _ = http.ListenAndServe(c.MetricsAddr, mux) }()
	}

	store, closeStore, err := cli.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	echoSchema, err := tool.GenerateSchema("echo", struct {
		Text string `json:"text" jsonschema:"required"`
	}{})
	if err != nil {
		return err
	}
	tools := tool.NewSet(
		tool.NewFuncTool("echo", "Echo back the given text.", echoSchema, tool.Options{},
			func(_ context.Context, args map[string]any) (any, error) {
				return map[string]any{"echoed": args["text"]}, nil
			}),
	)

	client := model.NewFakeClient(
		model.FunctionCallTurn(model.Usage{InputTokens: 12, OutputTokens: 6},
			model.Update{Kind: model.UpdateFunctionCall, CallID: "call-1", Name: "echo",
				Args: map[string]any{"text": c.Message}}),
		model.TextTurn(fmt.Sprintf("The echo tool says: %s", c.Message),
			model.Usage{InputTokens: 30, OutputTokens: 9}),
	)

	pipeline := middleware.NewPipeline(
		middleware.NewCircuitBreaker(3),
		middleware.NewRetry(middleware.RetryConfig{}),
		middleware.NewTimeout(30*time.Second),
	)

	hooks := checkpoint.NewHooks(checkpoint.NewManager(nil, store))
	sched := scheduler.New(tools, pipeline, scheduler.Config{})
	loop := agentloop.New(client, tools, pipeline, sched, store, hooks, agentloop.Config{
		SystemInstructions: "You are a demo agent.",
		AutoSave:           true,
	})

	bus := event.NewBus()
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range events {
			payload := ""
			if evt.Payload != nil {
				if data, err := json.Marshal(evt.Payload); err == nil {
					payload = string(data)
				}
			}
			fmt.Printf("%-28s %s\n", evt.Type, payload)
		}
	}()

	result, err := loop.RunTurn(ctx, c.SessionID, []message.Message{
		message.NewText(message.RoleUser, c.Message),
	}, bus, agentloop.RunOptions{})
	bus.Close()
	<-done
	if err != nil {
		return err
	}

	fmt.Printf("\nturn complete: %d messages, %d iterations\n", len(result.Session.Messages), result.Iterations)
	return nil
}

// SessionsCmd prints store-wide checkpoint statistics.
type SessionsCmd struct{}

func (c *SessionsCmd) Run(cli *CLI) error {
	store, closeStore, err := cli.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	stats, err := store.GetStats(context.Background())
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// PruneCmd deletes sessions whose last activity is older than the
// threshold.
type PruneCmd struct {
	Inactive time.Duration `help:"Inactivity threshold." default:"720h"`
	DryRun   bool          `help:"List what would be deleted without deleting."`
}

func (c *PruneCmd) Run(cli *CLI) error {
	store, closeStore, err := cli.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	deleted, err := store.DeleteInactiveSessions(context.Background(), c.Inactive, c.DryRun)
	if err != nil {
		return err
	}
	verb := "deleted"
	if c.DryRun {
		verb = "would delete"
	}
	fmt.Printf("%s %d session(s)\n", verb, len(deleted))
	for _, id := range deleted {
		fmt.Println("  " + id)
	}
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("agentcore"),
		kong.Description("Demo driver for the agent core runtime."),
		kong.UsageOnError(),
	)

	logging.Init(logging.ParseLevel(cli.LogLevel), os.Stderr, cli.LogFormat)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "agentcore: %v\n", err)
		os.Exit(1)
	}
}
