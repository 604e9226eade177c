// Command turnengine-demo wires an in-memory turn engine end to end and runs
// a single thread to completion, the way example/cmd/assistant wires the
// teacher's generated services together for local development.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"goa.design/clue/log"

	"goa.design/turnengine/api"
	"goa.design/turnengine/config"
	"goa.design/turnengine/hooks"
	"goa.design/turnengine/llm"
	"goa.design/turnengine/llm/anthropic"
	"goa.design/turnengine/model"
	"goa.design/turnengine/store/memstore"
	"goa.design/turnengine/streams"
	"goa.design/turnengine/telemetry"
	"goa.design/turnengine/threads"
	"goa.design/turnengine/toolcalls"
	"goa.design/turnengine/tools"
	"goa.design/turnengine/turn"
	"goa.design/turnengine/workpool"
)

func main() {
	var (
		promptF = flag.String("prompt", "Say hello in one short sentence.", "initial user prompt")
		modelF  = flag.String("model", "claude-3-5-haiku-20241022", "model name passed to the provider")
		dbgF    = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		log.Error(ctx, nil, log.KV{K: "msg", V: "ANTHROPIC_API_KEY is not set"})
		os.Exit(1)
	}

	client, err := run(ctx, apiKey, *modelF)
	if err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}

	threadID, err := client.CreateThread(ctx, api.CreateThreadOptions{Prompt: *promptF})
	if err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
	log.Info(ctx, log.KV{K: "thread_id", V: string(threadID)})

	awaitCompletion(ctx, client, threadID)
}

// run constructs every engine component and returns the Thread API client.
func run(ctx context.Context, apiKey, modelName string) (*api.Client, error) {
	st := memstore.New()
	scheduler := memstore.NewScheduler()
	cfg := config.Defaults()
	hb := hooks.NewBus()
	pool := workpool.New(8)

	llmClient, err := anthropic.NewFromAPIKey(apiKey, modelName)
	if err != nil {
		return nil, fmt.Errorf("turnengine-demo: %w", err)
	}

	registry := tools.NewRegistry()
	if err := registry.Register(echoToolSpec()); err != nil {
		return nil, fmt.Errorf("turnengine-demo: %w", err)
	}

	streamMgr, err := streams.New(streams.Options{Store: st, Scheduler: scheduler, Config: cfg})
	if err != nil {
		return nil, err
	}

	orchRef := &orchestratorRef{}
	toolMgr, err := toolcalls.New(toolcalls.Options{
		Store: st, Scheduler: scheduler, Registry: registry, Streams: streamMgr,
		Continuer: orchRef, Hooks: hb, Deltas: streamMgr, Config: cfg, Pool: pool,
	})
	if err != nil {
		return nil, err
	}

	turnLogger := telemetry.ErrorfLogger{Logger: telemetry.NewClueLogger()}
	turnHandler, err := turn.New(turn.Options{
		Store: st, Scheduler: scheduler, Streams: streamMgr, ToolCalls: toolMgr,
		Continuer: orchRef, Client: llmClient, Hooks: hb, Config: cfg, Pool: pool,
		Logger: turnLogger, Model: modelName, MaxTokens: 1024,
		Tools: []llm.ToolDefinition{{Name: "echo", Description: "Echoes its input back", InputSchema: echoSchema}},
	})
	if err != nil {
		return nil, err
	}

	orch, err := threads.New(threads.Options{Store: st, Scheduler: scheduler, Streams: streamMgr, Handler: turnHandler, Hooks: hb})
	if err != nil {
		return nil, err
	}
	orchRef.set(orch)

	recovery := threads.NewRecovery(threads.RecoveryOptions{Orchestrator: orch, ToolCalls: toolMgr, Interval: 30 * time.Second})
	go recovery.Run(ctx)

	return api.New(api.Options{Store: st, Threads: orch, Streams: streamMgr, ToolCalls: toolMgr})
}

// orchestratorRef breaks the construction cycle between toolcalls/turn
// (which need a Continuer at construction time) and threads.Orchestrator
// (which needs a Handler at construction time, and is built from the
// turn.Handler above): this demo builds the Orchestrator last and assigns it
// here once, the same deferred-wiring shape the teacher's own
// runtime.New()-then-RegisterAgent two-phase setup uses.
type orchestratorRef struct {
	orch *threads.Orchestrator
}

func (r *orchestratorRef) set(o *threads.Orchestrator) { r.orch = o }

func (r *orchestratorRef) ContinueStream(ctx context.Context, threadID model.ThreadID) error {
	return r.orch.ContinueStream(ctx, threadID)
}

var echoSchema = json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)

func echoToolSpec() tools.Spec {
	return tools.Spec{
		Name: "echo", Description: "Echoes its input back", InputSchema: echoSchema, Kind: tools.KindSync,
		Handler: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) { return args, nil },
	}
}

func awaitCompletion(ctx context.Context, client *api.Client, threadID model.ThreadID) {
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		t, err := client.GetThread(ctx, threadID)
		if err != nil {
			log.Error(ctx, err)
			return
		}
		if t.Status == model.ThreadCompleted || t.Status == model.ThreadFailed || t.Status == model.ThreadStopped {
			printTranscript(ctx, client, threadID)
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	log.Error(ctx, fmt.Errorf("turnengine-demo: thread did not settle before deadline"))
}

func printTranscript(ctx context.Context, client *api.Client, threadID model.ThreadID) {
	msgs, err := client.ListMessages(ctx, threadID)
	if err != nil {
		log.Error(ctx, err)
		return
	}
	for _, m := range msgs {
		for _, p := range m.Parts {
			if tp, ok := p.(model.TextPart); ok {
				log.Info(ctx, log.KV{K: string(m.Role), V: tp.Delta})
			}
		}
	}
}
