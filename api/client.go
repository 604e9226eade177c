// Package api implements the caller-facing Thread API (spec §6.1): a thin
// wrapper over the Thread Orchestrator, Stream Manager, and Tool-Call
// Manager, matching the teacher's `agent.Client` convention of a single
// minimal facade hiding the subsystems it composes. Unlike the five core
// engine packages, api sits above all of them and is the one package
// permitted to import threads/streams/toolcalls concretely: none of them
// ever imports api back.
package api

import (
	"context"
	"errors"

	"goa.design/turnengine/model"
	"goa.design/turnengine/store"
	"goa.design/turnengine/streams"
	"goa.design/turnengine/threads"
	"goa.design/turnengine/toolcalls"
)

// Options configures a Client.
type Options struct {
	Store     store.Store
	Threads   *threads.Orchestrator
	Streams   *streams.Manager
	ToolCalls *toolcalls.Manager
}

// Client implements the Thread API.
type Client struct {
	store     store.Store
	threads   *threads.Orchestrator
	streams   *streams.Manager
	toolCalls *toolcalls.Manager
}

// New constructs a Client.
func New(opts Options) (*Client, error) {
	if opts.Store == nil {
		return nil, errors.New("api: store is required")
	}
	if opts.Threads == nil {
		return nil, errors.New("api: threads is required")
	}
	if opts.Streams == nil {
		return nil, errors.New("api: streams is required")
	}
	if opts.ToolCalls == nil {
		return nil, errors.New("api: toolCalls is required")
	}
	return &Client{store: opts.Store, threads: opts.Threads, streams: opts.Streams, toolCalls: opts.ToolCalls}, nil
}

// CreateThreadOptions configures CreateThread.
type CreateThreadOptions struct {
	Prompt          string
	InitialMessages []model.Message
	AutoStart       *bool
}

// CreateThread creates a new thread and optionally starts its first turn
// (spec §6.1 "createThread").
func (c *Client) CreateThread(ctx context.Context, opts CreateThreadOptions) (model.ThreadID, error) {
	return c.threads.CreateThread(ctx, threads.CreateOptions{
		Prompt: opts.Prompt, InitialMessages: opts.InitialMessages, AutoStart: opts.AutoStart,
	})
}

// SendMessage appends a user message and starts or resumes the thread's
// turn (spec §6.1 "sendMessage").
func (c *Client) SendMessage(ctx context.Context, threadID model.ThreadID, prompt string) error {
	return c.threads.SendMessage(ctx, threadID, prompt)
}

// AddMessage inserts an arbitrary message without triggering a turn (spec
// §6.1 "addMessage").
func (c *Client) AddMessage(ctx context.Context, threadID model.ThreadID, msg model.Message) (model.MessageID, error) {
	return c.threads.AddMessage(ctx, threadID, msg)
}

// ResumeThread resumes a thread, optionally with a new prompt (spec §6.1
// "resumeThread").
func (c *Client) ResumeThread(ctx context.Context, threadID model.ThreadID, prompt string) error {
	return c.threads.ResumeThread(ctx, threadID, prompt)
}

// StopThread requests that a thread stop at its next observation point
// (spec §6.1 "stopThread").
func (c *Client) StopThread(ctx context.Context, threadID model.ThreadID) error {
	return c.threads.StopThread(ctx, threadID)
}

// GetThread returns a thread's current document, or store.ErrNotFound if it
// does not exist (spec §6.1 "getThread").
func (c *Client) GetThread(ctx context.Context, threadID model.ThreadID) (*model.Thread, error) {
	return c.store.GetThread(ctx, threadID)
}

// ListMessages returns every persisted message for a thread, in creation
// order (spec §6.1 "listMessages").
func (c *Client) ListMessages(ctx context.Context, threadID model.ThreadID) ([]*model.Message, error) {
	return c.store.ListMessages(ctx, threadID)
}

// ListThreads returns up to limit threads, most-recently-created first
// (spec §6.1 "listThreads").
func (c *Client) ListThreads(ctx context.Context, limit int) ([]*model.Thread, error) {
	return c.store.ListThreads(ctx, limit)
}

// DeleteThread cascade-deletes a thread and everything belonging to it
// (spec §6.1 "deleteThread").
func (c *Client) DeleteThread(ctx context.Context, threadID model.ThreadID) error {
	return c.threads.DeleteThread(ctx, threadID)
}

// StreamUpdates returns every streaming part produced since fromSeq
// (spec §6.1 "streamUpdates") as one flat list, each part tagged with its
// MsgID; parts are not grouped by message.
func (c *Client) StreamUpdates(ctx context.Context, threadID model.ThreadID, fromSeq int64) ([]streams.PartUpdate, error) {
	return c.streams.QueryStreamingMessageUpdates(ctx, threadID, fromSeq)
}

// AddToolResult ingests an async tool's successful result (spec §6.1
// "addToolResult").
func (c *Client) AddToolResult(ctx context.Context, threadID model.ThreadID, toolCallID model.ToolCallID, result []byte) error {
	return c.toolCalls.AddToolResult(ctx, threadID, toolCallID, result)
}

// AddToolError ingests an async tool's failure (spec §6.1 "addToolError").
func (c *Client) AddToolError(ctx context.Context, threadID model.ThreadID, toolCallID model.ToolCallID, message string) error {
	return c.toolCalls.AddToolError(ctx, threadID, toolCallID, message)
}
