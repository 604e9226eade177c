package openai

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/turnengine/llm"
)

type toolCallBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolCallBuffer) finalInput() json.RawMessage {
	joined := strings.Join(tb.fragments, "")
	if joined == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(joined)
}

type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[openai.ChatCompletionChunk]

	parts chan llm.Part

	errMu    sync.Mutex
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk]) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{ctx: cctx, cancel: cancel, stream: stream, parts: make(chan llm.Part, 32)}
	go s.run()
	return s
}

func (s *streamer) Recv() (llm.Part, error) {
	select {
	case part, ok := <-s.parts:
		if ok {
			return part, nil
		}
		if err := s.err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return nil, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.finalErr == nil {
		s.finalErr = err
	}
}

func (s *streamer) emit(p llm.Part) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.parts <- p:
		return nil
	}
}

func (s *streamer) run() {
	defer close(s.parts)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	toolCalls := make(map[int64]*toolCallBuffer)
	started := false

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
				_ = s.emit(llm.ErrorPart{ErrorText: err.Error()})
			}
			return
		}
		chunk := s.stream.Current()
		if !started {
			started = true
			if err := s.emit(llm.StartPart{MessageID: chunk.ID}); err != nil {
				s.setErr(err)
				return
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if err := s.emit(llm.TextDeltaPart{ID: chunk.ID, Delta: choice.Delta.Content}); err != nil {
				s.setErr(err)
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			tb, ok := toolCalls[tc.Index]
			if !ok {
				tb = &toolCallBuffer{id: tc.ID, name: tc.Function.Name}
				toolCalls[tc.Index] = tb
			}
			if tc.Function.Arguments != "" {
				tb.fragments = append(tb.fragments, tc.Function.Arguments)
				if err := s.emit(llm.ToolInputDeltaPart{ToolCallID: tb.id, Delta: tc.Function.Arguments}); err != nil {
					s.setErr(err)
					return
				}
			}
		}
		if choice.FinishReason != "" {
			for idx, tb := range toolCalls {
				if err := s.emit(llm.ToolInputAvailablePart{ToolCallID: tb.id, ToolName: tb.name, Input: tb.finalInput()}); err != nil {
					s.setErr(err)
					return
				}
				delete(toolCalls, idx)
			}
			if err := s.emit(llm.FinishPart{FinishReason: mapFinishReason(choice.FinishReason)}); err != nil {
				s.setErr(err)
				return
			}
		}
	}
}

func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return llm.FinishReasonStop
	case "tool_calls":
		return llm.FinishReasonToolCalls
	case "length":
		return llm.FinishReasonLength
	case "content_filter":
		return llm.FinishReasonContentFilter
	default:
		return reason
	}
}
