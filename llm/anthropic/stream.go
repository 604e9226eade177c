package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/turnengine/llm"
)

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() json.RawMessage {
	joined := strings.Join(tb.fragments, "")
	if joined == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(joined)
}

type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	parts chan llm.Part

	errMu    sync.Mutex
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		parts:  make(chan llm.Part, 32),
	}
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

	toolBlocks := make(map[int]*toolBuffer)
	stopReason := ""

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
		event := s.stream.Current()
		if err := s.handle(event, toolBlocks, &stopReason); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) handle(event sdk.MessageStreamEventUnion, toolBlocks map[int]*toolBuffer, stopReason *string) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		return s.emit(llm.StartPart{MessageID: ev.Message.ID})
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" || toolUse.Name == "" {
				return errors.New("anthropic stream: tool_use block missing id or name")
			}
			toolBlocks[idx] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return s.emit(llm.TextDeltaPart{ID: fmt.Sprintf("block-%d", idx), Delta: delta.Text})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return s.emit(llm.ReasoningDeltaPart{ID: fmt.Sprintf("block-%d", idx), Delta: delta.Thinking})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			if tb := toolBlocks[idx]; tb != nil {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
				return s.emit(llm.ToolInputDeltaPart{ToolCallID: tb.id, Delta: delta.PartialJSON})
			}
			return nil
		default:
			return nil
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if tb := toolBlocks[idx]; tb != nil {
			delete(toolBlocks, idx)
			return s.emit(llm.ToolInputAvailablePart{
				ToolCallID: tb.id,
				ToolName:   tb.name,
				Input:      tb.finalInput(),
			})
		}
		return nil
	case sdk.MessageDeltaEvent:
		*stopReason = mapStopReason(string(ev.Delta.StopReason))
		return nil
	case sdk.MessageStopEvent:
		return s.emit(llm.FinishPart{FinishReason: *stopReason})
	default:
		return nil
	}
}

func mapStopReason(anthropicReason string) string {
	switch anthropicReason {
	case "end_turn", "stop_sequence":
		return llm.FinishReasonStop
	case "tool_use":
		return llm.FinishReasonToolCalls
	case "max_tokens":
		return llm.FinishReasonLength
	default:
		return anthropicReason
	}
}
