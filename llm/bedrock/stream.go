package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

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
	stream *bedrockruntime.ConverseStreamEventStream

	parts chan llm.Part

	errMu    sync.Mutex
	finalErr error
}

func newStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream) *streamer {
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

	toolBlocks := make(map[int32]*toolBuffer)
	started := false

	events := s.stream.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(err)
					_ = s.emit(llm.ErrorPart{ErrorText: err.Error()})
				}
				return
			}
			if !started {
				started = true
				if err := s.emit(llm.StartPart{MessageID: ""}); err != nil {
					s.setErr(err)
					return
				}
			}
			if err := s.handle(event, toolBlocks); err != nil {
				s.setErr(err)
				return
			}
		}
	}
}

func (s *streamer) handle(event brtypes.ConverseStreamOutput, toolBlocks map[int32]*toolBuffer) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx := ev.Value.ContentBlockIndex
		if idx == nil {
			return nil
		}
		if toolUse, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			if toolUse.Value.ToolUseId == nil || toolUse.Value.Name == nil {
				return fmt.Errorf("bedrock stream: tool use block missing id or name")
			}
			toolBlocks[*idx] = &toolBuffer{id: *toolUse.Value.ToolUseId, name: *toolUse.Value.Name}
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx := ev.Value.ContentBlockIndex
		if idx == nil {
			return nil
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return s.emit(llm.TextDeltaPart{ID: fmt.Sprintf("block-%d", *idx), Delta: delta.Value})
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			if v, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && v.Value != "" {
				return s.emit(llm.ReasoningDeltaPart{ID: fmt.Sprintf("block-%d", *idx), Delta: v.Value})
			}
			return nil
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if tb := toolBlocks[*idx]; tb != nil && delta.Value.Input != nil {
				fragment := *delta.Value.Input
				tb.fragments = append(tb.fragments, fragment)
				return s.emit(llm.ToolInputDeltaPart{ToolCallID: tb.id, Delta: fragment})
			}
			return nil
		default:
			return nil
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx := ev.Value.ContentBlockIndex
		if idx == nil {
			return nil
		}
		if tb := toolBlocks[*idx]; tb != nil {
			delete(toolBlocks, *idx)
			return s.emit(llm.ToolInputAvailablePart{ToolCallID: tb.id, ToolName: tb.name, Input: tb.finalInput()})
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		return s.emit(llm.FinishPart{FinishReason: mapStopReason(string(ev.Value.StopReason))})
	default:
		return nil
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return llm.FinishReasonStop
	case "tool_use":
		return llm.FinishReasonToolCalls
	case "max_tokens":
		return llm.FinishReasonLength
	case "content_filtered":
		return llm.FinishReasonContentFilter
	default:
		return reason
	}
}
