package anthropic

import (
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/provider/sseutil"
)

const testID = "chatcmpl-0123456789abcdef01234567"

func runTranslator(t *testing.T, chunks ...[]byte) []Frame {
	t.Helper()
	tr := NewStreamTranslator("claude-3-5-sonnet")
	var frames []Frame
	for _, c := range chunks {
		frames = append(frames, tr.Next(c)...)
	}
	frames = append(frames, tr.Done()...)
	return frames
}

func countEvents(frames []Frame) map[string]int {
	counts := make(map[string]int)
	for _, f := range frames {
		counts[f.Event]++
	}
	return counts
}

func TestTextStream(t *testing.T) {
	t.Parallel()
	frames := runTranslator(t,
		sseutil.BuildDeltaChunk(testID, "m", map[string]any{"role": "assistant"}, ""),
		sseutil.BuildContentChunk(testID, "m", "Hel"),
		sseutil.BuildContentChunk(testID, "m", "lo"),
		sseutil.BuildFinishChunk(testID, "m", "stop"),
	)

	counts := countEvents(frames)
	if counts["message_start"] != 1 {
		t.Errorf("message_start: %d", counts["message_start"])
	}
	if counts["content_block_start"] != 1 || counts["content_block_stop"] != 1 {
		t.Errorf("block framing: %+v", counts)
	}
	if counts["message_delta"] != 1 || counts["message_stop"] != 1 {
		t.Errorf("terminal events: %+v", counts)
	}

	if frames[0].Event != "message_start" {
		t.Fatalf("first frame: %+v", frames[0])
	}
	start := gjson.ParseBytes(frames[0].Data)
	if start.Get("message.id").String() != "msg_0123456789abcdef01234567" {
		t.Errorf("message id: %s", frames[0].Data)
	}
	if start.Get("message.role").String() != "assistant" {
		t.Errorf("skeleton: %s", frames[0].Data)
	}

	var text string
	for _, f := range frames {
		if f.Event == "content_block_delta" {
			d := gjson.ParseBytes(f.Data).Get("delta")
			if d.Get("type").String() != "text_delta" {
				t.Errorf("delta type: %s", f.Data)
			}
			text += d.Get("text").String()
		}
	}
	if text != "Hello" {
		t.Errorf("text: %q", text)
	}

	last := frames[len(frames)-1]
	if last.Event != "message_stop" {
		t.Errorf("last frame: %+v", last)
	}
	for _, f := range frames {
		if f.Event == "message_delta" {
			if got := gjson.ParseBytes(f.Data).Get("delta.stop_reason").String(); got != "end_turn" {
				t.Errorf("stop_reason: %q", got)
			}
		}
	}
}

func TestThinkingThenText(t *testing.T) {
	t.Parallel()
	frames := runTranslator(t,
		sseutil.BuildReasoningChunk(testID, "m", "hmm"),
		sseutil.BuildContentChunk(testID, "m", "answer"),
		sseutil.BuildFinishChunk(testID, "m", "stop"),
	)

	var starts []string
	for _, f := range frames {
		if f.Event == "content_block_start" {
			starts = append(starts, gjson.ParseBytes(f.Data).Get("content_block.type").String())
		}
	}
	if len(starts) != 2 || starts[0] != "thinking" || starts[1] != "text" {
		t.Fatalf("block starts: %v", starts)
	}

	counts := countEvents(frames)
	if counts["content_block_stop"] != 2 {
		t.Errorf("stops: %d", counts["content_block_stop"])
	}

	// Indexes increase per block.
	var indexes []int64
	for _, f := range frames {
		if f.Event == "content_block_start" {
			indexes = append(indexes, gjson.ParseBytes(f.Data).Get("index").Int())
		}
	}
	if indexes[0] != 0 || indexes[1] != 1 {
		t.Errorf("indexes: %v", indexes)
	}
}

func TestToolUseFraming(t *testing.T) {
	t.Parallel()
	frames := runTranslator(t,
		sseutil.BuildToolCallInitChunk(testID, "m", 0, "call_1", "get_weather"),
		sseutil.BuildToolCallDeltaChunk(testID, "m", 0, `{"city":`),
		sseutil.BuildToolCallDeltaChunk(testID, "m", 0, `"tokyo"}`),
		sseutil.BuildFinishChunk(testID, "m", "tool_calls"),
	)

	var sawStart bool
	var args string
	for _, f := range frames {
		switch f.Event {
		case "content_block_start":
			cb := gjson.ParseBytes(f.Data).Get("content_block")
			if cb.Get("type").String() != "tool_use" {
				t.Errorf("block type: %s", f.Data)
			}
			if cb.Get("id").String() != "call_1" || cb.Get("name").String() != "get_weather" {
				t.Errorf("tool block: %s", f.Data)
			}
			sawStart = true
		case "content_block_delta":
			d := gjson.ParseBytes(f.Data).Get("delta")
			if d.Get("type").String() != "input_json_delta" {
				t.Errorf("delta type: %s", f.Data)
			}
			args += d.Get("partial_json").String()
		case "message_delta":
			if got := gjson.ParseBytes(f.Data).Get("delta.stop_reason").String(); got != "tool_use" {
				t.Errorf("stop_reason: %q", got)
			}
		}
	}
	if !sawStart {
		t.Fatal("no tool_use block start")
	}
	if args != `{"city":"tokyo"}` {
		t.Errorf("args: %q", args)
	}
}

func TestTrailingUsageFoldsIntoMessageDelta(t *testing.T) {
	t.Parallel()
	frames := runTranslator(t,
		sseutil.BuildContentChunk(testID, "m", "hi"),
		sseutil.BuildFinishChunk(testID, "m", "stop"),
		sseutil.BuildUsageChunk(testID, "m", &gateway.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}),
	)
	for _, f := range frames {
		if f.Event != "message_delta" {
			continue
		}
		u := gjson.ParseBytes(f.Data).Get("usage")
		if u.Get("input_tokens").Int() != 5 || u.Get("output_tokens").Int() != 2 {
			t.Errorf("usage: %s", f.Data)
		}
	}
}

func TestDoneWithoutFinish(t *testing.T) {
	t.Parallel()
	frames := runTranslator(t, sseutil.BuildContentChunk(testID, "m", "partial"))
	counts := countEvents(frames)
	if counts["content_block_stop"] != 1 || counts["message_delta"] != 1 || counts["message_stop"] != 1 {
		t.Errorf("counts: %+v", counts)
	}
	for _, f := range frames {
		if f.Event == "message_delta" {
			if got := gjson.ParseBytes(f.Data).Get("delta.stop_reason").String(); got != "end_turn" {
				t.Errorf("stop_reason: %q", got)
			}
		}
	}
}

func TestDoneIsIdempotent(t *testing.T) {
	t.Parallel()
	tr := NewStreamTranslator("m")
	tr.Next(sseutil.BuildContentChunk(testID, "m", "x"))
	if got := tr.Done(); len(got) == 0 {
		t.Fatal("first Done must emit")
	}
	if got := tr.Done(); got != nil {
		t.Errorf("second Done emitted: %+v", got)
	}
}
