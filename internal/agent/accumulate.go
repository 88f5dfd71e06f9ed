package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"
)

// accumulator assembles the assistant message from content block events.
type accumulator struct {
	blocks map[int]*pendingBlock
	order  []int
}

type pendingBlock struct {
	block ContentBlock
	// partialJSON accumulates input_json_delta fragments for tool_use.
	partialJSON strings.Builder
	done        bool
}

func (a *accumulator) startBlock(index int, cb gjson.Result) {
	if a.blocks == nil {
		a.blocks = make(map[int]*pendingBlock)
	}
	if _, ok := a.blocks[index]; ok {
		return
	}
	p := &pendingBlock{block: ContentBlock{
		Type: cb.Get("type").String(),
		Text: cb.Get("text").String(),
		ID:   cb.Get("id").String(),
		Name: cb.Get("name").String(),
	}}
	if src := cb.Get("source"); src.Exists() {
		p.block.Source = &ImageSource{
			Type:      src.Get("type").String(),
			MediaType: src.Get("media_type").String(),
			Data:      src.Get("data").String(),
			URL:       src.Get("url").String(),
		}
	}
	a.blocks[index] = p
	a.order = append(a.order, index)
}

func (a *accumulator) applyDelta(index int, delta gjson.Result) {
	p, ok := a.blocks[index]
	if !ok {
		// Deltas may arrive for blocks whose start was dropped upstream.
		a.startBlock(index, gjson.Result{})
		p = a.blocks[index]
	}
	switch delta.Get("type").String() {
	case "text_delta":
		p.block.Text += delta.Get("text").String()
		if p.block.Type == "" {
			p.block.Type = "text"
		}
	case "thinking_delta":
		p.block.Thinking += delta.Get("thinking").String()
		if p.block.Type == "" {
			p.block.Type = "thinking"
		}
	case "input_json_delta":
		p.partialJSON.WriteString(delta.Get("partial_json").String())
	}
}

func (a *accumulator) stopBlock(index int) {
	p, ok := a.blocks[index]
	if !ok {
		return
	}
	p.done = true
	if p.block.Type == "tool_use" {
		raw := p.partialJSON.String()
		if raw == "" || !json.Valid([]byte(raw)) {
			raw = "{}"
		}
		p.block.Input = json.RawMessage(raw)
	}
}

// message returns the accumulated assistant message, or nil when no blocks
// arrived.
func (a *accumulator) message() *AssistantMessage {
	if len(a.order) == 0 {
		return nil
	}
	msg := &AssistantMessage{Role: "assistant"}
	for _, i := range a.order {
		p := a.blocks[i]
		if !p.done {
			a.stopBlock(i)
		}
		msg.Content = append(msg.Content, p.block)
	}
	return msg
}

// newLineScanner returns a scanner sized for agent stream lines; tool
// results and base64 images can make individual events large.
func newLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), 4<<20)
	return s
}

// dnscacheDial returns a DialContext that resolves hosts through the shared
// DNS cache.
func dnscacheDial(resolver *dnscache.Resolver) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
}
