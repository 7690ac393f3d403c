package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/llama-farm/atmosphere/internal/semrouter"
)

// rpcMessage is the inbound shape of chat_request/llm_request/
// route_request, per spec.md's relay protocol: chat/llm carry a message
// history to derive intent text from, route_request carries the intent
// text directly alongside an opaque payload of handler kwargs.
type rpcMessage struct {
	RequestID string           `json:"request_id"`
	From      string           `json:"from"`
	Messages  []chatMessage    `json:"messages"`
	Model     string           `json:"model"`
	Intent    string           `json:"intent"`
	Payload   map[string]any   `json:"payload"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// llmResponse is the outbound wire shape sent back to whichever peer
// (or relay, on the peer's behalf) issued the RPC.
type llmResponse struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Target    string         `json:"target"`
	Response  string         `json:"response,omitempty"`
	Routing   string         `json:"routing,omitempty"`
	Backend   string         `json:"backend,omitempty"`
	Error     string         `json:"error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// handleRPC is the application-executor half of C6's demultiplexer: it
// resolves the RPC's intent through the capability router, runs it
// locally when this node owns the matched capability, forwards the raw
// message on when a remote peer is the better match, and reports
// NO_MATCH back to the caller otherwise.
func (n *Node) handleRPC(ctx context.Context, from, msgType string, raw []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("node: dropping malformed rpc message", "type", msgType, "from", from, "error", err)
		return
	}
	if msg.From == "" {
		msg.From = from
	}

	intentText := msg.Intent
	if intentText == "" && len(msg.Messages) > 0 {
		intentText = msg.Messages[len(msg.Messages)-1].Content
	}
	if intentText == "" {
		n.sendRPCError(ctx, msg, "empty intent")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	result, err := n.capRouter.Route(ctx, intentText)
	if err != nil {
		n.sendRPCError(ctx, msg, fmt.Sprintf("routing failed: %v", err))
		return
	}

	switch result.Action {
	case semrouter.ActionProcessLocal:
		n.executeAndRespond(ctx, msg, result, msgType)
	case semrouter.ActionForward:
		n.forwardRPC(ctx, msg, result, raw)
	default:
		n.sendRPCError(ctx, msg, "no matching capability")
	}
}

// defaultRPCTimeout bounds how long handleRPC spends routing, executing
// or forwarding one inbound request, per spec.md's default 60s
// application-level RPC timeout.
const defaultRPCTimeout = 60 * time.Second

func (n *Node) executeAndRespond(ctx context.Context, msg rpcMessage, result semrouter.RouteResult, msgType string) {
	var handlerTag, label string
	for _, c := range n.capRouter.LocalCapabilities() {
		if c.ID == result.CapabilityID {
			handlerTag, label = c.HandlerTag, c.Label
			break
		}
	}
	if handlerTag == "" {
		n.sendRPCError(ctx, msg, "resolved capability has no local handler")
		return
	}

	kwargs := msg.Payload
	if kwargs == nil && len(msg.Messages) > 0 {
		kwargs = map[string]any{"messages": msg.Messages, "model": msg.Model}
	}

	execResult, err := n.executors.Execute(ctx, handlerTag, label, kwargs)
	if err != nil {
		n.sendRPCError(ctx, msg, err.Error())
		return
	}
	if !execResult.Success {
		n.sendRPCError(ctx, msg, execResult.Error)
		return
	}

	resp := llmResponse{
		Type:      "llm_response",
		RequestID: msg.RequestID,
		Target:    msg.From,
		Routing:   string(result.Action),
		Backend:   handlerTag,
		Data:      execResult.Data,
	}
	if text, ok := execResult.Data["text"].(string); ok {
		resp.Response = text
	}
	n.sendRPCResponse(ctx, resp)
}

// forwardRPC re-sends the original RPC bytes unmodified to the gradient
// table's chosen next hop, letting that peer's own C6/C5 repeat
// resolution one hop closer to wherever the capability actually lives.
func (n *Node) forwardRPC(ctx context.Context, msg rpcMessage, result semrouter.RouteResult, raw []byte) {
	if result.NextHop == "" {
		n.sendRPCError(ctx, msg, "no next hop for forwarded capability")
		return
	}
	if err := n.transports.Send(ctx, result.NextHop, raw); err != nil {
		slog.Warn("node: forwarding rpc failed", "next_hop", result.NextHop, "error", err)
		n.sendRPCError(ctx, msg, fmt.Sprintf("forward to %s failed: %v", result.NextHop, err))
	}
}

func (n *Node) sendRPCError(ctx context.Context, msg rpcMessage, errMsg string) {
	n.sendRPCResponse(ctx, llmResponse{
		Type:      "llm_response",
		RequestID: msg.RequestID,
		Target:    msg.From,
		Error:     errMsg,
	})
}

func (n *Node) sendRPCResponse(ctx context.Context, resp llmResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("node: marshal rpc response", "error", err)
		return
	}
	if resp.Target == "" {
		return
	}
	if err := n.transports.Send(ctx, resp.Target, data); err != nil {
		slog.Warn("node: send rpc response failed", "target", resp.Target, "error", err)
	}
}
