// Package main implements a mock agent binary speaking the line-delimited
// JSON-RPC agent protocol over stdin/stdout. It answers initialize,
// session/new and session/prompt with scripted streaming updates, and
// prints a usage block on stderr when prompted with /usage. Useful for
// running the bot end to end without a real agent.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kynetic-ai/kbot/internal/common/logger"
	"github.com/kynetic-ai/kbot/internal/usage"
	"github.com/kynetic-ai/kbot/pkg/acp/jsonrpc"
	"github.com/kynetic-ai/kbot/pkg/acp/protocol"
)

var (
	chunkDelay = flag.Duration("chunk-delay", 50*time.Millisecond, "Delay between streamed chunks")
	chunkCount = flag.Int("chunks", 3, "Number of message chunks per reply")
	model      = flag.String("model", "mock-1", "Model name reported in /usage output")
)

type mockAgent struct {
	conn *jsonrpc.Conn

	mu        sync.Mutex
	sessions  map[string]bool
	cancelled map[string]bool

	promptCount atomic.Int64
	nextSession atomic.Int64
}

func main() {
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "warn", Format: "console", OutputPath: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}

	agent := &mockAgent{
		sessions:  make(map[string]bool),
		cancelled: make(map[string]bool),
	}
	agent.conn = jsonrpc.NewConn(os.Stdin, os.Stdout, log)
	agent.conn.OnRequest(agent.handleRequest)
	agent.conn.OnNotification(agent.handleNotification)
	agent.conn.Start()

	<-agent.conn.Done()
}

func (a *mockAgent) handleRequest(req *jsonrpc.Request) {
	switch req.Method {
	case protocol.MethodInitialize:
		_ = a.conn.Respond(req.ID, protocol.InitializeResponse{
			ProtocolVersion: protocol.ProtocolVersion,
		})

	case protocol.MethodSessionNew:
		id := fmt.Sprintf("mock-%d-%d", os.Getpid(), a.nextSession.Add(1))
		a.mu.Lock()
		a.sessions[id] = true
		a.mu.Unlock()
		_ = a.conn.Respond(req.ID, protocol.NewSessionResponse{SessionID: id})

	case protocol.MethodSessionPrompt:
		var prompt protocol.PromptRequest
		if err := json.Unmarshal(req.Params, &prompt); err != nil {
			_ = a.conn.RespondError(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error()))
			return
		}
		a.handlePrompt(req, prompt)

	default:
		_ = a.conn.RespondError(req.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("unknown method %q", req.Method)))
	}
}

func (a *mockAgent) handleNotification(method string, params json.RawMessage) {
	if method != protocol.MethodSessionCancel {
		return
	}
	var cancel protocol.CancelNotification
	if err := json.Unmarshal(params, &cancel); err != nil {
		return
	}
	a.mu.Lock()
	a.cancelled[cancel.SessionID] = true
	a.mu.Unlock()
}

func (a *mockAgent) handlePrompt(req *jsonrpc.Request, prompt protocol.PromptRequest) {
	a.mu.Lock()
	known := a.sessions[prompt.SessionID]
	delete(a.cancelled, prompt.SessionID)
	a.mu.Unlock()
	if !known {
		_ = a.conn.RespondError(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams,
			fmt.Sprintf("unknown session %q", prompt.SessionID)))
		return
	}

	text := promptText(prompt)
	if strings.HasPrefix(strings.TrimSpace(text), "/usage") {
		a.printUsageBlock()
		_ = a.conn.Respond(req.ID, protocol.PromptResponse{StopReason: protocol.StopReasonEndTurn})
		return
	}

	for i := 0; i < *chunkCount; i++ {
		a.mu.Lock()
		stop := a.cancelled[prompt.SessionID]
		a.mu.Unlock()
		if stop {
			_ = a.conn.Respond(req.ID, protocol.PromptResponse{StopReason: protocol.StopReasonCancelled})
			return
		}

		chunk := fmt.Sprintf("chunk %d/%d replying to %q. ", i+1, *chunkCount, text)
		_ = a.conn.Notify(protocol.MethodSessionUpdate, protocol.SessionNotification{
			SessionID: prompt.SessionID,
			Update:    protocol.MessageChunkUpdate(chunk),
		})
		time.Sleep(*chunkDelay)
	}

	_ = a.conn.Respond(req.ID, protocol.PromptResponse{StopReason: protocol.StopReasonEndTurn})
}

// printUsageBlock emits the delimited block the usage tracker scans
// stderr for. Numbers grow with each probe so repeated checks show
// rising usage.
func (a *mockAgent) printUsageBlock() {
	prompts := a.promptCount.Add(1)
	current := 10_000 + prompts*7_000
	const max = 200_000
	pct := float64(current) / float64(max) * 100

	fmt.Fprintln(os.Stderr, usage.BlockStart)
	fmt.Fprintf(os.Stderr, "Model: %s\n", *model)
	fmt.Fprintf(os.Stderr, "Tokens: %d/%dk (%.1f%%)\n", current, max/1000, pct)
	fmt.Fprintln(os.Stderr, "Category        Tokens")
	fmt.Fprintf(os.Stderr, "System prompt   %d\n", 3_000)
	fmt.Fprintf(os.Stderr, "Messages        %d\n", current-3_000)
	fmt.Fprintln(os.Stderr, usage.BlockEnd)
}

func promptText(prompt protocol.PromptRequest) string {
	var b strings.Builder
	for _, block := range prompt.Prompt {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
