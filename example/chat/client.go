package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-mcp-agent/pkg/agent"
	"github.com/MegaGrindStone/go-mcp-agent/pkg/host"
	"github.com/MegaGrindStone/go-mcp-agent/pkg/mcp"
	"github.com/MegaGrindStone/go-mcp-agent/pkg/store"
)

const systemPrompt = "You are a helpful assistant. Use the available tools when they help answer the user."

type chat struct {
	host  *host.Host
	agent *agent.Agent
	store *store.Store

	conversationID string

	mu         sync.Mutex
	turnCancel context.CancelFunc
}

func newChat(h *host.Host, a *agent.Agent, st *store.Store) *chat {
	return &chat{host: h, agent: a, store: st}
}

// interrupt cancels the streaming turn if one is running and reports
// whether it did.
func (c *chat) interrupt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turnCancel == nil {
		return false
	}
	c.turnCancel()
	return true
}

func (c *chat) setTurnCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	c.turnCancel = cancel
	c.mu.Unlock()
}

func (c *chat) run(ctx context.Context) error {
	if err := c.newConversation(ctx, "Terminal session"); err != nil {
		return err
	}

	names := c.host.ServerNames()
	if len(names) == 0 {
		fmt.Println("No servers connected; chatting without tools.")
	} else {
		fmt.Println("Connected servers:", strings.Join(names, ", "))
	}
	fmt.Println("Type a message, or /help for commands.")

	for {
		fmt.Print("> ")
		input, err := waitStdIOInput(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if exit := c.command(ctx, input); exit {
				return nil
			}
			continue
		}

		if err := c.send(ctx, input); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Println("Error:", err)
		}
	}
}

func (c *chat) newConversation(ctx context.Context, title string) error {
	conv, err := c.store.CreateConversation(ctx, title)
	if err != nil {
		return err
	}
	if _, err := c.store.AppendMessage(ctx, conv.ID, "", store.Message{
		Role:    string(agent.RoleSystem),
		Content: systemPrompt,
	}); err != nil {
		return err
	}
	c.conversationID = conv.ID
	return nil
}

// send runs one agentic turn for the user message and persists everything
// the turn produced on the conversation's active branch.
func (c *chat) send(ctx context.Context, text string) error {
	if attachments := c.host.TakeAttachments(); len(attachments) > 0 {
		text += attachmentBlock(attachments)
	}

	conv, err := c.store.Conversation(ctx, c.conversationID)
	if err != nil {
		return err
	}
	userMsg, err := c.store.AppendMessage(ctx, c.conversationID, conv.CurrentNode, store.Message{
		Role:    string(agent.RoleUser),
		Content: text,
	})
	if err != nil {
		return err
	}
	history, err := c.store.ConversationMessages(ctx, c.conversationID)
	if err != nil {
		return err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.setTurnCancel(cancel)
	defer c.setTurnCancel(nil)

	p := &turnPrinter{}
	// Run errors are already reported through OnError; the messages
	// produced before the failure still get persisted below.
	produced, _ := c.agent.Run(turnCtx, agentMessages(history), agent.Callbacks{
		OnContent:    p.content,
		OnReasoning:  p.reasoning,
		OnToolCalls:  p.toolCalls,
		OnToolResult: p.toolResult,
		OnError:      p.error,
		OnComplete:   p.complete,
	})

	parent := userMsg.ID
	for _, msg := range produced {
		stored, err := c.store.AppendMessage(ctx, c.conversationID, parent, storeMessage(msg))
		if err != nil {
			return fmt.Errorf("persist message: %w", err)
		}
		parent = stored.ID
	}
	return nil
}

// command handles a slash command and reports whether the chat should exit.
func (c *chat) command(ctx context.Context, input string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/help":
		printHelp()
	case "/servers":
		c.printServers()
	case "/health":
		if len(fields) != 2 {
			fmt.Println("Usage: /health <server>")
			break
		}
		c.printHealth(ctx, fields[1])
	case "/tools":
		c.printTools()
	case "/resources":
		if len(fields) != 2 {
			fmt.Println("Usage: /resources <server>")
			break
		}
		c.printResources(ctx, fields[1])
	case "/attach":
		if len(fields) != 3 {
			fmt.Println("Usage: /attach <server> <uri>")
			break
		}
		c.attach(ctx, fields[1], fields[2])
	case "/history":
		c.printHistory(ctx)
	case "/new":
		title := "Terminal session"
		if len(fields) > 1 {
			title = strings.Join(fields[1:], " ")
		}
		if err := c.newConversation(ctx, title); err != nil {
			fmt.Println("Error:", err)
			break
		}
		fmt.Println("Started a new conversation.")
	case "/quit", "/exit":
		fmt.Println("Exiting...")
		return true
	default:
		fmt.Printf("Unknown command: %s\n", fields[0])
	}
	return false
}

func printHelp() {
	fmt.Println(`Commands:
  /servers                List connected servers
  /health <server>        Probe a server with a throwaway connection
  /tools                  List tools across servers
  /resources <server>     List a server's resources
  /attach <server> <uri>  Attach a resource to the next message
  /history                Show the active conversation branch
  /new [title]            Start a new conversation
  /quit                   Exit`)
}

func (c *chat) printServers() {
	names := c.host.ServerNames()
	if len(names) == 0 {
		fmt.Println("No servers connected.")
		return
	}
	for _, name := range names {
		fmt.Println(name)
	}
}

func (c *chat) printHealth(ctx context.Context, server string) {
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	report := c.host.HealthCheck(probeCtx, server)
	if report.OK {
		fmt.Printf("%s: ok in %s\n", report.Server, report.Duration.Round(time.Millisecond))
		return
	}
	fmt.Printf("%s: failed after %s: %v\n",
		report.Server, report.Duration.Round(time.Millisecond), report.Err)
	for _, event := range report.Trace {
		fmt.Printf("  %s %s\n", event.Phase, event.Message)
	}
}

func (c *chat) printTools() {
	tools := c.host.AllTools()
	if len(tools) == 0 {
		fmt.Println("No tools available.")
		return
	}
	for _, st := range tools {
		marker := ""
		if server, ok := c.host.ToolServer(st.Tool.Name); ok && server != st.Server {
			marker = " (shadowed)"
		}
		fmt.Printf("%s/%s%s: %s\n", st.Server, st.Tool.Name, marker, st.Tool.Description)
	}
}

func (c *chat) printResources(ctx context.Context, server string) {
	resources, err := c.host.ListResources(ctx, server)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	if len(resources) == 0 {
		fmt.Println("No resources.")
		return
	}
	for _, resource := range resources {
		fmt.Printf("%s (%s)\n", resource.URI, resource.Name)
	}
}

func (c *chat) attach(ctx context.Context, server, uri string) {
	id := c.host.AttachResource(ctx, server, mcp.Resource{URI: uri})
	fmt.Printf("Attached %s (%s); it will be included in the next message.\n", uri, id)
}

func (c *chat) printHistory(ctx context.Context) {
	messages, err := c.store.ConversationMessages(ctx, c.conversationID)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	for _, msg := range messages {
		if msg.Role == string(agent.RoleTool) {
			fmt.Printf("[tool %s] %d bytes\n", msg.ToolCallID, len(msg.Content))
			continue
		}
		fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
	}
}

func agentMessages(messages []store.Message) []agent.Message {
	converted := make([]agent.Message, len(messages))
	for i, msg := range messages {
		converted[i] = agent.Message{
			Role:       agent.Role(msg.Role),
			Content:    msg.Content,
			Reasoning:  msg.Reasoning,
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
		}
	}
	return converted
}

func storeMessage(msg agent.Message) store.Message {
	return store.Message{
		Role:       string(msg.Role),
		Content:    msg.Content,
		Reasoning:  msg.Reasoning,
		ToolCalls:  msg.ToolCalls,
		ToolCallID: msg.ToolCallID,
	}
}

// attachmentBlock renders taken attachments as text appended to the user
// message.
func attachmentBlock(attachments []host.Attachment) string {
	var b strings.Builder
	for _, att := range attachments {
		fmt.Fprintf(&b, "\n\nAttached resource %s:\n", att.Resource.URI)
		switch {
		case att.Loading:
			b.WriteString("(contents were still loading when the message was sent)")
		case att.Err != nil:
			fmt.Fprintf(&b, "(failed to load: %v)", att.Err)
		default:
			for _, contents := range att.Contents {
				if contents.Text != "" {
					b.WriteString(contents.Text)
					continue
				}
				if contents.Blob != "" {
					mime := contents.MimeType
					if mime == "" {
						mime = "application/octet-stream"
					}
					fmt.Fprintf(&b, "data:%s;base64,%s", mime, contents.Blob)
				}
			}
		}
	}
	return b.String()
}

// turnPrinter formats one turn's streamed output. The agent invokes
// callbacks sequentially, so no locking is needed.
type turnPrinter struct {
	kind         string
	printedCalls int
}

func (p *turnPrinter) breakLine() {
	if p.kind == "content" || p.kind == "reasoning" {
		fmt.Println()
	}
	p.kind = ""
}

func (p *turnPrinter) reasoning(delta string) {
	if p.kind != "reasoning" {
		p.breakLine()
		fmt.Print("[thinking] ")
		p.kind = "reasoning"
	}
	fmt.Print(delta)
}

func (p *turnPrinter) content(delta string) {
	if p.kind != "content" {
		p.breakLine()
		p.kind = "content"
	}
	fmt.Print(delta)
}

// toolCalls receives the cumulative call list; only calls not yet announced
// are printed.
func (p *turnPrinter) toolCalls(callsJSON string) {
	var calls []host.ToolCall
	if err := json.Unmarshal([]byte(callsJSON), &calls); err != nil {
		return
	}
	if p.printedCalls > len(calls) {
		p.printedCalls = len(calls)
	}
	for _, call := range calls[p.printedCalls:] {
		p.breakLine()
		fmt.Printf("[tool] %s %s\n", call.Function.Name, call.Function.Arguments)
	}
	p.printedCalls = len(calls)
}

func (p *turnPrinter) toolResult(_, preview string) {
	p.breakLine()
	fmt.Println(preview)
}

func (p *turnPrinter) error(err error) {
	p.breakLine()
	fmt.Println("Error:", err)
}

func (p *turnPrinter) complete() {
	p.breakLine()
}

func waitStdIOInput(ctx context.Context) (string, error) {
	inputChan := make(chan string, 1)
	errsChan := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			inputChan <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			errsChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errsChan:
		return "", err
	case input := <-inputChan:
		return input, nil
	}
}
