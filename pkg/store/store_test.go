package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/MegaGrindStone/go-mcp-agent/pkg/host"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStore_CreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "Trip planning")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("created conversation has no id")
	}
	if conv.CurrentNode != "" {
		t.Errorf("new conversation current node = %q, want empty", conv.CurrentNode)
	}

	got, err := store.Conversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Title != "Trip planning" {
		t.Errorf("title = %q, want %q", got.Title, "Trip planning")
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Errorf("timestamps not stored: %+v", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.Conversation(context.Background(), "nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("get missing conversation error = %v, want sql.ErrNoRows", err)
	}
}

func TestStore_AppendAdvancesCurrentNode(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "chat")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	m1, err := store.AppendMessage(ctx, conv.ID, "", Message{Role: "user", Content: "hi"})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	m2, err := store.AppendMessage(ctx, conv.ID, m1.ID, Message{Role: "assistant", Content: "hello"})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	m3, err := store.AppendMessage(ctx, conv.ID, m2.ID, Message{Role: "user", Content: "how are you?"})
	if err != nil {
		t.Fatalf("append third: %v", err)
	}

	got, err := store.Conversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.CurrentNode != m3.ID {
		t.Errorf("current node = %q, want %q", got.CurrentNode, m3.ID)
	}

	msgs, err := store.ConversationMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("conversation messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	wantContents := []string{"hi", "hello", "how are you?"}
	for i, want := range wantContents {
		if msgs[i].Content != want {
			t.Errorf("msgs[%d].Content = %q, want %q", i, msgs[i].Content, want)
		}
	}
	if msgs[0].ParentID != "" {
		t.Errorf("root parent = %q, want empty", msgs[0].ParentID)
	}
	if msgs[2].ParentID != m2.ID {
		t.Errorf("third parent = %q, want %q", msgs[2].ParentID, m2.ID)
	}
}

func TestStore_BranchSwitch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "chat")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	m1, err := store.AppendMessage(ctx, conv.ID, "", Message{Role: "user", Content: "question"})
	if err != nil {
		t.Fatalf("append question: %v", err)
	}
	m2, err := store.AppendMessage(ctx, conv.ID, m1.ID, Message{Role: "assistant", Content: "first answer"})
	if err != nil {
		t.Fatalf("append first answer: %v", err)
	}

	// A regeneration branches off the same question.
	m3, err := store.AppendMessage(ctx, conv.ID, m1.ID, Message{Role: "assistant", Content: "second answer"})
	if err != nil {
		t.Fatalf("append second answer: %v", err)
	}

	msgs, err := store.ConversationMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("conversation messages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].ID != m3.ID {
		t.Fatalf("active branch = %+v, want question then second answer", msgs)
	}

	// Switching back reactivates the first branch.
	if err := store.UpdateCurrentNode(ctx, conv.ID, m2.ID); err != nil {
		t.Fatalf("update current node: %v", err)
	}
	msgs, err = store.ConversationMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("conversation messages after switch: %v", err)
	}
	if len(msgs) != 2 || msgs[1].ID != m2.ID {
		t.Fatalf("active branch after switch = %+v, want question then first answer", msgs)
	}
	if msgs[1].Content != "first answer" {
		t.Errorf("branch tip content = %q, want %q", msgs[1].Content, "first answer")
	}
}

func TestStore_ToolCallsRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "chat")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	calls := []host.ToolCall{{
		ID:   "call_1",
		Type: "function",
		Function: host.FunctionCall{
			Name:      "search",
			Arguments: `{"q":"go"}`,
		},
	}}
	m1, err := store.AppendMessage(ctx, conv.ID, "", Message{Role: "assistant", ToolCalls: calls})
	if err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	_, err = store.AppendMessage(ctx, conv.ID, m1.ID, Message{Role: "tool", Content: "results", ToolCallID: "call_1"})
	if err != nil {
		t.Fatalf("append tool: %v", err)
	}

	msgs, err := store.ConversationMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("conversation messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if len(msgs[0].ToolCalls) != 1 {
		t.Fatalf("stored %d tool calls, want 1", len(msgs[0].ToolCalls))
	}
	call := msgs[0].ToolCalls[0]
	if call.ID != "call_1" || call.Function.Name != "search" || call.Function.Arguments != `{"q":"go"}` {
		t.Errorf("tool call = %+v, want the stored call back", call)
	}
	if msgs[1].ToolCallID != "call_1" {
		t.Errorf("tool call id = %q, want call_1", msgs[1].ToolCallID)
	}
	if msgs[1].ToolCalls != nil {
		t.Errorf("tool message carries calls: %+v", msgs[1].ToolCalls)
	}
}

func TestStore_AppendToMissingConversation(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.AppendMessage(context.Background(), "nope", "", Message{Role: "user", Content: "hi"})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("append to missing conversation error = %v, want sql.ErrNoRows", err)
	}
}

func TestStore_AppendWithMissingParent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "chat")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	_, err = store.AppendMessage(ctx, conv.ID, "ghost", Message{Role: "user", Content: "hi"})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("append with missing parent error = %v, want sql.ErrNoRows", err)
	}

	// The failed append must not move the current node.
	got, err := store.Conversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.CurrentNode != "" {
		t.Errorf("current node = %q after failed append, want empty", got.CurrentNode)
	}
}

func TestStore_UpdateCurrentNodeRejectsForeignNode(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	convA, err := store.CreateConversation(ctx, "a")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	convB, err := store.CreateConversation(ctx, "b")
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	msg, err := store.AppendMessage(ctx, convB.ID, "", Message{Role: "user", Content: "hi"})
	if err != nil {
		t.Fatalf("append to b: %v", err)
	}

	err = store.UpdateCurrentNode(ctx, convA.ID, msg.ID)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("cross-conversation switch error = %v, want sql.ErrNoRows", err)
	}
}

func TestStore_EmptyConversationMessages(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "chat")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	msgs, err := store.ConversationMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("conversation messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages from an empty conversation, want 0", len(msgs))
	}
}

func TestStore_ConversationsOrdering(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	convA, err := store.CreateConversation(ctx, "older")
	if err != nil {
		t.Fatalf("create older: %v", err)
	}
	convB, err := store.CreateConversation(ctx, "newer")
	if err != nil {
		t.Fatalf("create newer: %v", err)
	}

	// Appending bumps the older conversation to the top of the list.
	if _, err := store.AppendMessage(ctx, convA.ID, "", Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	convs, err := store.Conversations(ctx)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != convA.ID || convs[1].ID != convB.ID {
		t.Errorf("order = %q, %q, want the recently touched conversation first", convs[0].Title, convs[1].Title)
	}
}

func TestStore_Rename(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "untitled")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	if err := store.RenameConversation(ctx, conv.ID, "Weather deep dive"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, err := store.Conversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Title != "Weather deep dive" {
		t.Errorf("title = %q, want the new one", got.Title)
	}

	if err := store.RenameConversation(ctx, "nope", "x"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("rename missing conversation error = %v, want sql.ErrNoRows", err)
	}
}

func TestStore_Delete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "doomed")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := store.AppendMessage(ctx, conv.ID, "", Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := store.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := store.Conversation(ctx, conv.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("get deleted conversation error = %v, want sql.ErrNoRows", err)
	}

	var remaining int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&remaining); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if remaining != 0 {
		t.Errorf("%d messages survived the delete, want 0", remaining)
	}

	if err := store.DeleteConversation(ctx, conv.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("double delete error = %v, want sql.ErrNoRows", err)
	}
}
