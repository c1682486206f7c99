package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/agentchat/internal/model/chat"
)

func TestCreateRequiresAgent(t *testing.T) {
	svc := NewService()
	_, err := svc.Create(context.Background(), "")
	require.ErrorIs(t, err, ErrAgentRequired)
}

func TestTurnLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := NewService()

	conv, err := svc.Create(ctx, "agent-1")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	require.False(t, svc.IsAborted(conv.ID))

	require.NoError(t, svc.StartTurn(ctx, conv.ID, "hello"))
	require.NoError(t, svc.Abort(ctx, conv.ID))
	require.True(t, svc.IsAborted(conv.ID))

	require.NoError(t, svc.StartTurn(ctx, conv.ID, "again"))
	require.False(t, svc.IsAborted(conv.ID))

	require.NoError(t, svc.AppendMessage(ctx, conv.ID, chat.AssistantMessage("hi")))

	transcript, err := svc.Transcript(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, []chat.Message{
		chat.UserMessage("hello"),
		chat.UserMessage("again"),
		chat.AssistantMessage("hi"),
	}, transcript)

	transcript[0].Content = "mutated"
	again, err := svc.Transcript(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, "hello", again[0].Content)
}

func TestUnknownConversation(t *testing.T) {
	ctx := context.Background()
	svc := NewService()

	_, err := svc.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, svc.StartTurn(ctx, "missing", "x"), ErrNotFound)
	require.ErrorIs(t, svc.Abort(ctx, "missing"), ErrNotFound)
	require.ErrorIs(t, svc.AppendMessage(ctx, "missing", chat.UserMessage("x")), ErrNotFound)
	require.True(t, svc.IsAborted("missing"))

	_, err = svc.Transcript(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
