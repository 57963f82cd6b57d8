package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "history.db")

	store, err := Open(ctx, path)
	require.NoError(t, err)

	at := time.UnixMilli(1700000000000)
	require.NoError(t, store.Append(ctx, Message{SessionID: "s1", Role: RoleUser, Text: "hello", CreatedAt: at}))
	require.NoError(t, store.Append(ctx, Message{SessionID: "s2", Role: RoleUser, Text: "other"}))
	require.NoError(t, store.Append(ctx, Message{SessionID: "s1", Role: RoleAssistant, Text: "hi there"}))
	require.NoError(t, store.Close())

	store, err = Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	messages, err := store.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, RoleUser, messages[0].Role)
	require.Equal(t, "hello", messages[0].Text)
	require.True(t, at.Equal(messages[0].CreatedAt))
	require.Equal(t, RoleAssistant, messages[1].Role)
	require.Equal(t, "hi there", messages[1].Text)

	messages, err = store.List(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, messages)
}
