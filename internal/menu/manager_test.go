package menu_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kinkys/narrativecore/internal/docstore"
	"github.com/kinkys/narrativecore/internal/menu"
)

type fakeTransport struct {
	mu       sync.Mutex
	nextID   int
	sent     []string
	edited   []int
	deleted  []int
	editErr  error
}

func (f *fakeTransport) Send(ctx context.Context, chatID int64, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, text)
	return f.nextID, nil
}

func (f *fakeTransport) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edited = append(f.edited, messageID)
	return nil
}

func (f *fakeTransport) Delete(ctx context.Context, chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func TestManager_RenderMenuEditsExistingMainMenu(t *testing.T) {
	transport := &fakeTransport{}
	m := menu.New(transport, nil, nil)

	require.NoError(t, m.RenderMenu(context.Background(), 1, "hello"))
	require.NoError(t, m.RenderMenu(context.Background(), 1, "updated"))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.sent, 1)
	require.Len(t, transport.edited, 1)
}

func TestManager_RenderMenuFallsBackToSendOnEditFailure(t *testing.T) {
	transport := &fakeTransport{}
	m := menu.New(transport, nil, nil)

	require.NoError(t, m.RenderMenu(context.Background(), 1, "hello"))

	transport.mu.Lock()
	transport.editErr = context.DeadlineExceeded
	transport.mu.Unlock()

	require.NoError(t, m.RenderMenu(context.Background(), 1, "again"))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.sent, 2)
	require.Len(t, transport.deleted, 1)
}

func TestManager_SendEphemeralExpiresAfterTTL(t *testing.T) {
	transport := &fakeTransport{}
	m := menu.New(transport, nil, nil)

	require.NoError(t, m.SendEphemeral(context.Background(), 1, menu.KindLoading, "loading..."))
	time.Sleep(2100 * time.Millisecond)

	m.OnUserCommand(context.Background(), 1)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.deleted, 1)
}

func TestManager_OnUserCommandLeavesUnexpiredEphemerals(t *testing.T) {
	transport := &fakeTransport{}
	m := menu.New(transport, nil, nil)

	require.NoError(t, m.SendEphemeral(context.Background(), 1, menu.KindError, "oops"))
	m.OnUserCommand(context.Background(), 1)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.deleted, 0)
}

func TestManager_PersistsMessageTrackingToDocstore(t *testing.T) {
	dir := t.TempDir()
	docs, err := docstore.Open(filepath.Join(dir, "docstore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = docs.Close() })

	transport := &fakeTransport{}
	m := menu.New(transport, docs, nil)

	require.NoError(t, m.RenderMenu(context.Background(), 1, "hello"))
	require.NoError(t, m.SendEphemeral(context.Background(), 1, menu.KindLoading, "loading..."))

	doc, err := docs.GetDocument(context.Background(), "message_tracking", "1")
	require.NoError(t, err)
	require.Contains(t, string(doc.Body), `"has_main_menu":true`)
	require.Contains(t, string(doc.Body), `"kind":"loading"`)
}
