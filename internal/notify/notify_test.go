package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTelegramRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewTelegram("", "42", zap.NewNop())
	require.Error(t, err)

	_, err = NewTelegram("bot-token", "", zap.NewNop())
	require.Error(t, err)
}

func TestTelegramSendsMessage(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotPath, gotChatID, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		gotPath = r.URL.Path
		gotChatID = r.PostFormValue("chat_id")
		gotText = r.PostFormValue("text")
		mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg, err := NewTelegram("bot-token", "42", zap.NewNop(), WithAPIBase(srv.URL))
	require.NoError(t, err)

	tg.Notify(context.Background(), "single restock: Space Molly")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/botbot-token/sendMessage", gotPath)
	assert.Equal(t, "42", gotChatID)
	assert.Equal(t, "single restock: Space Molly", gotText)
}

func TestTelegramSwallowsAPIFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"ok":false,"description":"chat not found"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	core, logs := observer.New(zap.ErrorLevel)
	tg, err := NewTelegram("bot-token", "42", zap.New(core), WithAPIBase(srv.URL))
	require.NoError(t, err)

	tg.Notify(context.Background(), "hello")

	require.Equal(t, 1, logs.Len(), "failures are logged, not returned")
	entry := logs.All()[0]
	assert.Contains(t, entry.Message, "notification failed")
}

func TestTelegramSwallowsTransportFailure(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	tg, err := NewTelegram("bot-token", "42", zap.New(core), WithAPIBase("http://127.0.0.1:1"))
	require.NoError(t, err)

	tg.Notify(context.Background(), "hello")
	require.Equal(t, 1, logs.Len())
}

func TestLogNotifierRecordsMessage(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	NewLog(zap.New(core)).Notify(context.Background(), "whole set restock: Dimoo")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "whole set restock: Dimoo",
		logs.All()[0].ContextMap()["text"])
}
