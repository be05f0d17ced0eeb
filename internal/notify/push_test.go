package notify

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sub(endpoint string) Subscription {
	return Subscription{Endpoint: endpoint, Keys: SubscriptionKeys{P256DH: "p256", Auth: "auth"}}
}

func TestSubscriptionStore(t *testing.T) {
	s := NewSubscriptionStore(filepath.Join(t.TempDir(), "subs.json"))

	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, s.Upsert(Subscription{Endpoint: "https://push.example/x"}), ErrInvalidSubscription)

	require.NoError(t, s.Upsert(sub(" https://push.example/a ")))
	require.NoError(t, s.Upsert(sub("https://push.example/b")))
	require.NoError(t, s.SetFocus("https://push.example/a", true))

	// Re-subscribing without a focus state keeps the known one.
	require.NoError(t, s.Upsert(sub("https://push.example/a")))
	list, err = s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "https://push.example/a", list[0].Endpoint)
	require.NotNil(t, list[0].ClientFocused)
	assert.True(t, *list[0].ClientFocused)

	require.NoError(t, s.Remove("https://push.example/a"))
	list, _ = s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "https://push.example/b", list[0].Endpoint)
}

func TestEnsureVAPIDKeysPersists(t *testing.T) {
	dir := t.TempDir()
	pub, priv, generated, err := EnsureVAPIDKeys(dir, "mailto:ops@example.com")
	require.NoError(t, err)
	assert.True(t, generated)
	assert.NotEmpty(t, pub)
	assert.NotEmpty(t, priv)

	pub2, priv2, generated, err := EnsureVAPIDKeys(dir, "mailto:ops@example.com")
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, pub, pub2)
	assert.Equal(t, priv, priv2)

	info, err := os.Stat(filepath.Join(dir, vapidKeysFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestPushSenderPrunesGoneEndpoints(t *testing.T) {
	p, err := NewPushSender(t.TempDir(), "mailto:ops@example.com")
	require.NoError(t, err)

	focused := true
	gone := sub("https://push.example/gone")
	live := sub("https://push.example/live")
	quiet := sub("https://push.example/focused")
	quiet.ClientFocused = &focused
	flaky := sub("https://push.example/flaky")
	for _, s := range []Subscription{gone, live, quiet, flaky} {
		require.NoError(t, p.Subscriptions().Upsert(s))
	}

	var delivered []string
	p.deliver = func(_ context.Context, _ []byte, s Subscription) (int, error) {
		delivered = append(delivered, s.Endpoint)
		switch s.Endpoint {
		case gone.Endpoint:
			return http.StatusGone, errors.New("push gateway status 410")
		case flaky.Endpoint:
			return http.StatusInternalServerError, errors.New("push gateway status 500")
		}
		return http.StatusCreated, nil
	}

	err = p.Send(context.Background(), Notification{AgentID: "a1", Kind: KindComplete, Title: "done"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push.example/...")
	assert.ElementsMatch(t, []string{gone.Endpoint, live.Endpoint, flaky.Endpoint}, delivered)

	list, err := p.Subscriptions().List()
	require.NoError(t, err)
	var endpoints []string
	for _, s := range list {
		endpoints = append(endpoints, s.Endpoint)
	}
	assert.ElementsMatch(t, []string{live.Endpoint, quiet.Endpoint, flaky.Endpoint}, endpoints)
}

func TestEndpointForLog(t *testing.T) {
	assert.Equal(t, "https://fcm.googleapis.com/...", endpointForLog("https://fcm.googleapis.com/fcm/send/abc123"))
	assert.Equal(t, "opaque", endpointForLog("opaque"))
}
