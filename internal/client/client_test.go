package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"chatter/internal/api"
	"chatter/internal/auth"
	"chatter/internal/ephemeral"
	"chatter/internal/filestore"
	chathttp "chatter/internal/http"
	"chatter/internal/models"
	"chatter/internal/presence"
	"chatter/internal/provider"
	"chatter/internal/realtime"
	"chatter/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 3 * time.Second

var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type testServer struct {
	api   *httptest.Server
	admin *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	db, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "chatter.db"), storage.NewFeed(64, nil))
	require.NoError(t, err)
	files, err := filestore.NewLocalFileStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)
	issuer, err := auth.NewIssuer(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte("test-secret")),
		TokenExpiry: time.Hour,
	})
	require.NoError(t, err)

	apiServer := chathttp.NewAPIServer(ctx, issuer, ephemeral.NewHub(0, nil), files, db, "", nil)
	adminServer := chathttp.NewAdminServer(issuer, db, "")

	ts := &testServer{
		api:   httptest.NewServer(apiServer.Handler()),
		admin: httptest.NewServer(adminServer.Handler()),
	}
	t.Cleanup(func() {
		cancel()
		ts.api.Close()
		ts.admin.Close()
		_ = db.Close()
	})
	return ts
}

func (ts *testServer) addUser(t *testing.T, username string) api.AddUserResponse {
	t.Helper()
	body, _ := json.Marshal(api.AddUserRequest{Username: username})
	resp, err := http.Post(ts.admin.URL+"/admin/users", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out api.AddUserResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	return out
}

func (ts *testServer) client(t *testing.T, token string) *Client {
	t.Helper()
	c, err := New(Config{
		ServerURL: ts.api.URL,
		Tokens:    provider.TokenFunc(func() string { return token }),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor[T any](t *testing.T, ch <-chan T, match func(T) bool) T {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case v, ok := <-ch:
			require.True(t, ok, "channel closed")
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for a matching value")
		}
	}
}

func TestClient_REST(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	alice := ts.addUser(t, "alice")
	bob := ts.addUser(t, "bob")
	c := ts.client(t, alice.Token)

	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", me.Username)

	ch, err := c.CreateChannel(ctx, "general")
	require.NoError(t, err)
	require.NoError(t, c.AddMember(ctx, ch.ID, bob.UserID))

	peers, err := c.ChannelPeers(ctx, alice.UserID)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "bob", peers[0].Username)

	// Registering bob opened a DM with alice.
	dms, err := c.ListDMs(ctx)
	require.NoError(t, err)
	assert.Len(t, dms, 1)

	msg, err := c.PostMessage(ctx, api.PostMessageRequest{ChannelID: ch.ID, Content: "hello <script>x</script>"})
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	require.NotNil(t, msg.Sender)
	assert.Equal(t, "alice", msg.Sender.Username)

	_, err = c.PostMessage(ctx, api.PostMessageRequest{ChannelID: ch.ID, Content: "   "})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)

	added, err := c.ToggleReaction(ctx, msg.ID, "wave")
	require.NoError(t, err)
	assert.True(t, added)

	list, err := c.ListMessages(ctx, models.ChannelKey(ch.ID))
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = c.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	t.Run("Files", func(t *testing.T) {
		f, err := c.UploadFile(ctx, "cat.png", bytes.NewReader(pngHeader))
		require.NoError(t, err)
		assert.Equal(t, "image/png", f.MimeType)

		withFile, err := c.PostMessage(ctx, api.PostMessageRequest{ChannelID: ch.ID, FileIDs: []string{f.ID}})
		require.NoError(t, err)
		require.Len(t, withFile.FileAttachments, 1)
		assert.Equal(t, "cat.png", withFile.FileAttachments[0].Name)

		rc, err := c.DownloadFile(ctx, f.ID)
		require.NoError(t, err)
		data, _ := io.ReadAll(rc)
		_ = rc.Close()
		assert.Equal(t, pngHeader, data)
	})

	t.Run("Unauthorized", func(t *testing.T) {
		bad := ts.client(t, "forged.token")
		_, err := bad.Me(ctx)
		assert.ErrorIs(t, err, ErrUnauthorized)
		_, err = bad.Subscribe(ctx, "users", provider.Binding{Table: models.TableUsers})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("Logoff", func(t *testing.T) {
		carol := ts.addUser(t, "carol")
		cc := ts.client(t, carol.Token)
		require.NoError(t, cc.Logoff(ctx))
		_, err := cc.Me(ctx)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestClient_RealtimeMessages(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	alice := ts.addUser(t, "alice")
	bob := ts.addUser(t, "bob")
	ac := ts.client(t, alice.Token)
	bc := ts.client(t, bob.Token)

	ch, err := ac.CreateChannel(ctx, "general")
	require.NoError(t, err)
	require.NoError(t, ac.AddMember(ctx, ch.ID, bob.UserID))

	reg := realtime.NewRegistry(ctx, ac, ac, nil, realtime.Config{UserID: alice.UserID})
	defer func() { _ = reg.Close() }()

	key := models.ChannelKey(ch.ID)
	h, err := reg.SubscribeMessages(ctx, key)
	require.NoError(t, err)

	root, err := bc.PostMessage(ctx, api.PostMessageRequest{ChannelID: ch.ID, Content: "hi alice"})
	require.NoError(t, err)

	ev := waitFor(t, h.Events(), func(ev models.Event) bool { return ev.Kind == models.EventNewMessage })
	assert.Equal(t, root.ID, ev.MessageID)
	assert.Equal(t, models.PlaceholderUsername, ev.Message.Sender.Username)

	ev = waitFor(t, h.Events(), func(ev models.Event) bool {
		return ev.Kind == models.EventMessageUpdated && ev.Patch.Sender != nil
	})
	assert.Equal(t, "bob", ev.Patch.Sender.Username)

	// Thread replies stay out of the channel stream.
	_, err = bc.PostMessage(ctx, api.PostMessageRequest{ParentID: root.ID, Content: "in thread"})
	require.NoError(t, err)
	_, err = bc.EditMessage(ctx, root.ID, "hi alice!")
	require.NoError(t, err)
	ev = waitFor(t, h.Events(), func(ev models.Event) bool {
		return ev.Kind == models.EventMessageUpdated && ev.Patch.Content != nil
	})
	assert.Equal(t, "hi alice!", *ev.Patch.Content)

	// Reactions go to the bus.
	reactions := make(chan models.Event, 4)
	reg.Bus().On("reactions:"+root.ID, func(ev models.Event) { reactions <- ev })
	_, err = bc.ToggleReaction(ctx, root.ID, "+1")
	require.NoError(t, err)
	ev = waitFor(t, reactions, func(models.Event) bool { return true })
	assert.Equal(t, models.EventReactionChange, ev.Kind)

	// Attachment added after posting arrives as a patch.
	f, err := bc.UploadFile(ctx, "notes.txt", bytes.NewReader([]byte("plain")))
	require.NoError(t, err)
	att, err := bc.AttachFile(ctx, root.ID, f.ID)
	require.NoError(t, err)
	ev = waitFor(t, h.Events(), func(ev models.Event) bool {
		return ev.Kind == models.EventMessageUpdated && len(ev.Patch.Attachments) == 1
	})
	assert.Equal(t, att.ID, ev.Patch.Attachments[0].ID)

	require.NoError(t, bc.DeleteAttachment(ctx, att.ID))
	ev = waitFor(t, h.Events(), func(ev models.Event) bool {
		return ev.Kind == models.EventMessageUpdated && len(ev.Patch.RemovedAttachmentIDs) == 1
	})
	assert.Equal(t, att.ID, ev.Patch.RemovedAttachmentIDs[0])

	require.NoError(t, bc.DeleteMessage(ctx, root.ID))
	ev = waitFor(t, h.Events(), func(ev models.Event) bool { return ev.Kind == models.EventMessageDeleted })
	assert.Equal(t, root.ID, ev.MessageID)
}

func TestClient_Typing(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	alice := ts.addUser(t, "alice")
	bob := ts.addUser(t, "bob")
	key := models.DMKey("d1")

	aliceClient := ts.client(t, alice.Token)
	aliceReg := realtime.NewRegistry(ctx, aliceClient, aliceClient, nil, realtime.Config{UserID: alice.UserID})
	defer func() { _ = aliceReg.Close() }()
	bobClient := ts.client(t, bob.Token)
	bobReg := realtime.NewRegistry(ctx, bobClient, bobClient, nil, realtime.Config{UserID: bob.UserID})
	defer func() { _ = bobReg.Close() }()

	ah, err := aliceReg.SubscribeTyping(ctx, key)
	require.NoError(t, err)
	bh, err := bobReg.SubscribeTyping(ctx, key)
	require.NoError(t, err)

	require.NoError(t, bh.Start(ctx, models.User{ID: bob.UserID, Username: "bob"}))
	typists := waitFor(t, ah.Updates(), func(list []models.Typist) bool { return len(list) == 1 })
	assert.Equal(t, "bob", typists[0].Username)

	require.NoError(t, bh.Stop(ctx))
	waitFor(t, ah.Updates(), func(list []models.Typist) bool { return len(list) == 0 })
}

func TestClient_PresencePipeline(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	alice := ts.addUser(t, "alice")

	session := auth.NewSession()
	c, err := New(Config{ServerURL: ts.api.URL, Tokens: session})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	pipe := presence.New(c, session, presence.Config{})
	session.Notify(pipe)

	// Queued until the session logs in.
	require.NoError(t, pipe.SetPresence(ctx, models.PresenceOnline))
	pending, ok := pipe.Pending()
	require.True(t, ok)
	assert.Equal(t, models.PresenceOnline, pending)

	require.NoError(t, session.Login(ctx, alice.Token))
	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, me.Status)

	require.NoError(t, pipe.SetPresence(ctx, models.PresenceIdle))
	me, _ = c.Me(ctx)
	assert.Equal(t, models.PresenceIdle, me.Status)

	// Logging out publishes offline with the token that is about to be dropped.
	require.NoError(t, session.Logout(ctx))
	observer := ts.client(t, alice.Token)
	me, err = observer.GetUser(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOffline, me.Status)
}

func TestClient_RelayLoss(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	alice := ts.addUser(t, "alice")
	c := ts.client(t, alice.Token)

	stream, err := c.Subscribe(ctx, "users", provider.Binding{Table: models.TableUsers})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	for range stream.Changes() {
	}
	assert.True(t, errors.Is(stream.Err(), ErrRelayFinished))

	// The next subscription dials a fresh connection.
	again, err := c.Subscribe(ctx, "users", provider.Binding{Table: models.TableUsers})
	require.NoError(t, err)
	_ = again.Close()
}
