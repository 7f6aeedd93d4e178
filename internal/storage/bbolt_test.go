package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"chatter/internal/models"
	"chatter/internal/provider"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"), NewFeed(16, nil))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func nextChange(t *testing.T, s provider.Stream) provider.Change {
	t.Helper()
	select {
	case c, ok := <-s.Changes():
		if !ok {
			t.Fatalf("stream closed: %v", s.Err())
		}
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
	return provider.Change{}
}

func TestStorage(t *testing.T) {
	store := newTestStorage(t)

	alice, err := store.CreateUser("alice")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	bob, err := store.CreateUser("bob")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	carol, err := store.CreateUser("carol")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	t.Run("Users", func(t *testing.T) {
		if _, err := store.CreateUser("Alice"); err == nil {
			t.Error("expected duplicate username to be rejected")
		}

		u, err := store.SetUserStatus(alice.ID, models.PresenceOnline)
		if err != nil {
			t.Fatalf("SetUserStatus failed: %v", err)
		}
		if u.Status != models.PresenceOnline || u.LastSeen.IsZero() {
			t.Errorf("unexpected user after status change: %+v", u)
		}

		if _, err := store.SetUserStatus(alice.ID, "away"); !errors.Is(err, models.ErrInvalidPresence) {
			t.Errorf("expected ErrInvalidPresence, got %v", err)
		}
		if _, err := store.GetUser("missing"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		users, err := store.ListUsers()
		if err != nil || len(users) != 3 {
			t.Fatalf("ListUsers = %d users, %v", len(users), err)
		}
	})

	general, err := store.CreateChannel("general", alice.ID)
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	if err := store.AddMember(general.ID, bob.ID); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}

	t.Run("Channels", func(t *testing.T) {
		channels, err := store.ListChannels(bob.ID)
		if err != nil || len(channels) != 1 || channels[0].Name != "general" {
			t.Fatalf("ListChannels = %+v, %v", channels, err)
		}
		if _, err := store.RenameChannel(general.ID, "town-square"); err != nil {
			t.Fatalf("RenameChannel failed: %v", err)
		}
		ch, err := store.GetChannel(general.ID)
		if err != nil || ch.Name != "town-square" {
			t.Errorf("GetChannel = %+v, %v", ch, err)
		}
		members, err := store.ListMembers(general.ID)
		if err != nil || len(members) != 2 {
			t.Errorf("ListMembers = %+v, %v", members, err)
		}
	})

	t.Run("Peers", func(t *testing.T) {
		if _, err := store.CreateDM(alice.ID, carol.ID); err != nil {
			t.Fatalf("CreateDM failed: %v", err)
		}
		again, err := store.CreateDM(carol.ID, alice.ID)
		if err != nil {
			t.Fatalf("CreateDM failed: %v", err)
		}
		dms, _ := store.ListDMs(alice.ID)
		if len(dms) != 1 || dms[0].ID != again.ID {
			t.Errorf("expected a single DM, got %+v", dms)
		}

		peers, err := store.ChannelPeers(alice.ID)
		if err != nil || len(peers) != 1 || peers[0].ID != bob.ID {
			t.Errorf("ChannelPeers = %+v, %v", peers, err)
		}
		peers, err = store.DMPeers(alice.ID)
		if err != nil || len(peers) != 1 || peers[0].ID != carol.ID {
			t.Errorf("DMPeers = %+v, %v", peers, err)
		}
	})

	t.Run("Messages", func(t *testing.T) {
		if _, err := store.PostMessage(models.Message{UserID: alice.ID, Content: "nowhere"}); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("expected ErrInvalidMessage, got %v", err)
		}

		root, err := store.PostMessage(models.Message{ChannelID: general.ID, UserID: alice.ID, Content: "hello"})
		if err != nil {
			t.Fatalf("PostMessage failed: %v", err)
		}
		reply, err := store.PostMessage(models.Message{ParentID: root.ID, UserID: bob.ID, Content: "hi"})
		if err != nil {
			t.Fatalf("PostMessage reply failed: %v", err)
		}
		if reply.ChannelID != general.ID || !reply.IsThreadReply {
			t.Errorf("reply should inherit the channel: %+v", reply)
		}
		if _, err := store.PostMessage(models.Message{ParentID: reply.ID, UserID: bob.ID}); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("expected nested reply to be rejected, got %v", err)
		}

		channelMsgs, _ := store.ListMessages(models.ChannelKey(general.ID))
		if len(channelMsgs) != 1 || channelMsgs[0].ID != root.ID {
			t.Errorf("channel view should hold only the root, got %+v", channelMsgs)
		}
		if channelMsgs[0].Sender == nil || channelMsgs[0].Sender.Username != "alice" {
			t.Errorf("expected joined sender, got %+v", channelMsgs[0].Sender)
		}
		threadMsgs, _ := store.ListMessages(models.ThreadKey(root.ID))
		if len(threadMsgs) != 2 {
			t.Errorf("thread view should hold root and reply, got %d", len(threadMsgs))
		}

		edited, err := store.EditMessage(root.ID, "hello!")
		if err != nil || edited.Content != "hello!" {
			t.Errorf("EditMessage = %+v, %v", edited, err)
		}

		added, err := store.ToggleReaction(root.ID, bob.ID, "+1")
		if err != nil || !added {
			t.Fatalf("ToggleReaction = %v, %v", added, err)
		}
		added, _ = store.ToggleReaction(root.ID, bob.ID, "+1")
		if added {
			t.Error("second toggle should remove the reaction")
		}
		rx, _ := store.ListReactions(root.ID)
		if len(rx) != 0 {
			t.Errorf("expected no reactions, got %+v", rx)
		}
	})

	t.Run("Attachments", func(t *testing.T) {
		msg, err := store.PostMessage(models.Message{ChannelID: general.ID, UserID: alice.ID, Content: "see file"})
		if err != nil {
			t.Fatal(err)
		}
		file, err := store.AddFile(models.File{Name: "cat.png", MimeType: "image/png", Size: 3, UserID: alice.ID})
		if err != nil {
			t.Fatalf("AddFile failed: %v", err)
		}
		att, err := store.AttachFile(msg.ID, file.ID)
		if err != nil {
			t.Fatalf("AttachFile failed: %v", err)
		}

		detail, err := store.GetAttachment(att.ID)
		if err != nil {
			t.Fatalf("GetAttachment failed: %v", err)
		}
		if !detail.Complete() {
			t.Fatalf("expected complete detail, got %+v", detail)
		}
		if detail.View().Name != "cat.png" {
			t.Errorf("unexpected view %+v", detail.View())
		}

		got, _ := store.GetMessage(msg.ID)
		if len(got.FileAttachments) != 1 || got.FileAttachments[0].ID != att.ID {
			t.Errorf("expected joined attachment, got %+v", got.FileAttachments)
		}

		if err := store.DeleteMessage(msg.ID); err != nil {
			t.Fatalf("DeleteMessage failed: %v", err)
		}
		if _, err := store.GetAttachment(att.ID); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("attachment should be removed with its message, got %v", err)
		}
	})

	t.Run("DeleteChannel", func(t *testing.T) {
		if err := store.DeleteChannel(general.ID); err != nil {
			t.Fatalf("DeleteChannel failed: %v", err)
		}
		channels, _ := store.ListChannels(alice.ID)
		if len(channels) != 0 {
			t.Errorf("expected no channels, got %+v", channels)
		}
	})
}

func TestStorage_ChangeFeed(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	alice, _ := store.CreateUser("alice")
	general, _ := store.CreateChannel("general", alice.ID)
	random, _ := store.CreateChannel("random", alice.ID)

	stream, err := store.Feed().Subscribe(ctx, "channel:"+general.ID,
		provider.Binding{Table: models.TableMessages, Column: "channel_id", Value: general.ID},
		provider.Binding{Table: models.TableReactions},
	)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = stream.Close() }()

	if _, err := store.PostMessage(models.Message{ChannelID: random.ID, UserID: alice.ID, Content: "elsewhere"}); err != nil {
		t.Fatal(err)
	}
	msg, err := store.PostMessage(models.Message{ChannelID: general.ID, UserID: alice.ID, Content: "here"})
	if err != nil {
		t.Fatal(err)
	}

	c := nextChange(t, stream)
	if c.Table != models.TableMessages || c.Op != models.OpInsert {
		t.Fatalf("unexpected change %s %s", c.Op, c.Table)
	}
	var got models.Message
	if err := c.Decode(&got); err != nil || got.ID != msg.ID {
		t.Fatalf("decoded %+v, %v", got, err)
	}

	if _, err := store.EditMessage(msg.ID, "edited"); err != nil {
		t.Fatal(err)
	}
	c = nextChange(t, stream)
	var prev models.Message
	if ok, err := c.DecodeOld(&prev); !ok || err != nil || prev.Content != "here" {
		t.Errorf("expected old row on update, got %+v (%v, %v)", prev, ok, err)
	}

	if _, err := store.ToggleReaction(msg.ID, alice.ID, "wave"); err != nil {
		t.Fatal(err)
	}
	if c = nextChange(t, stream); c.Table != models.TableReactions {
		t.Errorf("expected reaction change, got %s", c.Table)
	}

	if err := store.DeleteMessage(msg.ID); err != nil {
		t.Fatal(err)
	}
	c = nextChange(t, stream)
	if c.Table != models.TableMessages || c.Op != models.OpDelete {
		t.Errorf("expected message delete, got %s %s", c.Op, c.Table)
	}
	// The cascaded reaction delete follows.
	if c = nextChange(t, stream); c.Table != models.TableReactions || c.Op != models.OpDelete {
		t.Errorf("expected reaction delete, got %s %s", c.Op, c.Table)
	}

	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}
	if n := store.Feed().Size(); n != 0 {
		t.Errorf("expected closed subscription to be removed, %d left", n)
	}
}

func TestFeed_SlowConsumer(t *testing.T) {
	feed := NewFeed(1, nil)
	stream, err := feed.Subscribe(context.Background(), "users", provider.Binding{Table: models.TableUsers})
	if err != nil {
		t.Fatal(err)
	}

	row := []byte(`{"id":"u1"}`)
	feed.Publish(provider.Change{Table: models.TableUsers, Op: models.OpInsert, New: row})
	feed.Publish(provider.Change{Table: models.TableUsers, Op: models.OpUpdate, New: row})

	for range stream.Changes() {
	}
	if !errors.Is(stream.Err(), ErrSlowConsumer) {
		t.Errorf("expected ErrSlowConsumer, got %v", stream.Err())
	}
	if feed.Size() != 0 {
		t.Errorf("expected subscription to be dropped")
	}
}
