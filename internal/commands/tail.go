package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"chatter/internal/config"
	"chatter/internal/models"
	"chatter/internal/realtime"
	"chatter/internal/view"
)

// Tail prints the history of a conversation and then follows it live: new,
// edited and deleted messages, reactions, typing and the presence of peers.
func Tail(ctx context.Context, cfg *config.Config, logger *slog.Logger, conversation string, out io.Writer) error {
	key, err := models.ParseConversationKey(conversation)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	reg := s.registry(ctx, logger)
	defer func() { _ = reg.Close() }()

	history, err := s.client.ListMessages(ctx, key)
	if err != nil {
		return err
	}
	list := view.NewMessageList(key, history...)

	reactions := make(chan models.Event, 64)
	watchReactions := func(messageID string) {
		reg.Bus().On(realtime.ReactionTopic(messageID), func(ev models.Event) {
			select {
			case reactions <- ev:
			default:
			}
		})
	}
	for _, m := range list.Messages() {
		printMessage(out, m)
		watchReactions(m.ID)
	}

	messages, err := reg.SubscribeMessages(ctx, key)
	if err != nil {
		return err
	}
	typing, err := reg.SubscribeTyping(ctx, key)
	if err != nil {
		return err
	}
	watch, err := reg.SubscribeUserPresence(ctx)
	if err != nil {
		return err
	}
	defer watch.Unsubscribe()
	lists, err := reg.SubscribeChannelList(ctx)
	if err != nil {
		return err
	}

	display := view.NewTypingDisplay(cfg.TypingExpiry.Duration)
	defer display.Close()

	typingUpdates := typing.Updates()
	presenceUpdates := watch.Updates()
	listEvents := lists.Events()
	label := ""
	showTyping := func() {
		if l := display.Label(); l != label {
			label = l
			if l == "" {
				l = "nobody is typing"
			}
			_, _ = fmt.Fprintf(out, "* %s\n", l)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-messages.Events():
			if !ok {
				return messages.Err()
			}
			list.Apply(ev)
			switch ev.Kind {
			case models.EventNewMessage:
				printMessage(out, *ev.Message)
				watchReactions(ev.MessageID)
			case models.EventMessageUpdated:
				if m, ok := list.Get(ev.MessageID); ok {
					_, _ = fmt.Fprint(out, "~ ")
					printMessage(out, m)
				}
			case models.EventMessageDeleted:
				_, _ = fmt.Fprintf(out, "- message %s deleted\n", ev.MessageID)
			}

		case ev := <-reactions:
			if r := ev.Reaction; r != nil {
				verb := "reacted"
				if r.Op == models.OpDelete {
					verb = "removed reaction"
				}
				_, _ = fmt.Fprintf(out, "  %s %s %s on %s\n", r.Reaction.UserID, verb, r.Reaction.Emoji, r.MessageID)
			}

		case typists, ok := <-typingUpdates:
			if !ok {
				typingUpdates = nil
				continue
			}
			display.Update(typists)
			showTyping()

		case <-display.Changed():
			showTyping()

		case p, ok := <-presenceUpdates:
			if !ok {
				presenceUpdates = nil
				continue
			}
			_, _ = fmt.Fprintf(out, "@ %s is %s\n", p.UserID, p.Status)

		case le, ok := <-listEvents:
			if !ok {
				listEvents = nil
				continue
			}
			_, _ = fmt.Fprintf(out, "# %s changed (%s %s)\n", le.List, le.Table, le.Op)
		}
	}
}

func printMessage(out io.Writer, m models.Message) {
	sender := m.UserID
	if m.Sender != nil {
		sender = m.Sender.Username
	}
	_, _ = fmt.Fprintf(out, "[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), sender, m.Content)
	for _, a := range m.FileAttachments {
		_, _ = fmt.Fprintf(out, " [%s]", a.Name)
	}
	_, _ = fmt.Fprintln(out)
}
