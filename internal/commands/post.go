package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"chatter/internal/api"
	"chatter/internal/config"
	"chatter/internal/models"
	"chatter/internal/realtime"
)

// Post sends a message to a conversation, optionally with a file attached.
// Typing is signalled to the conversation while the message is being sent.
func Post(ctx context.Context, cfg *config.Config, logger *slog.Logger, conversation, text, file string, out io.Writer) error {
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

	typing, err := reg.SubscribeTyping(ctx, key)
	if err != nil {
		return err
	}
	typer := realtime.NewTyper(typing, s.me, cfg.TypingIdle.Duration)
	if err := typer.Keystroke(ctx); err != nil {
		logger.Warn("typing signal failed", "error", err)
	}
	defer func() { _ = typer.Stop(context.WithoutCancel(ctx)) }()

	req := api.PostMessageRequest{Content: text}
	switch key.Kind() {
	case models.KindChannel:
		req.ChannelID = key.ID()
	case models.KindDM:
		req.DMID = key.ID()
	case models.KindThread:
		req.ParentID = key.ID()
	}

	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		uploaded, err := s.client.UploadFile(ctx, filepath.Base(file), f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", file, err)
		}
		req.FileIDs = append(req.FileIDs, uploaded.ID)
	}

	msg, err := s.client.PostMessage(ctx, req)
	if err != nil {
		return err
	}
	if err := typer.Stop(ctx); err != nil {
		logger.Debug("typing stop failed", "error", err)
	}
	printMessage(out, msg)
	return nil
}
