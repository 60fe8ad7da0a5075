// Package telegram wraps the gotd MTProto client behind the narrow history
// capability the extractor consumes: resolve a source, fetch a page of
// history before a cursor.
package telegram

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/sync/errgroup"

	"github.com/mivori/tgarchive/internal/config"
)

// StopFunc disconnects the client and waits for its background loop to exit.
type StopFunc func() error

// Client is a gotd-backed Telegram client. It persists its session to a file
// so the interactive login is only required once.
type Client struct {
	client   *telegram.Client
	api      *tg.Client
	logger   *slog.Logger
	phone    string
	password string
}

// NewClient creates a Telegram client from API credentials. The session is
// stored at cfg.SessionFile.
func NewClient(cfg config.TelegramConfig, logger *slog.Logger) *Client {
	client := telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
	})
	return &Client{
		client:   client,
		api:      client.API(),
		logger:   logger.With("component", "telegram"),
		phone:    cfg.Phone,
		password: cfg.Password,
	}
}

// Connect starts the client's background connection loop, authenticates if
// the stored session is not yet authorized, and returns once the client is
// ready. The returned StopFunc must be called to disconnect.
func (c *Client) Connect(ctx context.Context) (StopFunc, error) {
	runCtx, cancel := context.WithCancel(ctx)
	g, gCtx := errgroup.WithContext(runCtx)

	ready := make(chan struct{})
	g.Go(func() error {
		return c.client.Run(runCtx, func(ctx context.Context) error {
			if err := c.client.Auth().IfNecessary(ctx, c.authFlow()); err != nil {
				return fmt.Errorf("authentication failed: %w", err)
			}
			c.logger.Info("Connected to Telegram")
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	})

	select {
	case <-ready:
	case <-gCtx.Done():
		cancel()
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("telegram client failed to start: %w", err)
		}
		return nil, errors.New("telegram client stopped during startup")
	}

	stop := func() error {
		cancel()
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		c.logger.Info("Telegram client disconnected")
		return nil
	}
	return stop, nil
}

func (c *Client) authFlow() auth.Flow {
	codePrompt := auth.CodeAuthenticatorFunc(func(_ context.Context, _ *tg.AuthSentCode) (string, error) {
		fmt.Print("Enter the login code sent to your Telegram account: ")
		code, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read login code: %w", err)
		}
		return strings.TrimSpace(code), nil
	})
	return auth.NewFlow(auth.Constant(c.phone, c.password, codePrompt), auth.SendCodeOptions{})
}

// ResolveSource resolves a public channel/group username to an input peer
// usable in history requests.
func (c *Client) ResolveSource(ctx context.Context, sourceID string) (tg.InputPeerClass, error) {
	resolved, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: sourceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source %q: %w", sourceID, err)
	}

	for _, chat := range resolved.Chats {
		if channel, ok := chat.(*tg.Channel); ok {
			return &tg.InputPeerChannel{
				ChannelID:  channel.ID,
				AccessHash: channel.AccessHash,
			}, nil
		}
	}
	for _, u := range resolved.Users {
		if user, ok := u.(*tg.User); ok {
			return &tg.InputPeerUser{
				UserID:     user.ID,
				AccessHash: user.AccessHash,
			}, nil
		}
	}
	return nil, fmt.Errorf("source %q resolved to no usable peer", sourceID)
}

// FetchPage requests up to limit messages older than offsetID, newest first.
// offsetID 0 starts from the most recent message. Rate-limit errors from the
// server pass through unchanged so the caller can honor the mandated wait.
func (c *Client) FetchPage(ctx context.Context, peer tg.InputPeerClass, offsetID, limit int) ([]tg.MessageClass, error) {
	history, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: offsetID,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}

	modified, ok := history.AsModified()
	if !ok {
		return nil, fmt.Errorf("unexpected history response %T", history)
	}
	return modified.GetMessages(), nil
}
