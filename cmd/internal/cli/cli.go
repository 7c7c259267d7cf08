// Package cli is the terminal chat client: it signs a user in, opens or joins
// a room, prints incoming messages and sends typed lines. /away and /back drive
// presence like an app moving to the background and foreground.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"duochat/cmd/identity"
	"duochat/cmd/internal/docstore"
	"duochat/cmd/internal/presence"
	"duochat/cmd/internal/realtime"

	"golang.org/x/sync/errgroup"
)

const helpText = "commands: /room  /away  /back  /quit  (anything else is sent)"

// Run executes one chat session until ctx ends, input ends or /quit.
func Run(ctx context.Context, cfg Config, in io.Reader, out io.Writer, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	ident := identity.NewSession()
	if err := ident.SignIn(cfg.UserID); err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	sess, err := realtime.NewSession(realtime.Config{Store: st, Identity: ident, Log: log})
	if err != nil {
		return err
	}
	defer func() { _ = sess.Stop() }()

	if cfg.JoinRoom != "" {
		err = sess.Join(ctx, cfg.JoinRoom, cfg.JoinConversation)
	} else {
		err = sess.Start(ctx)
	}
	if err != nil {
		return err
	}
	conv := sess.Conversation()
	fmt.Fprintf(out, "room %s/%s (share with -join)\n%s\n", conv.RoomID, conv.ConversationID, helpText)

	tracker := presence.NewTracker(st, ident, log)
	signals := presence.NewSignals(4)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := tracker.Run(gctx, signals.C())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error { return printUpdates(gctx, sess, out) })
	g.Go(func() error {
		defer cancel()
		return readInput(gctx, in, out, sess, signals)
	})

	if _, err := signals.Notify(gctx, presence.Foreground); err != nil {
		log.Warn("presence.notify.fail", "err", err)
	}

	err = g.Wait()
	signals.Close()

	// Leaving the client is the final background transition.
	offCtx, offCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer offCancel()
	_ = tracker.OnBackground(offCtx)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore(ctx context.Context, cfg Config, log *slog.Logger) (docstore.Store, error) {
	if cfg.GatewayURL == "" {
		log.Info("store.open", "backend", "memory")
		return docstore.NewMemoryStore(), nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	rs, err := docstore.DialRemote(dialCtx, cfg.GatewayURL, docstore.RemoteOptions{
		UserID: cfg.UserID,
		Token:  cfg.Token,
		Origin: cfg.Origin,
		Log:    log,
	})
	if err != nil {
		return nil, err
	}
	log.Info("store.open", "backend", "remote", "session_id", rs.SessionID())
	return rs, nil
}

func printUpdates(ctx context.Context, sess *realtime.Session, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-sess.Updates():
			if !ok {
				if err := sess.Err(); err != nil {
					return err
				}
				return context.Canceled
			}
			m := u.Added
			marker := ""
			if !u.IsNewestAppended {
				marker = " (earlier)"
			}
			fmt.Fprintf(out, "[%s] %s: %s%s\n", m.SentAt.Local().Format("15:04:05"), m.SenderID, m.Content, marker)
		}
	}
}

func readInput(ctx context.Context, in io.Reader, out io.Writer, sess *realtime.Session, signals *presence.Signals) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
			case "/quit":
				return nil
			case "/away":
				_, _ = signals.Notify(ctx, presence.Background)
			case "/back":
				_, _ = signals.Notify(ctx, presence.Foreground)
			case "/room":
				c := sess.Conversation()
				fmt.Fprintf(out, "room %s/%s full=%v\n", c.RoomID, c.ConversationID, c.IsFull)
			case "/help":
				fmt.Fprintln(out, helpText)
			default:
				if err := sess.Send(ctx, line); err != nil {
					fmt.Fprintf(out, "send failed: %v\n", err)
				}
			}
		}
	}
}
