// Package main is the entry point for session-watch, a command line session
// that connects the engine to a support backend and logs what it sees.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/support-session/internal/config"
	"github.com/capitalize-ai/support-session/internal/engine"
	"github.com/capitalize-ai/support-session/internal/model"
	natsclient "github.com/capitalize-ai/support-session/internal/nats"
	"github.com/capitalize-ai/support-session/internal/restapi"
	"github.com/capitalize-ai/support-session/internal/store"
	"github.com/capitalize-ai/support-session/internal/transport"
	"github.com/capitalize-ai/support-session/pkg/logger"
	"github.com/capitalize-ai/support-session/pkg/tracing"
)

type watchOptions struct {
	conversationID string
	message        string
}

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts watchOptions
	rootCmd := &cobra.Command{
		Use:   "session-watch",
		Short: "Run a support chat session against a backend and log its updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), cfg, log, opts)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&opts.conversationID, "conversation", "c", "", "Conversation to select (defaults to the newest)")
	rootCmd.Flags().StringVarP(&opts.message, "message", "m", "", "Message to send once connected")

	var (
		replayConversation string
		replayAfter        uint64
		replayLimit        int
	)
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Print journaled session updates of a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), cfg, log, replayConversation, replayAfter, replayLimit)
		},
		SilenceUsage: true,
	}
	replayCmd.Flags().StringVarP(&replayConversation, "conversation", "c", "", "Conversation to replay")
	replayCmd.Flags().Uint64Var(&replayAfter, "after", 0, "Replay after this stream sequence")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 100, "Maximum number of records")
	_ = replayCmd.MarkFlagRequired("conversation")
	rootCmd.AddCommand(replayCmd)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error("session-watch failed", zap.Error(err))
		os.Exit(1)
	}
}

func runSession(ctx context.Context, cfg *config.Config, log *logger.Logger, opts watchOptions) error {
	log = log.Session(cfg.TenantID, cfg.SessionID)
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "session-watch", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	bridge := transport.New(transport.Config{
		URL:              cfg.SocketURL,
		Token:            cfg.AccessToken,
		TenantID:         cfg.TenantID,
		SessionID:        cfg.SessionID,
		AuthTimeout:      cfg.AuthTimeout,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
	}, log)
	rest := restapi.New(cfg.APIBaseURL, cfg.AccessToken, log)
	eng := engine.New(cfg.Engine(), bridge, rest, log)
	st := eng.Store()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return watch(ctx, st, log) })

	if cfg.JournalEnabled {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()
		if err := natsclient.EnsureStream(ctx, nc.JetStream()); err != nil {
			return fmt.Errorf("failed to ensure stream: %w", err)
		}
		journal := natsclient.NewJournal(nc.JetStream(), cfg.TenantID, cfg.SessionID, st, log)
		updates := st.Subscribe(ctx)
		g.Go(func() error { return journal.Run(ctx, updates) })
	}

	g.Go(func() error {
		if err := eng.LoadConversations(ctx); err != nil {
			return err
		}
		id := opts.conversationID
		if id == "" {
			list := st.List()
			if len(list) == 0 {
				log.Warn("no conversations to select")
				return nil
			}
			id = list[0].ID
		}
		if err := st.SelectConversation(id); err != nil {
			return err
		}
		if opts.message == "" {
			return nil
		}
		if err := waitConnected(ctx, st); err != nil {
			return err
		}
		localID, err := st.AppendOptimisticMessage(id, opts.message, model.RoleUser, "")
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		log.Info("message sent", zap.String("conversation_id", id), zap.String("local_id", localID))
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func waitConnected(ctx context.Context, st *store.Store) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !st.Connection().Connected {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// watch logs every store update with the state it produced.
func watch(ctx context.Context, st *store.Store, log *logger.Logger) error {
	for u := range st.Subscribe(ctx) {
		fields := []zap.Field{
			zap.Uint64("seq", u.Seq),
			zap.String("kind", string(u.Kind)),
		}
		if u.ConversationID != "" {
			fields = append(fields, zap.String("conversation_id", u.ConversationID))
			if status, ok := st.GetStatus(u.ConversationID); ok {
				fields = append(fields, zap.String("status", string(status.Status)))
			}
			if msgs := st.Messages(u.ConversationID); len(msgs) > 0 {
				last := msgs[len(msgs)-1]
				fields = append(fields,
					zap.Int("messages", len(msgs)),
					zap.String("last_sender", string(last.Sender)),
					zap.String("last_content", last.Content),
				)
			}
			if typing := st.GetTypingState(u.ConversationID); typing.IsTyping {
				fields = append(fields, zap.Int("typing", len(typing.Participants)))
			}
		} else {
			conn := st.Connection()
			fields = append(fields, zap.Bool("connected", conn.Connected), zap.String("warning", conn.Warning))
		}
		log.Info("session update", fields...)
	}
	return nil
}

func runReplay(ctx context.Context, cfg *config.Config, log *logger.Logger, conversationID string, after uint64, limit int) error {
	nc, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	records, last, more, err := natsclient.Replay(ctx, nc.JetStream(), cfg.TenantID, conversationID, after, limit)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, rec := range records {
		if err := enc.Encode(struct {
			StreamSeq uint64 `json:"stream_seq"`
			natsclient.Record
		}{rec.StreamSeq, rec}); err != nil {
			return err
		}
	}
	log.Info("replay finished",
		zap.Int("records", len(records)),
		zap.Uint64("last_sequence", last),
		zap.Bool("more", more),
	)
	return nil
}
