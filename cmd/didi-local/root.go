package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"didi-voice/internal/catalog"
	"didi-voice/internal/conversation"
	"didi-voice/internal/domain"
	"didi-voice/internal/integrations/gemini"
	"didi-voice/internal/repository"
	"didi-voice/internal/usecase"
)

// options are the flags shared by every subcommand.
type options struct {
	addr         string
	dbPath       string
	catalogPath  string
	model        string
	baseURL      string
	defaultTopic string
	idleTTL      time.Duration
	verbose      bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "didi-local",
		Short: "Run the Didi voice conversation service on this machine",
		Long: `didi-local runs the Didi session service outside Lambda.

Sessions are kept in a local SQLite file and replies come from Gemini.
Set GEMINI_API_KEY in the environment; without it every reply is a
canned fallback line.

  didi-local serve --addr :8080 --db didi.db
  didi-local chat --topic digital_literacy
  didi-local healthcheck`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.dbPath, "db", ":memory:", "SQLite database path (\":memory:\" keeps sessions in memory)")
	flags.StringVar(&opts.catalogPath, "catalog", "", "Topic catalog YAML file (default: built-in catalog)")
	flags.StringVar(&opts.model, "model", gemini.DefaultModel, "Gemini model name")
	flags.StringVar(&opts.baseURL, "base-url", gemini.DefaultBaseURL, "Gemini API base URL")
	flags.StringVar(&opts.defaultTopic, "default-topic", string(domain.TopicGeneralHealth), "Topic used when a message arrives before a session is started")
	flags.DurationVar(&opts.idleTTL, "idle-ttl", 30*time.Minute, "How long idle sessions stay cached in memory")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	_ = flags.MarkHidden("base-url")

	root.AddCommand(newServeCmd(opts), newChatCmd(opts), newHealthcheckCmd(opts))
	return root
}

func (o *options) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *options) geminiClient() (*gemini.Client, error) {
	return gemini.NewClient(
		gemini.WithAPIKey(os.Getenv("GEMINI_API_KEY")),
		gemini.WithModel(o.model),
		gemini.WithBaseURL(o.baseURL),
	)
}

// buildService wires the session service against a local SQLite store. The
// caller closes the returned store.
func (o *options) buildService(ctx context.Context, logger *slog.Logger) (*usecase.SessionService, *repository.SQLiteStore, error) {
	client, err := o.geminiClient()
	if err != nil {
		return nil, nil, fmt.Errorf("create gemini client: %w", err)
	}
	if err := client.CheckCredential(ctx); err != nil {
		logger.Warn("GEMINI_API_KEY is not set, replies will use fallbacks")
	}

	topics, err := catalog.Load(o.catalogPath)
	if err != nil {
		return nil, nil, err
	}
	defaultTopic := domain.Topic(o.defaultTopic)
	if _, err := topics.Lookup(defaultTopic); err != nil {
		return nil, nil, fmt.Errorf("default topic: %w", err)
	}

	store, err := repository.OpenSQLite(ctx, o.dbPath)
	if err != nil {
		return nil, nil, err
	}
	svc, err := usecase.NewSessionService(client, topics, store,
		usecase.WithLogger(logger),
		usecase.WithCacheTTL(o.idleTTL),
		usecase.WithSessionOptions(conversation.WithDefaultTopic(defaultTopic)),
	)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return svc, store, nil
}
