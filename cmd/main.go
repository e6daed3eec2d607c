package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"didi-voice/handler"
	"didi-voice/internal/catalog"
	"didi-voice/internal/conversation"
	"didi-voice/internal/domain"
	"didi-voice/internal/integrations/gemini"
	"didi-voice/internal/integrations/paramstore"
	"didi-voice/internal/repository"
	"didi-voice/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	sessionTable := mustEnv("SESSION_TABLE")
	staticKey := os.Getenv("GEMINI_API_KEY")
	paramPrefix := os.Getenv("PARAM_PREFIX")
	if staticKey == "" && paramPrefix == "" {
		slog.Error("either GEMINI_API_KEY or PARAM_PREFIX must be set")
		os.Exit(1)
	}
	model := envString("GEMINI_MODEL", gemini.DefaultModel)
	baseURL := envString("GEMINI_BASE_URL", gemini.DefaultBaseURL)
	catalogPath := os.Getenv("CATALOG_PATH")
	defaultTopic := domain.Topic(envString("DEFAULT_TOPIC", string(domain.TopicGeneralHealth)))
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 500)
	windowSize := envInt("CONTEXT_WINDOW", conversation.DefaultWindowSize)
	cacheTTL := envDuration("SESSION_IDLE_TTL", 0)
	itemTTL := envDuration("SESSION_ITEM_TTL", 7*24*time.Hour)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	geminiOpts := []gemini.Option{gemini.WithModel(model), gemini.WithBaseURL(baseURL)}
	if staticKey != "" {
		geminiOpts = append(geminiOpts, gemini.WithAPIKey(staticKey))
	} else {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
		if err != nil {
			slog.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		geminiOpts = append(geminiOpts, gemini.WithParamStore(ssmClient, paramPrefix))
	}
	geminiClient, err := gemini.NewClient(geminiOpts...)
	if err != nil {
		slog.Error("failed to create Gemini client", "err", err)
		os.Exit(1)
	}
	// An absent key is a deployment error. A parameter store that is only
	// unreachable right now degrades replies to fallbacks until it recovers.
	if err := geminiClient.CheckCredential(ctx); err != nil {
		if errors.Is(err, domain.ErrMissingCredential) {
			slog.Error("Gemini credential is not configured", "err", err)
			os.Exit(1)
		}
		slog.Warn("Gemini credential unavailable, replies will use fallbacks", "err", err)
	}

	topics, err := catalog.Load(catalogPath)
	if err != nil {
		slog.Error("failed to load topic catalog", "path", catalogPath, "err", err)
		os.Exit(1)
	}
	if _, err := topics.Lookup(defaultTopic); err != nil {
		slog.Error("default topic is not in the catalog", "topic", defaultTopic, "err", err)
		os.Exit(1)
	}

	store, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(cfg), sessionTable, repository.WithItemTTL(itemTTL))
	if err != nil {
		slog.Error("failed to create session store", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	svc, err := usecase.NewSessionService(geminiClient, topics, store,
		usecase.WithLogger(logger),
		usecase.WithMaxMessageLength(maxMessageLen),
		usecase.WithCacheTTL(cacheTTL),
		usecase.WithSessionOptions(
			conversation.WithDefaultTopic(defaultTopic),
			conversation.WithWindowSize(windowSize),
		),
	)
	if err != nil {
		slog.Error("failed to create session service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(svc)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	slog.Info("starting lambda", "model", geminiClient.Model(), "table", sessionTable, "topics", len(topics.Topics()))
	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", v)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", v)
		return def
	}
	return d
}
