package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"didi-voice/internal/domain"
	"didi-voice/internal/integrations/paramstore"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-1.5-flash"
	DefaultTimeout = 15 * time.Second

	finishReasonSafety = "SAFETY"
)

// generateRequest is the request shape for models.generateContent.
type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
	SafetySettings   []safetySetting  `json:"safetySettings,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	CandidateCount  int     `json:"candidateCount"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// generateResponse is the minimal response shape of models.generateContent.
type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API key.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("gemini: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// GenerationSettings tunes the sampling of replies. Replies are read aloud, so
// the token ceiling is kept small.
type GenerationSettings struct {
	Temperature     float64
	TopK            int
	TopP            float64
	MaxOutputTokens int
}

func defaultGenerationSettings() GenerationSettings {
	return GenerationSettings{
		Temperature:     0.7,
		TopK:            40,
		TopP:            0.95,
		MaxOutputTokens: 150,
	}
}

// Client is a focused client for the Gemini generateContent endpoint.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	settings   GenerationSettings

	staticKey string
	getter    Getter
	paramName string

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithGenerationSettings(s GenerationSettings) Option {
	return func(c *Client) {
		c.settings = s
	}
}

// WithAPIKey sets the key directly, bypassing the parameter store.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.staticKey = strings.TrimSpace(key)
	}
}

// WithParamStore reads the key from {paramPrefix}/gemini-api-key on first use.
func WithParamStore(g Getter, paramPrefix string) Option {
	return func(c *Client) {
		c.getter = g
		c.paramName = strings.TrimRight(strings.TrimSpace(paramPrefix), "/") + "/gemini-api-key"
	}
}

// NewClient creates a Client. A key source must be configured with WithAPIKey
// or WithParamStore; a missing source surfaces as domain.ErrMissingCredential
// from CheckCredential and Generate rather than here, so the caller decides
// whether to fail at startup.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		settings:   defaultGenerationSettings(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.settings.MaxOutputTokens <= 0 {
		return nil, errors.New("gemini: max output tokens must be positive")
	}
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// resolveAPIKey returns the static key, or fetches it from the parameter store
// and caches it for the lifetime of the process. Failed fetches are not cached.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	if c.staticKey != "" {
		return c.staticKey, nil
	}
	if c.getter == nil {
		return "", fmt.Errorf("gemini: no api key source: %w", domain.ErrMissingCredential)
	}

	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := fetchAPIKeyFromParamStore(ctx, c.getter, c.paramName)
	if err != nil {
		return "", err
	}
	c.apiKey = key
	return key, nil
}

// CheckCredential verifies that an API key can be resolved without calling
// the provider.
func (c *Client) CheckCredential(ctx context.Context) error {
	_, err := c.resolveAPIKey(ctx)
	return err
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: DefaultTimeout}
}

func generateURL(baseURL, model string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return base + "/models/" + url.PathEscape(model) + ":generateContent"
}

// Generate sends prompt as a single user turn and returns the first
// candidate's text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(c.buildRequest(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := generateURL(c.baseURL, c.model)
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?key="+url.QueryEscape(apiKey), bytes.NewReader(body))
	if reqErr != nil {
		return "", fmt.Errorf("gemini: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.doJSONRequest(req, endpoint)
	if err != nil {
		return "", fmt.Errorf("gemini: request failed: %w", err)
	}

	var payload generateResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("gemini: decode response: %w", decErr)
	}
	return extractText(payload)
}

func (c *Client) buildRequest(prompt string) generateRequest {
	return generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:     c.settings.Temperature,
			TopK:            c.settings.TopK,
			TopP:            c.settings.TopP,
			MaxOutputTokens: c.settings.MaxOutputTokens,
			CandidateCount:  1,
		},
		SafetySettings: defaultSafetySettings(),
	}
}

func defaultSafetySettings() []safetySetting {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
	}
	out := make([]safetySetting, 0, len(categories))
	for _, cat := range categories {
		out = append(out, safetySetting{Category: cat, Threshold: "BLOCK_MEDIUM_AND_ABOVE"})
	}
	return out
}

func extractText(payload generateResponse) (string, error) {
	if payload.PromptFeedback != nil && payload.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("gemini: prompt blocked (%s): %w", payload.PromptFeedback.BlockReason, domain.ErrSafetyBlocked)
	}
	if len(payload.Candidates) == 0 {
		return "", fmt.Errorf("gemini: no candidates in response: %w", domain.ErrEmptyResponse)
	}
	candidate := payload.Candidates[0]
	if candidate.FinishReason == finishReasonSafety {
		return "", fmt.Errorf("gemini: candidate finished with %s: %w", candidate.FinishReason, domain.ErrSafetyBlocked)
	}
	if len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: candidate has no parts: %w", domain.ErrEmptyResponse)
	}
	text := strings.TrimSpace(candidate.Content.Parts[0].Text)
	if text == "" {
		return "", fmt.Errorf("gemini: candidate text is empty: %w", domain.ErrEmptyResponse)
	}
	return text, nil
}

// doJSONRequest executes req. endpoint is the key-free URL used in errors.
func (c *Client) doJSONRequest(req *http.Request, endpoint string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, redactKey(doErr)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        endpoint,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

// redactKey strips the query string from *url.Error so the key never reaches logs.
func redactKey(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if u, parseErr := url.Parse(urlErr.URL); parseErr == nil {
			u.RawQuery = ""
			urlErr.URL = u.String()
		}
	}
	return err
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", fmt.Errorf("gemini: paramstore getter is nil: %w", domain.ErrMissingCredential)
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "/gemini-api-key" {
		return "", fmt.Errorf("gemini: api key parameter name is empty: %w", domain.ErrMissingCredential)
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) || errors.Is(err, paramstore.ErrNoValue) {
			return "", fmt.Errorf("gemini: %w: fetch from paramstore: %w", domain.ErrMissingCredential, err)
		}
		// Throttling and network failures must not read as a missing key.
		return "", fmt.Errorf("gemini: %w: fetch from paramstore: %w", domain.ErrCredentialUnavailable, err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("gemini: %w: unmarshal paramstore value as JSON: %w", domain.ErrMissingCredential, err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", fmt.Errorf("gemini: API key is empty: %w", domain.ErrMissingCredential)
	}
	return strings.TrimSpace(tp.Token), nil
}
