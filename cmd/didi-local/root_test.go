package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeGemini answers every generateContent call with the given texts in turn.
func fakeGemini(t *testing.T, texts ...string) *httptest.Server {
	t.Helper()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, ":generateContent"))
		i := int(n.Add(1)) - 1
		if i >= len(texts) {
			i = len(texts) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"parts": []map[string]string{{"text": texts[i]}}},
				"finishReason": "STOP",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestChat_EndsOnClosingPhrase(t *testing.T) {
	srv := fakeGemini(t, "फ़ोन से आप वीडियो कॉल कर सकती हैं। क्या आप कोशिश करेंगी?", "ठीक है, अपना ख्याल रखना।")
	t.Setenv("GEMINI_API_KEY", "test-key")

	out, err := run(t, "फ़ोन कैसे चलाऊँ?\nधन्यवाद\nयह नहीं पढ़ा जाएगा\n",
		"chat", "--topic", "digital_literacy", "--base-url", srv.URL)
	require.NoError(t, err)
	require.Contains(t, out, "digital_literacy")
	require.Contains(t, out, "वीडियो कॉल")
	require.Contains(t, out, "call ended")
	require.Contains(t, out, "2 user")
	require.NotContains(t, out, "(fallback)")
}

func TestChat_FallsBackWithoutKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	out, err := run(t, "नमस्ते\n", "chat", "--topic", "menstrual_health", "--base-url", "http://127.0.0.1:1")
	require.NoError(t, err)
	require.Contains(t, out, "(fallback)")
	require.Contains(t, out, "0 real, 1 fallback")
}

func TestChat_UnknownTopic(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	_, err := run(t, "", "chat", "--topic", "cricket")
	require.Error(t, err)
	require.Contains(t, err.Error(), "UNSUPPORTED_TOPIC")
}

func TestHealthcheck(t *testing.T) {
	srv := fakeGemini(t, "ok")
	t.Setenv("GEMINI_API_KEY", "test-key")

	out, err := run(t, "", "healthcheck", "--base-url", srv.URL)
	require.NoError(t, err)
	require.Contains(t, out, "topic catalog")
	require.Contains(t, out, "general_health")
	require.NotContains(t, out, "✗")
}

func TestHealthcheck_MissingKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	out, err := run(t, "", "healthcheck")
	require.ErrorIs(t, err, errUnhealthy)
	require.Contains(t, out, "✗ gemini")
}
