package core

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayTitleGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer gw-key", r.Header.Get("Authorization"))

		var body struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "title-model", body.Model)
		assert.False(t, body.Stream)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"\"Sorting Algorithms.\"\n"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	g := NewGatewayTitleGenerator(srv.URL, "gw-key", "title-model")
	title, err := g.GenerateTitle(context.Background(), "How does quicksort work?")
	require.NoError(t, err)
	assert.Equal(t, "Sorting Algorithms", title)
}

func TestGatewayTitleGenerator_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"x","object":"chat.completion","choices":[]}`)
	}))
	defer srv.Close()

	_, err := NewGatewayTitleGenerator(srv.URL, "gw-key", "title-model").GenerateTitle(context.Background(), "q")
	assert.Error(t, err)
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Recursion basics", cleanTitle(`"Recursion basics."`))
	assert.Equal(t, "Graphs", cleanTitle("  'Graphs'\n"))
}
