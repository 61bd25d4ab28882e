package searchindex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filescope/filescope/pkg/models"
)

func TestClientSearch(t *testing.T) {
	var gotQuery models.SearchQuery
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotQuery))
		_ = json.NewEncoder(w).Encode(models.SearchResponse{
			Results: []models.SearchResult{{ID: "doc-1", FileName: "notes.txt", Score: 0.8}},
			Total:   1,
			TookMs:  4,
		})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Endpoint: server.URL}, nil)
	require.NoError(t, err)

	resp, err := client.Search(context.Background(), &models.SearchQuery{
		Text:     "quarterly notes",
		PageSize: 20,
		SortBy:   models.SortByRelevance,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "doc-1", resp.Results[0].ID)

	assert.Equal(t, "quarterly notes", gotQuery.Text)
	assert.Equal(t, 20, gotQuery.PageSize)
}

func TestClientSearchIndexFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Endpoint: server.URL}, nil)
	require.NoError(t, err)

	_, err = client.Search(context.Background(), &models.SearchQuery{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestClientRequiresEndpoint(t *testing.T) {
	_, err := NewClient(ClientConfig{}, nil)
	assert.Error(t, err)
}
