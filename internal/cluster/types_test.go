package cluster

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberJSON(t *testing.T) {
	data, err := json.Marshal(Member{ID: "member-1", Addr: "http://localhost:8080"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"member-1","addr":"http://localhost:8080"}`, string(data))

	var decoded Member
	require.NoError(t, json.Unmarshal([]byte(`{"id":"member-2"}`), &decoded))
	assert.Equal(t, Member{ID: "member-2"}, decoded)
}

func TestJSONEncodesMaps(t *testing.T) {
	in := map[string]any{
		"hits":   map[string][]string{"m1": {"o1", "o3"}},
		"fields": map[string]string{"title": "red shoes"},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hits":{"m1":["o1","o3"]},"fields":{"title":"red shoes"}}`, string(data))

	var out map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "red shoes", out["fields"]["title"])
}

func TestMemberSet(t *testing.T) {
	s := NewMemberSet("a", "b", "a")
	assert.Len(t, s, 2)
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("c"))

	ids := s.Slice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, []MemberID{"a", "b"}, ids)
}

func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"orders"}`, string(body))
		_, _ = w.Write([]byte(`{"created":true}`))
	}))
	defer server.Close()

	var out struct {
		Created bool `json:"created"`
	}
	err := PostJSON(context.Background(), server.URL, map[string]string{"name": "orders"}, &out)
	require.NoError(t, err)
	assert.True(t, out.Created)
}

func TestJSONHelpersErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusConflict)
	}))
	defer server.Close()

	ctx := context.Background()
	err := PostJSON(ctx, server.URL, struct{}{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409 nope")
	assert.Error(t, GetJSON(ctx, server.URL, &struct{}{}))
	assert.Error(t, DeleteJSON(ctx, server.URL, nil))
}

func TestDeleteJSONNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	var out map[string]any
	require.NoError(t, DeleteJSON(context.Background(), server.URL, &out))
	assert.Nil(t, out)
}

func TestGetJSONHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, GetJSON(ctx, server.URL, &struct{}{}))
}
