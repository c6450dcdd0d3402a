package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLogicalOpJSON tests the wire field names of a replicated op
func TestLogicalOpJSON(t *testing.T) {
	op := LogicalOp{
		Kind:       OpExpire,
		Map:        "users",
		Shard:      3,
		Key:        "i:42",
		Version:    7,
		CreateTime: 100,
		CustomTTI:  -1,
		CustomTTL:  30,
		Identity:   uuid.New(),
	}

	data, err := json.Marshal(op)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "expire", fields["kind"])
	assert.Equal(t, "i:42", fields["key"])
	assert.NotContains(t, fields, "value", "empty value is omitted")
	assert.NotContains(t, fields, "sync")

	var decoded LogicalOp
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, op, decoded)
}

// TestPostJSON tests the PostJSON function with various scenarios
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		out         any
		expectError bool
	}{
		{name: "successful POST with response", status: http.StatusOK, body: `{"applied":true}`, out: &ReplicateResponse{}},
		{name: "successful POST without response", status: http.StatusNoContent, out: nil},
		{name: "server error", status: http.StatusInternalServerError, expectError: true},
		{name: "invalid JSON response", status: http.StatusOK, body: `{bad`, out: &ReplicateResponse{}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := PostJSON(context.Background(), srv.URL, ReplicateRequest{From: "n1"}, tt.out)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if resp, ok := tt.out.(*ReplicateResponse); ok {
				assert.True(t, resp.Applied)
			}
		})
	}
}

func TestPostJSONContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, PostJSON(ctx, srv.URL, map[string]string{}, nil))
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(NodeInfo{ID: "n1", Addr: "localhost:1"})
	}))
	defer srv.Close()

	var info NodeInfo
	require.NoError(t, GetJSON(context.Background(), srv.URL+"/info", &info))
	assert.Equal(t, NodeInfo{ID: "n1", Addr: "localhost:1"}, info)

	assert.Error(t, GetJSON(context.Background(), srv.URL+"/missing", &info))
}
