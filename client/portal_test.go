package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/v1/state", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"account":     "Wave1111",
			"total_waves": 1,
			"feed_active": true,
			"records": []map[string]interface{}{
				{"address": "Wave1111", "timestamp": time.Unix(100, 0).UTC(), "message": "gm", "source": "feed"},
			},
			"notifications": []map[string]interface{}{
				{"id": "n1", "kind": "info", "title": "Mining...", "description": "sig1"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	st, err := client.State(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Wave1111", st.Account)
	assert.Equal(t, 1, st.TotalWaves)
	assert.True(t, st.FeedActive)
	require.Len(t, st.Records, 1)
	assert.Equal(t, "gm", st.Records[0].Message)
	require.Len(t, st.Notifications, 1)
	assert.Equal(t, "info", st.Notifications[0].Kind)
}

func TestConnect_ErrorKind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "wallet provider not found",
			"kind":  "provider_missing",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Connect(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPreconditionFailed, apiErr.StatusCode)
	assert.Equal(t, "provider_missing", apiErr.Kind)
	assert.Contains(t, err.Error(), "wallet provider not found")
}

func TestSetMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PUT", r.Method)
		assert.Equal(t, "/api/v1/message", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		json.NewEncoder(w).Encode(map[string]string{"pending_message_text": body["text"]})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	st, err := client.SetMessage(context.Background(), "gm")
	require.NoError(t, err)
	assert.Equal(t, "gm", st.PendingMessageText)
}

func TestSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/submit", r.URL.Path)

		if r.URL.Query().Get("wait") != "true" {
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"status": "submitted"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"handle":     "sig1",
			"slot":       9,
			"block_time": time.Unix(1700000000, 0).UTC(),
			"address":    "Wave1111",
			"message":    "gm",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)

	res, err := client.Submit(context.Background(), false)
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = client.Submit(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "sig1", res.Handle)
	assert.Equal(t, uint64(9), res.Slot)
	assert.Equal(t, int64(1700000000), res.BlockTime.Unix())
}

func TestSubmit_InFlight(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "a wave is already being mined",
			"kind":  "submission_in_flight",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Submit(context.Background(), true)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "submission_in_flight", apiErr.Kind)
}

func TestDismiss(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DELETE", r.Method)
		if r.URL.Path == "/api/v1/notifications/n1" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "notification not found"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	assert.NoError(t, client.Dismiss(context.Background(), "n1"))

	err := client.Dismiss(context.Background(), "n2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListWaves(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/waves", r.URL.Path)
		assert.Equal(t, "Wave1111", r.URL.Query().Get("address"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Empty(t, r.URL.Query().Get("offset"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"waves": []map[string]interface{}{
				{"address": "Wave1111", "timestamp": time.Unix(200, 0).UTC(), "message": "newest", "signature": "sig2"},
				{"address": "Wave1111", "timestamp": time.Unix(100, 0).UTC(), "message": "older"},
			},
			"count": 2,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	waves, err := client.ListWaves(context.Background(), ListWavesOptions{Address: "Wave1111", Limit: 10})
	require.NoError(t, err)
	require.Len(t, waves, 2)
	assert.Equal(t, "newest", waves[0].Message)
	require.NotNil(t, waves[0].Signature)
	assert.Equal(t, "sig2", *waves[0].Signature)
	assert.Nil(t, waves[1].Signature)
}

func TestNonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")

		fmt.Fprint(w, "event: state\ndata: {\"total_waves\":1}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: state\ndata: {not json}\n\n")
		fmt.Fprint(w, "event: state\ndata: {\"total_waves\":2,\"in_flight\":true}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	var got []State
	err := client.Stream(context.Background(), func(st *State) error {
		got = append(got, *st)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2, "keepalives and malformed frames are skipped")
	assert.Equal(t, 1, got[0].TotalWaves)
	assert.Equal(t, 2, got[1].TotalWaves)
	assert.True(t, got[1].InFlight)
}

func TestStream_StopsOnCallbackError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: state\ndata: {\"total_waves\":1}\n\n")
		fmt.Fprint(w, "event: state\ndata: {\"total_waves\":2}\n\n")
	}))
	defer server.Close()

	stop := errors.New("stop")
	calls := 0
	client := NewClient(server.URL, nil, nil)
	err := client.Stream(context.Background(), func(*State) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
