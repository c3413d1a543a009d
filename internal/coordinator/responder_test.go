package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupe-chat/troupe/internal/models"
)

func TestHTTPResponderComposeReplies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/respond", r.URL.Path)

		var turn Turn
		require.NoError(t, json.NewDecoder(r.Body).Decode(&turn))
		assert.Equal(t, "chan-1", turn.ChannelID)
		assert.Equal(t, models.OriginHuman, turn.Origin)

		json.NewEncoder(w).Encode(repliesEnvelope{Replies: []models.Reply{
			{Persona: "Brian", Text: "well, actually"},
		}})
	}))
	defer srv.Close()

	r := NewHTTPResponder(srv.URL, nil)
	replies, err := r.ComposeReplies(context.Background(), Turn{
		ChannelID: "chan-1",
		Origin:    models.OriginHuman,
		Query:     "thoughts?",
		Initiator: "Brian",
	})
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "Brian", replies[0].Persona)
}

func TestHTTPResponderComposeOpener(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/opener", r.URL.Path)
		var req openerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Stewie", req.Persona)
		json.NewEncoder(w).Encode(openerEnvelope{Opener: "Blast! Where is everyone?"})
	}))
	defer srv.Close()

	r := NewHTTPResponder(srv.URL, nil)
	opener, err := r.ComposeOpener(context.Background(), "Stewie")
	require.NoError(t, err)
	assert.Equal(t, "Blast! Where is everyone?", opener)
}

func TestHTTPResponderSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewHTTPResponder(srv.URL, nil)
	_, err := r.ComposeReplies(context.Background(), Turn{Initiator: "Peter"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPResponderRejectsEmptyOpener(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(openerEnvelope{})
	}))
	defer srv.Close()

	r := NewHTTPResponder(srv.URL, nil)
	_, err := r.ComposeOpener(context.Background(), "Peter")
	require.Error(t, err)
}

func TestStaticResponderVoicesInitiator(t *testing.T) {
	replies, err := StaticResponder{}.ComposeReplies(context.Background(), Turn{Initiator: "Peter"})
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "Peter", replies[0].Persona)
	assert.NotEmpty(t, replies[0].Text)

	opener, err := StaticResponder{}.ComposeOpener(context.Background(), "Peter")
	require.NoError(t, err)
	assert.NotEmpty(t, opener)
}
