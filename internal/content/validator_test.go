package content_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/content"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireMapsVerdicts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("content") == "tweet-ok" {
			json.NewEncoder(w).Encode(content.Verdict{Valid: true})
			return
		}
		json.NewEncoder(w).Encode(content.Verdict{Valid: false, Reason: "not your tweet"})
	}))
	defer srv.Close()

	v := content.NewHTTPValidator(srv.URL, time.Second, nil)
	ctx := context.Background()

	require.NoError(t, content.Require(ctx, v, "tweet-ok", "rAlice"))

	err := content.Require(ctx, v, "tweet-other", "rAlice")
	assert.True(t, errors.Is(err, content.ErrIneligible))
	assert.Contains(t, err.Error(), "not your tweet")
}

func TestRequireUnreachableIsDependency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := content.NewHTTPValidator(srv.URL, time.Second, nil)
	err := content.Require(context.Background(), v, "tweet", "rAlice")
	assert.Equal(t, apperr.KindDependency, apperr.KindOf(err))
}
