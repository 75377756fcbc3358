package matcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facefinder/internal/domain"
)

func TestEvaluatePostsImageAndFingerprints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/evaluate", r.URL.Path)
		var req evaluateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []byte("jpeg-bytes"), req.Image)
		assert.Equal(t, [][]float64{{0.1, 0.2}}, req.Fingerprints)
		_, _ = w.Write([]byte(`{"is_match":true,"confidence":0.82,"faces_detected":2}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", time.Second, logrus.New())
	res, err := c.Evaluate(context.Background(), []byte("jpeg-bytes"), [][]float64{{0.1, 0.2}})
	require.NoError(t, err)
	assert.Equal(t, domain.MatchResult{IsMatch: true, Confidence: 0.82, FacesDetected: 2}, res)
}

func TestEvaluateOpensBreakerAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, logrus.New())
	for i := 0; i < 5; i++ {
		_, err := c.Evaluate(context.Background(), []byte("x"), [][]float64{{1}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	}
	_, err := c.Evaluate(context.Background(), []byte("x"), [][]float64{{1}})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), hits.Load())
}
