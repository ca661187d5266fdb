package scoring

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestPerspectiveParse(t *testing.T) {
	file, err := os.Open("testdata/perspective_resp_example.json")
	if err != nil {
		t.Fatal(err)
	}

	respBytes, err := io.ReadAll(file)
	if err != nil {
		t.Fatal(err)
	}

	var respObj perspectiveResponse
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		t.Fatal(err)
	}

	if len(respObj.AttributeScores) != 4 {
		t.Fatal("didn't get expected attribute count")
	}
	tox := respObj.AttributeScores["TOXICITY"].SummaryScore
	if tox.Value < 0.92 || tox.Value > 0.93 {
		t.Fatal("didn't parse TOXICITY summary score")
	}
}

func testPerspectiveClient(srv *httptest.Server) *PerspectiveClient {
	pc := NewPerspectiveClient("test-key")
	pc.Client = srv.Client()
	pc.Endpoint = srv.URL
	pc.Limiter = rate.NewLimiter(rate.Inf, 1)
	return pc
}

func TestPerspectiveScore(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqObj perspectiveRequest
		if err := json.NewDecoder(r.Body).Decode(&reqObj); err != nil {
			w.WriteHeader(400)
			return
		}
		if !reqObj.DoNotStore {
			t.Error("expected doNotStore on every request")
		}
		out := map[string]any{"attributeScores": map[string]any{}}
		scores := out["attributeScores"].(map[string]any)
		for attr := range reqObj.RequestedAttributes {
			scores[attr] = map[string]any{"summaryScore": map[string]any{"value": 0.42, "type": "PROBABILITY"}}
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	pc := testPerspectiveClient(srv)
	scores, err := pc.Score(ctx, "some text", []string{"TOXICITY", "THREAT"})
	require.NoError(t, err)
	assert.Equal(ScoreMap{"TOXICITY": 0.42, "THREAT": 0.42}, scores)
}

func TestPerspectiveLanguageRetry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var reqObj perspectiveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqObj))

		// SEVERE_TOXICITY is rejected for the detected language until the
		// adapter drops it from the request
		if _, ok := reqObj.RequestedAttributes["SEVERE_TOXICITY"]; ok {
			w.WriteHeader(400)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
				"code":    400,
				"message": "Attribute SEVERE_TOXICITY does not support request languages: sw",
				"status":  "INVALID_ARGUMENT",
			}})
			return
		}
		out := map[string]any{"attributeScores": map[string]any{}}
		scores := out["attributeScores"].(map[string]any)
		for attr := range reqObj.RequestedAttributes {
			scores[attr] = map[string]any{"summaryScore": map[string]any{"value": 0.91, "type": "PROBABILITY"}}
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	pc := testPerspectiveClient(srv)
	scores, err := pc.Score(ctx, "some text", []string{"TOXICITY", "SEVERE_TOXICITY"})
	require.NoError(t, err)
	assert.Equal(2, calls)
	assert.Equal(ScoreMap{"TOXICITY": 0.91}, scores)
}

func TestPerspectiveAllAttributesUnsupported(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqObj perspectiveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqObj))
		for _, attr := range []string{"SEVERE_TOXICITY", "TOXICITY"} {
			if _, ok := reqObj.RequestedAttributes[attr]; ok {
				w.WriteHeader(400)
				json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
					"code":    400,
					"message": "Attribute " + attr + " does not support request languages: xx",
					"status":  "INVALID_ARGUMENT",
				}})
				return
			}
		}
		t.Error("expected no request with an empty attribute set")
	}))
	defer srv.Close()

	// every attribute gets rejected; the adapter must converge on an
	// all-zero map rather than reporting unavailable
	pc := testPerspectiveClient(srv)
	scores, err := pc.Score(ctx, "some text", []string{"TOXICITY", "SEVERE_TOXICITY"})
	require.NoError(t, err)
	assert.Equal(ScoreMap{"TOXICITY": 0.0, "SEVERE_TOXICITY": 0.0}, scores)
}

func TestPerspectiveAuthFailureUnavailable(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(403)
	}))
	defer srv.Close()

	pc := testPerspectiveClient(srv)
	_, err := pc.Score(ctx, "some text", []string{"TOXICITY"})
	assert.Error(t, err)
}

func TestPerspectiveNoKeyNoNetwork(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("expected no network call without credentials")
	}))
	defer srv.Close()

	pc := testPerspectiveClient(srv)
	pc.APIKey = ""
	_, err := pc.Score(ctx, "some text", []string{"TOXICITY"})
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestUnsupportedAttributeMatch(t *testing.T) {
	assert := assert.New(t)

	attrs := []string{"TOXICITY", "SEVERE_TOXICITY"}
	msg := "Attribute SEVERE_TOXICITY does not support request languages: sw"
	assert.Equal("SEVERE_TOXICITY", unsupportedAttribute(msg, attrs))

	msg = "Attribute TOXICITY does not support request languages: sw"
	assert.Equal("TOXICITY", unsupportedAttribute(msg, attrs))

	assert.Equal("", unsupportedAttribute("Comment must be non-empty.", attrs))
}
