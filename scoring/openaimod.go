package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vigil-mod/vigil/util"

	"github.com/carlmjohnson/versioninfo"
)

const defaultModerationEndpoint = "https://api.openai.com/v1/moderations"

const defaultModerationMaxChars = 8000

// Adapter for the OpenAI moderation endpoint. The service returns a binary
// flagged bit plus triggered categories; those are normalized into the
// common ScoreMap shape with triggered categories scored 1.0 and every
// other requested attribute 0.0.
type OpenAIModClient struct {
	Client   *http.Client
	APIKey   string
	Endpoint string
	Model    string
	MaxChars int
	Logger   *slog.Logger
}

func NewOpenAIModClient(apiKey string) *OpenAIModClient {
	return &OpenAIModClient{
		Client:   util.RobustHTTPClient(),
		APIKey:   apiKey,
		Endpoint: defaultModerationEndpoint,
		Model:    "omni-moderation-latest",
		MaxChars: defaultModerationMaxChars,
		Logger:   slog.Default().With("provider", ProviderOpenAI),
	}
}

type moderationRequest struct {
	Input string `json:"input"`
	Model string `json:"model,omitempty"`
}

type moderationResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Results []struct {
		Flagged        bool               `json:"flagged"`
		Categories     map[string]bool    `json:"categories"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

func (oc *OpenAIModClient) Name() string {
	return ProviderOpenAI
}

func (oc *OpenAIModClient) Score(ctx context.Context, text string, attrs []string) (ScoreMap, error) {
	if oc.APIKey == "" {
		return nil, ErrNoCredentials
	}

	reqObj := moderationRequest{
		Input: truncateText(text, oc.MaxChars),
		Model: oc.Model,
	}
	reqBytes, err := json.Marshal(&reqObj)
	if err != nil {
		return nil, err
	}

	endpoint := oc.Endpoint
	if endpoint == "" {
		endpoint = defaultModerationEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+oc.APIKey)
	req.Header.Set("User-Agent", "vigil/"+versioninfo.Short())

	start := time.Now()
	resp, err := oc.httpClient().Do(req)
	providerAPIDuration.WithLabelValues(ProviderOpenAI).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("moderation request failed: %w", err)
	}
	defer resp.Body.Close()

	providerAPICount.WithLabelValues(ProviderOpenAI, fmt.Sprint(resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("moderation request failed statusCode=%d", resp.StatusCode)
	}

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read moderation response: %w", err)
	}
	var respObj moderationResponse
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return nil, fmt.Errorf("failed to parse moderation response: %w", err)
	}
	if len(respObj.Results) == 0 {
		return nil, fmt.Errorf("no moderation results returned")
	}

	result := respObj.Results[0]
	scores := make(ScoreMap, len(attrs))
	for _, attr := range attrs {
		if result.Flagged && result.Categories[attr] {
			scores[attr] = 1.0
		} else {
			scores[attr] = 0.0
		}
	}
	return scores, nil
}

func (oc *OpenAIModClient) httpClient() *http.Client {
	if oc.Client == nil {
		return util.RobustHTTPClient()
	}
	return oc.Client
}

var _ Provider = (*OpenAIModClient)(nil)
