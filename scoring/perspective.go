package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/vigil-mod/vigil/util"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/time/rate"
)

const defaultPerspectiveEndpoint = "https://commentanalyzer.googleapis.com/v1alpha1/comments:analyze"

// adapter-local input cap, independent of the resolver's cap
const defaultPerspectiveMaxChars = 4000

// Adapter for the Perspective comment-analysis API.
//
// schema: https://developers.perspectiveapi.com/s/about-the-api-methods
type PerspectiveClient struct {
	Client   *http.Client
	APIKey   string
	Endpoint string
	// the public API enforces roughly 1 QPS per project
	Limiter  *rate.Limiter
	MaxChars int
	Logger   *slog.Logger
}

func NewPerspectiveClient(apiKey string) *PerspectiveClient {
	return &PerspectiveClient{
		Client:   util.RobustHTTPClient(),
		APIKey:   apiKey,
		Endpoint: defaultPerspectiveEndpoint,
		Limiter:  rate.NewLimiter(rate.Limit(1), 1),
		MaxChars: defaultPerspectiveMaxChars,
		Logger:   slog.Default().With("provider", ProviderPerspective),
	}
}

type perspectiveRequest struct {
	Comment             perspectiveComment              `json:"comment"`
	RequestedAttributes map[string]perspectiveAttribute `json:"requestedAttributes"`
	DoNotStore          bool                            `json:"doNotStore"`
}

type perspectiveComment struct {
	Text string `json:"text"`
}

type perspectiveAttribute struct{}

type perspectiveResponse struct {
	AttributeScores map[string]perspectiveAttrScore `json:"attributeScores"`
	Languages       []string                        `json:"languages"`
}

type perspectiveAttrScore struct {
	SummaryScore perspectiveScore `json:"summaryScore"`
}

type perspectiveScore struct {
	Value float64 `json:"value"`
	Type  string  `json:"type"`
}

type perspectiveError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (pc *PerspectiveClient) Name() string {
	return ProviderPerspective
}

// Scores text for the requested attributes.
//
// When the service rejects a request because one attribute is not supported
// for the detected language, exactly that attribute is removed and the
// request retried. The loop terminates: each iteration either returns or
// shrinks the finite attribute set by one, and an empty set short-circuits
// to an all-zero map (structurally a successful call).
func (pc *PerspectiveClient) Score(ctx context.Context, text string, attrs []string) (ScoreMap, error) {
	if pc.APIKey == "" {
		return nil, ErrNoCredentials
	}

	text = truncateText(text, pc.MaxChars)
	remaining := slices.Clone(attrs)
	for {
		if len(remaining) == 0 {
			scores := make(ScoreMap, len(attrs))
			for _, attr := range attrs {
				scores[attr] = 0.0
			}
			return scores, nil
		}

		scores, dropAttr, err := pc.scoreOnce(ctx, text, remaining)
		if err != nil {
			return nil, err
		}
		if dropAttr != "" {
			pc.logger().Info("attribute not supported for language, retrying without it", "attribute", dropAttr)
			attributeDroppedCount.WithLabelValues(ProviderPerspective, dropAttr).Inc()
			remaining = slices.DeleteFunc(remaining, func(a string) bool { return a == dropAttr })
			continue
		}
		return scores, nil
	}
}

// single API round-trip; returns either a score map, the name of an
// attribute to drop, or an error
func (pc *PerspectiveClient) scoreOnce(ctx context.Context, text string, attrs []string) (ScoreMap, string, error) {
	if pc.Limiter != nil {
		if err := pc.Limiter.Wait(ctx); err != nil {
			return nil, "", err
		}
	}

	reqObj := perspectiveRequest{
		Comment:             perspectiveComment{Text: text},
		RequestedAttributes: make(map[string]perspectiveAttribute, len(attrs)),
		DoNotStore:          true,
	}
	for _, attr := range attrs {
		reqObj.RequestedAttributes[attr] = perspectiveAttribute{}
	}
	reqBytes, err := json.Marshal(&reqObj)
	if err != nil {
		return nil, "", err
	}

	endpoint := pc.Endpoint
	if endpoint == "" {
		endpoint = defaultPerspectiveEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?key="+pc.APIKey, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "vigil/"+versioninfo.Short())

	start := time.Now()
	resp, err := pc.httpClient().Do(req)
	providerAPIDuration.WithLabelValues(ProviderPerspective).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, "", fmt.Errorf("perspective request failed: %w", err)
	}
	defer resp.Body.Close()

	providerAPICount.WithLabelValues(ProviderPerspective, fmt.Sprint(resp.StatusCode)).Inc()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read perspective response: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		var errObj perspectiveError
		if jsonErr := json.Unmarshal(respBytes, &errObj); jsonErr == nil {
			if attr := unsupportedAttribute(errObj.Error.Message, attrs); attr != "" {
				return nil, attr, nil
			}
		}
		return nil, "", fmt.Errorf("perspective request rejected: %s", string(respBytes))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("perspective request failed statusCode=%d", resp.StatusCode)
	}

	var respObj perspectiveResponse
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return nil, "", fmt.Errorf("failed to parse perspective response: %w", err)
	}

	scores := make(ScoreMap, len(respObj.AttributeScores))
	for attr, as := range respObj.AttributeScores {
		scores[attr] = as.SummaryScore.Value
	}
	return scores, "", nil
}

// Picks out which requested attribute an INVALID_ARGUMENT message names,
// eg "Attribute THREAT does not support request languages: sw".
func unsupportedAttribute(msg string, attrs []string) string {
	if !strings.Contains(msg, "does not support request languages") {
		return ""
	}
	// longest match wins: "Attribute SEVERE_TOXICITY ..." also contains the
	// substring TOXICITY
	best := ""
	for _, attr := range attrs {
		if strings.Contains(msg, attr) && len(attr) > len(best) {
			best = attr
		}
	}
	return best
}

func (pc *PerspectiveClient) httpClient() *http.Client {
	if pc.Client == nil {
		return util.RobustHTTPClient()
	}
	return pc.Client
}

func (pc *PerspectiveClient) logger() *slog.Logger {
	if pc.Logger == nil {
		return slog.Default()
	}
	return pc.Logger
}

var _ Provider = (*PerspectiveClient)(nil)
