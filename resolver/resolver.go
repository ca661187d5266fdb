// Resolution of opaque content references into bounded plain text.
//
// A content reference is an opaque string stored on the ledger: inline text
// (vigil:text:), an inline data URL, an ipfs:// CID fetched through public
// gateways, or a direct HTTP(S) URL. Resolution absorbs every per-attempt
// failure; the caller sees either text or nil, never an error.
package resolver

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/ipfs/go-cid"
)

// Inline text scheme used by the agora content board. The payload is
// percent-encoded; an empty payload means the text lives off-chain, keyed
// by the item's content hash.
const InlineTextPrefix = "vigil:text:"

const defaultMaxChars = 10_000
const defaultFetchTimeout = 10 * time.Second

// At least three independent gateway hosts, tried in order.
var DefaultGateways = []string{
	"https://ipfs.io",
	"https://dweb.link",
	"https://cloudflare-ipfs.com",
	"https://w3s.link",
}

// Bounded text plus the scheme/endpoint which produced it. Ephemeral:
// created per run, never persisted.
type Resolved struct {
	Text   string
	Source string
}

type Resolver struct {
	Logger *slog.Logger
	// used for all fetches; per-attempt timeout applied via context
	Client *http.Client
	// ordered HTTP gateway bases for ipfs:// references
	Gateways []string
	// hard cap on resolved text, in runes
	MaxChars int
	// per-attempt bound for gateway and direct fetches
	FetchTimeout time.Duration
	// optional off-chain content index, queried by hex digest when an
	// inline-text payload is elided; empty disables the path
	IndexURL string
}

func NewResolver() *Resolver {
	return &Resolver{
		Logger:       slog.Default().With("subsystem", "resolver"),
		Client:       &http.Client{},
		Gateways:     DefaultGateways,
		MaxChars:     defaultMaxChars,
		FetchTimeout: defaultFetchTimeout,
	}
}

// Turns a content reference into bounded text, or nil when the reference is
// empty, unsupported, or every retrieval attempt failed. digest is the
// item's content hash, consulted only for elided inline-text payloads.
func (r *Resolver) Resolve(ctx context.Context, ref string, digest []byte) *Resolved {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}

	var res *Resolved
	switch {
	case strings.HasPrefix(ref, InlineTextPrefix):
		res = r.resolveInlineText(ctx, ref[len(InlineTextPrefix):], digest)
	case strings.HasPrefix(ref, "data:"):
		res = r.resolveDataURL(ref)
	case strings.HasPrefix(ref, "ipfs://"):
		res = r.resolveIPFS(ctx, ref[len("ipfs://"):])
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		res = r.fetchText(ctx, ref, "http")
	default:
		// unsupported or scheme-less reference; not an error
		return nil
	}

	if res == nil || res.Text == "" {
		return nil
	}
	res.Text = truncate(res.Text, r.maxChars())
	return res
}

// Inline content must never be silently dropped: if percent-decoding fails,
// the raw payload is returned unmodified.
func (r *Resolver) resolveInlineText(ctx context.Context, payload string, digest []byte) *Resolved {
	if payload == "" {
		return r.resolveOffchain(ctx, digest)
	}
	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return &Resolved{Text: payload, Source: "inline"}
	}
	return &Resolved{Text: decoded, Source: "inline"}
}

func (r *Resolver) resolveDataURL(ref string) *Resolved {
	meta, payload, found := strings.Cut(ref, ",")
	if !found {
		return nil
	}
	if !strings.HasSuffix(meta, ";base64") {
		// non-base64 data URLs carry percent-encoded text directly
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return nil
		}
		return &Resolved{Text: decoded, Source: "data-url"}
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil
	}
	return &Resolved{Text: string(raw), Source: "data-url"}
}

// Rewrites ipfs://<cid>[/path] across the gateway list and returns the
// first non-error, non-empty response. A dead gateway must not block the
// next one, so each attempt gets its own bounded context.
func (r *Resolver) resolveIPFS(ctx context.Context, rest string) *Resolved {
	cidStr, path, _ := strings.Cut(rest, "/")
	c, err := cid.Decode(cidStr)
	if err != nil {
		r.logger().Debug("invalid CID in content reference", "cid", cidStr, "err", err)
		return nil
	}
	if path != "" {
		path = "/" + path
	}

	for _, gw := range r.gateways() {
		gwURL := fmt.Sprintf("%s/ipfs/%s%s", strings.TrimSuffix(gw, "/"), c.String(), path)
		if res := r.fetchText(ctx, gwURL, "ipfs"); res != nil {
			return res
		}
	}
	return nil
}

type indexResponse struct {
	Text string `json:"text"`
}

// Secondary lookup path for elided inline payloads. Absence of the index
// configuration silently disables it.
func (r *Resolver) resolveOffchain(ctx context.Context, digest []byte) *Resolved {
	if r.IndexURL == "" || len(digest) == 0 {
		return nil
	}
	lookupURL := fmt.Sprintf("%s/content/%s", strings.TrimSuffix(r.IndexURL, "/"), hex.EncodeToString(digest))
	res := r.fetchText(ctx, lookupURL, "index")
	if res == nil {
		return nil
	}
	var out indexResponse
	if err := json.Unmarshal([]byte(res.Text), &out); err != nil || out.Text == "" {
		r.logger().Debug("off-chain index returned unusable payload", "url", lookupURL)
		return nil
	}
	return &Resolved{Text: out.Text, Source: "index"}
}

// Single bounded HTTP fetch. Any failure (network error, timeout,
// non-success status, empty body) is absorbed and logged at debug level.
// Content-type is advisory only: gateways frequently mislabel text, so the
// body is accepted regardless of the declared type.
func (r *Resolver) fetchText(ctx context.Context, fetchURL string, scheme string) *Resolved {
	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout())
	defer cancel()

	start := time.Now()
	defer func() {
		fetchDuration.WithLabelValues(scheme).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", "vigil/"+versioninfo.Short())

	resp, err := r.httpClient().Do(req)
	if err != nil {
		fetchCount.WithLabelValues(scheme, "error").Inc()
		r.logger().Debug("content fetch failed", "url", fetchURL, "err", err)
		return nil
	}
	defer resp.Body.Close()

	fetchCount.WithLabelValues(scheme, fmt.Sprint(resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusOK {
		r.logger().Debug("content fetch non-success", "url", fetchURL, "statusCode", resp.StatusCode)
		return nil
	}

	// bound the read; the rune cap is enforced after decoding
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(r.maxChars())*4+1))
	if err != nil {
		r.logger().Debug("content read failed", "url", fetchURL, "err", err)
		return nil
	}
	if len(body) == 0 {
		return nil
	}
	return &Resolved{Text: string(body), Source: fetchURL}
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

func (r *Resolver) maxChars() int {
	if r.MaxChars <= 0 {
		return defaultMaxChars
	}
	return r.MaxChars
}

func (r *Resolver) fetchTimeout() time.Duration {
	if r.FetchTimeout <= 0 {
		return defaultFetchTimeout
	}
	return r.FetchTimeout
}

func (r *Resolver) gateways() []string {
	if len(r.Gateways) == 0 {
		return DefaultGateways
	}
	return r.Gateways
}

func (r *Resolver) httpClient() *http.Client {
	if r.Client == nil {
		return &http.Client{}
	}
	return r.Client
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
