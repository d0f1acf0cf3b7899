// Package itunes implements the provider capability against the iTunes
// Search API. Previews are served as m4a.
package itunes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/GrandMoff100/Songolo/internal/music"
)

const userAgent = "songolo/1.0"

// Client is an iTunes Search API client implementing resolver.Provider.
type Client struct {
	httpClient *http.Client
	apiURL     string
}

// New creates a new iTunes client.
func New() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apiURL:     "https://itunes.apple.com",
	}
}

func (c *Client) Name() string { return "itunes" }

// Search queries the iTunes Search API and returns matching candidates.
func (c *Client) Search(ctx context.Context, query music.TrackQuery) ([]music.Candidate, error) {
	if id, ok := externalID(query); ok {
		return c.lookup(ctx, id)
	}

	term := buildTerm(query)
	if term == "" {
		return nil, nil
	}

	params := url.Values{}
	params.Set("term", term)
	params.Set("media", "music")
	params.Set("entity", "song")
	params.Set("limit", "5")

	var searchResp searchResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/search?%s", c.apiURL, params.Encode()), &searchResp); err != nil {
		return nil, err
	}
	return parseResults(searchResp.Results), nil
}

// Download fetches the preview audio for a candidate.
func (c *Client) Download(ctx context.Context, candidate music.Candidate) (music.RawBlob, error) {
	if candidate.DownloadURL == "" {
		return music.RawBlob{}, &music.FetchError{Err: fmt.Errorf("candidate %s has no download URL", candidate.ExternalID)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate.DownloadURL, nil)
	if err != nil {
		return music.RawBlob{}, fmt.Errorf("failed to create download request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return music.RawBlob{}, &music.FetchError{Transient: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return music.RawBlob{}, &music.FetchError{Transient: true, Err: fmt.Errorf("itunes download returned %d", resp.StatusCode)}
	default:
		return music.RawBlob{}, &music.FetchError{Err: fmt.Errorf("itunes download returned %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return music.RawBlob{}, &music.FetchError{Transient: true, Err: err}
	}
	return music.RawBlob{Data: data, Format: "m4a"}, nil
}

// lookup resolves a pinned track ID via the lookup endpoint.
func (c *Client) lookup(ctx context.Context, id string) ([]music.Candidate, error) {
	var resp searchResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/lookup?id=%s", c.apiURL, url.QueryEscape(id)), &resp); err != nil {
		return nil, err
	}
	return parseResults(resp.Results), nil
}

func (c *Client) getJSON(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create itunes request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("itunes request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("itunes returned %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode itunes response: %w", err)
	}
	return nil
}

func externalID(query music.TrackQuery) (string, bool) {
	name, id, ok := strings.Cut(query.ExternalID, ":")
	if !ok || name != "itunes" || id == "" {
		return "", false
	}
	return id, true
}

func buildTerm(query music.TrackQuery) string {
	var parts []string
	if query.Title != "" {
		parts = append(parts, query.Title)
	}
	if query.Artist != "" {
		parts = append(parts, query.Artist)
	}
	return strings.Join(parts, " ")
}

func parseResults(items []resultItem) []music.Candidate {
	var results []music.Candidate
	for _, item := range items {
		results = append(results, music.Candidate{
			Provider:    "itunes",
			ExternalID:  strconv.FormatInt(item.TrackID, 10),
			Title:       item.TrackName,
			Artist:      item.ArtistName,
			Album:       item.CollectionName,
			Duration:    time.Duration(item.TrackTimeMillis) * time.Millisecond,
			DownloadURL: item.PreviewURL,
		})
	}
	return results
}

// iTunes Search API response types

type searchResponse struct {
	ResultCount int          `json:"resultCount"`
	Results     []resultItem `json:"results"`
}

type resultItem struct {
	TrackID         int64  `json:"trackId"`
	TrackName       string `json:"trackName"`
	ArtistName      string `json:"artistName"`
	CollectionName  string `json:"collectionName"`
	TrackTimeMillis int    `json:"trackTimeMillis"`
	PreviewURL      string `json:"previewUrl"`
}
