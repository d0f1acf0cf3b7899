// Package deezer implements the provider capability against the public
// Deezer API: search for candidates, download a candidate's audio.
package deezer

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

// Client is a Deezer API client implementing resolver.Provider.
type Client struct {
	httpClient *http.Client
	apiURL     string
}

// New creates a new Deezer client.
func New() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apiURL:     "https://api.deezer.com",
	}
}

func (c *Client) Name() string { return "deezer" }

// Search queries the Deezer search API and returns matching candidates.
// A query carrying a "deezer:<id>" external ID is resolved through the
// track endpoint instead.
func (c *Client) Search(ctx context.Context, query music.TrackQuery) ([]music.Candidate, error) {
	if id, ok := externalID(query); ok {
		return c.lookup(ctx, id)
	}

	q := buildQuery(query)
	if q == "" {
		return nil, nil
	}

	reqURL := fmt.Sprintf("%s/search?q=%s&limit=5", c.apiURL, url.QueryEscape(q))
	var searchResp searchResponse
	if err := c.getJSON(ctx, reqURL, &searchResp); err != nil {
		return nil, err
	}
	if searchResp.Error != nil {
		return nil, fmt.Errorf("deezer API error: %s", searchResp.Error.Message)
	}

	return parseResults(searchResp.Data), nil
}

// Download fetches the audio for a candidate previously returned by
// Search. Failures are classified as transient or permanent so the
// fetcher knows what is worth retrying.
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

	if err := classifyStatus(resp.StatusCode); err != nil {
		return music.RawBlob{}, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return music.RawBlob{}, &music.FetchError{Transient: true, Err: err}
	}
	return music.RawBlob{Data: data, Format: "mp3"}, nil
}

// lookup resolves a pinned track ID via the track endpoint.
func (c *Client) lookup(ctx context.Context, id string) ([]music.Candidate, error) {
	var item trackItem
	if err := c.getJSON(ctx, fmt.Sprintf("%s/track/%s", c.apiURL, url.PathEscape(id)), &item); err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return parseResults([]trackItem{item}), nil
}

func (c *Client) getJSON(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create deezer request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deezer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("deezer returned %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode deezer response: %w", err)
	}
	return nil
}

// classifyStatus maps a download response status onto the fetch error
// taxonomy: rate limits and server errors are transient, missing or
// gone candidates are permanent.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return &music.FetchError{Transient: true, Err: fmt.Errorf("deezer download returned %d", status)}
	default:
		return &music.FetchError{Err: fmt.Errorf("deezer download returned %d", status)}
	}
}

func externalID(query music.TrackQuery) (string, bool) {
	name, id, ok := strings.Cut(query.ExternalID, ":")
	if !ok || name != "deezer" || id == "" {
		return "", false
	}
	return id, true
}

func buildQuery(query music.TrackQuery) string {
	escape := func(s string) string {
		return strings.ReplaceAll(s, "\"", "")
	}
	var parts []string
	if query.Title != "" {
		parts = append(parts, "track:\""+escape(query.Title)+"\"")
	}
	if query.Artist != "" {
		parts = append(parts, "artist:\""+escape(query.Artist)+"\"")
	}
	return strings.Join(parts, " ")
}

func parseResults(items []trackItem) []music.Candidate {
	var results []music.Candidate
	for _, item := range items {
		title := item.TitleShort
		if title == "" {
			title = item.Title
		}
		results = append(results, music.Candidate{
			Provider:    "deezer",
			ExternalID:  strconv.Itoa(item.ID),
			Title:       title,
			Artist:      item.Artist.Name,
			Album:       item.Album.Title,
			Duration:    time.Duration(item.Duration) * time.Second,
			DownloadURL: item.Preview,
		})
	}
	return results
}

// Deezer API response types

type searchResponse struct {
	Data  []trackItem `json:"data"`
	Error *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type trackItem struct {
	ID         int    `json:"id"`
	Title      string `json:"title"`
	TitleShort string `json:"title_short"`
	Duration   int    `json:"duration"`
	Preview    string `json:"preview"`
	Artist     artist `json:"artist"`
	Album      album  `json:"album"`
}

type artist struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type album struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}
