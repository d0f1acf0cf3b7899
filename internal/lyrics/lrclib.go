// Package lyrics fetches lyrics from LRCLib for optional embedding into
// normalized tracks.
package lyrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Client queries the LRCLib API.
type Client struct {
	httpClient *http.Client
	apiURL     string
}

// NewClient creates a LRCLib client.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiURL:     "https://lrclib.net/api/get",
	}
}

// Fetch retrieves lyrics for the given track, preferring synced (LRC)
// lyrics over plain text. Returns "" (no error) when lyrics are not
// found. Retries once on transient network errors.
func (c *Client) Fetch(ctx context.Context, artist, title, album string) (string, error) {
	text, err := c.doFetch(ctx, artist, title, album)
	if err == nil {
		return text, nil
	}

	// Only retry network-level errors; API errors fail identically.
	if !isTransient(err) {
		return "", err
	}

	select {
	case <-ctx.Done():
		return "", err
	case <-time.After(2 * time.Second):
	}
	return c.doFetch(ctx, artist, title, album)
}

func isTransient(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) doFetch(ctx context.Context, artist, title, album string) (string, error) {
	params := url.Values{}
	params.Set("artist_name", artist)
	params.Set("track_name", title)
	params.Set("album_name", album)

	reqURL := fmt.Sprintf("%s?%s", c.apiURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create lrclib request: %w", err)
	}
	req.Header.Set("User-Agent", "songolo/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lrclib request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("lrclib returned status %d", resp.StatusCode)
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("failed to decode lrclib response: %w", err)
	}

	if apiResp.SyncedLyrics != "" {
		return apiResp.SyncedLyrics, nil
	}
	return apiResp.PlainLyrics, nil
}

type apiResponse struct {
	SyncedLyrics string `json:"syncedLyrics"`
	PlainLyrics  string `json:"plainLyrics"`
}
