package debrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrBackendUnavailable wraps transport-level failures talking to the
	// debrid service; callers treat it as "no information", not job failure.
	ErrBackendUnavailable = errors.New("debrid backend unavailable")

	// ErrUnauthorized means the user's API key was rejected.
	ErrUnauthorized = errors.New("debrid api key rejected")

	// ErrTorrentNotFound means the service no longer knows the torrent.
	ErrTorrentNotFound = errors.New("torrent not found")

	// ErrInvalidMagnet means the submitted link is not a magnet URI.
	ErrInvalidMagnet = errors.New("invalid magnet link")
)

// Torrent mirrors the fields of the Real-Debrid torrent resource this bot
// consumes.
type Torrent struct {
	ID       string        `json:"id"`
	Filename string        `json:"filename"`
	Hash     string        `json:"hash"`
	Status   string        `json:"status"`
	Progress float64       `json:"progress"`
	Bytes    int64         `json:"bytes"`
	Added    string        `json:"added"`
	Links    []string      `json:"links"`
	Files    []TorrentFile `json:"files"`
}

// TorrentFile is one file inside a torrent.
type TorrentFile struct {
	ID       int    `json:"id"`
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	Selected int    `json:"selected"`
}

// Unrestricted is the direct-download form of a hoster link.
type Unrestricted struct {
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	Link     string `json:"link"`
	Download string `json:"download"`
}

// API is the surface the tracker and command router need. Satisfied by
// Client; tests substitute fakes.
type API interface {
	AddMagnet(ctx context.Context, apiKey, magnet string) (Torrent, error)
	TorrentInfo(ctx context.Context, apiKey, torrentID string) (Torrent, error)
	SelectFiles(ctx context.Context, apiKey, torrentID, fileIDs string) error
	ListTorrents(ctx context.Context, apiKey string) ([]Torrent, error)
	Unrestrict(ctx context.Context, apiKey, link string) (Unrestricted, error)
}

// Client talks to the Real-Debrid REST API. Per-user API keys are passed
// per call; the client itself holds no credentials.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.real-debrid.com/rest/1.0"
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// AddMagnet submits a magnet URI and returns the created torrent stub.
func (c *Client) AddMagnet(ctx context.Context, apiKey, magnet string) (Torrent, error) {
	if !strings.HasPrefix(magnet, "magnet:") {
		return Torrent{}, ErrInvalidMagnet
	}

	form := url.Values{"magnet": {magnet}}
	var created struct {
		ID  string `json:"id"`
		URI string `json:"uri"`
	}
	if err := c.do(ctx, apiKey, http.MethodPost, "/torrents/addMagnet", form, &created); err != nil {
		return Torrent{}, err
	}

	return Torrent{ID: created.ID}, nil
}

// TorrentInfo fetches full torrent state including files and links.
func (c *Client) TorrentInfo(ctx context.Context, apiKey, torrentID string) (Torrent, error) {
	var torrent Torrent
	if err := c.do(ctx, apiKey, http.MethodGet, "/torrents/info/"+url.PathEscape(torrentID), nil, &torrent); err != nil {
		return Torrent{}, err
	}
	return torrent, nil
}

// SelectFiles starts the download for the given comma-separated file ids
// ("all" selects everything).
func (c *Client) SelectFiles(ctx context.Context, apiKey, torrentID, fileIDs string) error {
	form := url.Values{"files": {fileIDs}}
	return c.do(ctx, apiKey, http.MethodPost, "/torrents/selectFiles/"+url.PathEscape(torrentID), form, nil)
}

// ListTorrents returns the user's torrents, newest first.
func (c *Client) ListTorrents(ctx context.Context, apiKey string) ([]Torrent, error) {
	var torrents []Torrent
	if err := c.do(ctx, apiKey, http.MethodGet, "/torrents", nil, &torrents); err != nil {
		return nil, err
	}
	return torrents, nil
}

// Unrestrict converts a hoster link into a direct download.
func (c *Client) Unrestrict(ctx context.Context, apiKey, link string) (Unrestricted, error) {
	form := url.Values{"link": {link}}
	var out Unrestricted
	if err := c.do(ctx, apiKey, http.MethodPost, "/unrestrict/link", form, &out); err != nil {
		return Unrestricted{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, apiKey, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrTorrentNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var apiErr struct {
			Error     string `json:"error"`
			ErrorCode int    `json:"error_code"`
		}
		payload, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("debrid error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("debrid error: status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
