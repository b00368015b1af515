package debrid

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAddMagnetRejectsNonMagnet(t *testing.T) {
	c := NewClient("http://unused.example")
	if _, err := c.AddMagnet(context.Background(), "key", "https://example.org/file.torrent"); !errors.Is(err, ErrInvalidMagnet) {
		t.Fatalf("err = %v, want ErrInvalidMagnet", err)
	}
}

func TestStatusMapping(t *testing.T) {
	for _, tc := range []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusNotFound, ErrTorrentNotFound},
		{http.StatusBadGateway, ErrBackendUnavailable},
	} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := NewClient(server.URL)
		_, err := c.TorrentInfo(context.Background(), "key", "t1")
		server.Close()
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestTorrentInfoDecodesAndAuthorizes(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(Torrent{ID: "t1", Filename: "show.mkv", Status: "downloading", Progress: 42})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	torrent, err := c.TorrentInfo(context.Background(), "rd-key", "t1")
	if err != nil {
		t.Fatalf("TorrentInfo: %v", err)
	}
	if gotAuth != "Bearer rd-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if torrent.Filename != "show.mkv" || torrent.Progress != 42 {
		t.Errorf("torrent = %+v", torrent)
	}
}

func TestAPIErrorBodySurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": "infringing_file", "error_code": 35})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	_, err := c.AddMagnet(context.Background(), "key", "magnet:?xt=urn:btih:abc")
	if err == nil || !strings.Contains(err.Error(), "infringing_file") {
		t.Fatalf("err = %v, want service error text", err)
	}
}
