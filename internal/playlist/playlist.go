// Package playlist expands a playlist URL into the watch URLs of its
// videos, so `mediaq submit --playlist` can enqueue one task per video.
package playlist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ytget/ytdlp/v2"

	"github.com/mediaq/mediaq/internal/domain"
)

const (
	listParam      = "list="
	paramSeparator = "&"
	videoURLFormat = "https://www.youtube.com/watch?v=%s"
)

// DefaultTimeout bounds one playlist listing.
const DefaultTimeout = 60 * time.Second

// Video is one playlist entry.
type Video struct {
	ID    string
	Title string
	URL   string
}

// Lister fetches the raw entries of a playlist id.
type Lister interface {
	List(ctx context.Context, playlistID string) ([]Video, error)
}

// ytdlpLister lists playlists through the ytdlp library.
type ytdlpLister struct{}

func (ytdlpLister) List(ctx context.Context, playlistID string) ([]Video, error) {
	items, err := ytdlp.New().GetPlaylistItemsAll(ctx, playlistID, 0)
	if err != nil {
		return nil, err
	}
	videos := make([]Video, 0, len(items))
	for _, it := range items {
		videos = append(videos, Video{ID: it.VideoID, Title: it.Title})
	}
	return videos, nil
}

// Expander turns playlist URLs into video URLs.
type Expander struct {
	lister  Lister
	timeout time.Duration
}

// New returns an Expander backed by ytdlp.
func New() *Expander {
	return &Expander{lister: ytdlpLister{}, timeout: DefaultTimeout}
}

// IsPlaylist reports whether rawURL carries a playlist id.
func IsPlaylist(rawURL string) bool {
	id, err := PlaylistID(rawURL)
	return err == nil && id != ""
}

// PlaylistID extracts the value of the list= parameter.
func PlaylistID(rawURL string) (string, error) {
	parts := strings.SplitN(rawURL, listParam, 2)
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: %q has no playlist parameter", domain.ErrValidation, rawURL)
	}
	id := strings.Split(parts[1], paramSeparator)[0]
	if id == "" {
		return "", fmt.Errorf("%w: %q has an empty playlist id", domain.ErrValidation, rawURL)
	}
	return id, nil
}

// Expand lists the playlist in rawURL and returns its videos in playlist
// order, each with a canonical watch URL. Entries without an id are dropped.
func (e *Expander) Expand(ctx context.Context, rawURL string) ([]Video, error) {
	id, err := PlaylistID(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	items, err := e.lister.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: list playlist %s: %v", domain.ErrUpstreamFailure, id, err)
	}

	seen := make(map[string]bool, len(items))
	videos := make([]Video, 0, len(items))
	for _, it := range items {
		if it.ID == "" || seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		it.URL = fmt.Sprintf(videoURLFormat, it.ID)
		videos = append(videos, it)
	}
	return videos, nil
}
