// Package platform resolves media-site URLs into direct submissions.
package platform

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ytget/ytdlp/v2"

	"github.com/artemis-suite/artemis/internal/utils"
)

// PlaylistID extracts the playlist identifier from a YouTube URL, or "" when
// the URL does not reference a playlist.
func PlaylistID(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host != "youtube.com" && host != "m.youtube.com" && host != "music.youtube.com" {
		return ""
	}
	return u.Query().Get("list")
}

// ExpandPlaylist resolves a playlist URL into per-video watch URLs, applying
// limit when positive. Non-playlist URLs pass through unchanged as a single
// entry.
func ExpandPlaylist(ctx context.Context, rawurl string, limit int) ([]string, error) {
	id := PlaylistID(rawurl)
	if id == "" {
		return []string{rawurl}, nil
	}

	items, err := ytdlp.New().GetPlaylistItemsAll(ctx, id, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to expand playlist %s: %w", id, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("playlist %s has no entries", id)
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	urls := make([]string, 0, len(items))
	for _, item := range items {
		if item.VideoID == "" {
			continue
		}
		urls = append(urls, "https://www.youtube.com/watch?v="+item.VideoID)
	}
	utils.Debug("platform: expanded playlist %s into %d entries", id, len(urls))
	return urls, nil
}
