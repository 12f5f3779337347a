// Package spotify provides a music catalog client backed by the Spotify Web API.
package spotify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/osa030/19dj/internal/domain/track"
)

// pageSize is the Web API maximum for playlist and album pages.
const pageSize = 50

// Client is a Spotify API client using the client-credentials flow.
// The token source refreshes the access token on expiry.
type Client struct {
	client     *spotify.Client
	market     string
	maxRetries int
	retryDelay time.Duration
}

// Config represents Spotify client configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	Market       string
	TokenURL     string // Overrides the accounts service token endpoint
	BaseURL      string // Overrides the Web API base URL, must end with "/"
}

// New creates a new Spotify client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("spotify credentials are required")
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = spotifyauth.TokenURL
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
	}
	httpClient := cc.Client(ctx)

	var opts []spotify.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, spotify.WithBaseURL(cfg.BaseURL))
	}

	market := cfg.Market
	if market == "" {
		market = "US"
	}

	return &Client{
		client:     spotify.New(httpClient, opts...),
		market:     market,
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

// GetTrack retrieves one track by ID, URL, or URI.
func (c *Client) GetTrack(ctx context.Context, trackID string) (*track.Draft, error) {
	id := extractID(trackID, "track")
	if id == "" {
		return nil, errors.New("invalid track URL")
	}

	var result *spotify.FullTrack
	err := c.retry(ctx, func() error {
		t, err := c.client.GetTrack(ctx, spotify.ID(id), spotify.Market(c.market))
		if err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get track")
	}

	d := convertTrack(&result.SimpleTrack, albumArt(result.Album.Images))
	return &d, nil
}

// Search searches the catalog for tracks.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]track.Draft, error) {
	if query == "" {
		return nil, errors.New("search query is required")
	}
	if limit <= 0 || limit > pageSize {
		limit = 20
	}

	var result *spotify.SearchResult
	err := c.retry(ctx, func() error {
		r, err := c.client.Search(ctx, query, spotify.SearchTypeTrack, spotify.Limit(limit), spotify.Market(c.market))
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to search")
	}
	if result.Tracks == nil {
		return nil, nil
	}

	drafts := make([]track.Draft, 0, len(result.Tracks.Tracks))
	for _, t := range result.Tracks.Tracks {
		drafts = append(drafts, convertTrack(&t.SimpleTrack, albumArt(t.Album.Images)))
	}
	return drafts, nil
}

// GetPlaylistTracks retrieves up to limit tracks from a playlist, in playlist order.
func (c *Client) GetPlaylistTracks(ctx context.Context, playlistURL string, limit int) ([]track.Draft, error) {
	playlistID := extractID(playlistURL, "playlist")
	if playlistID == "" {
		return nil, errors.New("invalid playlist URL")
	}

	var drafts []track.Draft
	offset := 0
	for limit <= 0 || len(drafts) < limit {
		var page *spotify.PlaylistItemPage
		err := c.retry(ctx, func() error {
			p, err := c.client.GetPlaylistItems(ctx, spotify.ID(playlistID),
				spotify.Limit(pageSize),
				spotify.Offset(offset),
				spotify.Market(c.market),
			)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to get playlist items")
		}

		for _, item := range page.Items {
			// Episodes and local files have no track id
			if item.Track.Track == nil || item.Track.Track.ID == "" {
				continue
			}
			t := item.Track.Track
			drafts = append(drafts, convertTrack(&t.SimpleTrack, albumArt(t.Album.Images)))
		}

		if len(page.Items) < pageSize {
			break
		}
		offset += pageSize
	}

	zlog.Debug().Msgf("spotify: playlist expanded: id=%s tracks=%d", playlistID, len(drafts))
	return truncate(drafts, limit), nil
}

// GetAlbumTracks retrieves up to limit tracks from an album, in album order.
func (c *Client) GetAlbumTracks(ctx context.Context, albumURL string, limit int) ([]track.Draft, error) {
	albumID := extractID(albumURL, "album")
	if albumID == "" {
		return nil, errors.New("invalid album URL")
	}

	var album *spotify.FullAlbum
	err := c.retry(ctx, func() error {
		a, err := c.client.GetAlbum(ctx, spotify.ID(albumID), spotify.Market(c.market))
		if err != nil {
			return err
		}
		album = a
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get album")
	}

	art := albumArt(album.Images)
	var drafts []track.Draft
	for i := range album.Tracks.Tracks {
		drafts = append(drafts, convertTrack(&album.Tracks.Tracks[i], art))
	}

	offset := len(album.Tracks.Tracks)
	for offset < int(album.Tracks.Total) && (limit <= 0 || len(drafts) < limit) {
		var page *spotify.SimpleTrackPage
		err := c.retry(ctx, func() error {
			p, err := c.client.GetAlbumTracks(ctx, spotify.ID(albumID),
				spotify.Limit(pageSize),
				spotify.Offset(offset),
				spotify.Market(c.market),
			)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to get album tracks")
		}
		if len(page.Tracks) == 0 {
			break
		}
		for i := range page.Tracks {
			drafts = append(drafts, convertTrack(&page.Tracks[i], art))
		}
		offset += len(page.Tracks)
	}

	return truncate(drafts, limit), nil
}

// convertTrack converts a catalog track to a draft without a playable token.
func convertTrack(t *spotify.SimpleTrack, artwork string) track.Draft {
	artists := make([]string, len(t.Artists))
	for i, a := range t.Artists {
		artists[i] = a.Name
	}

	return track.Draft{
		Title:      t.Name,
		Author:     strings.Join(artists, ", "),
		URI:        TrackURL(string(t.ID)),
		Duration:   time.Duration(t.Duration) * time.Millisecond,
		ArtworkURL: artwork,
		Origin:     "spotify",
		CatalogID:  "spotify:track:" + string(t.ID),
	}
}

func albumArt(images []spotify.Image) string {
	if len(images) == 0 {
		return ""
	}
	return images[0].URL
}

func truncate(drafts []track.Draft, limit int) []track.Draft {
	if limit > 0 && len(drafts) > limit {
		return drafts[:limit]
	}
	return drafts
}

// TrackURL returns the Spotify URL for a track.
func TrackURL(trackID string) string {
	return fmt.Sprintf("https://open.spotify.com/track/%s", trackID)
}

// retry retries an operation with linear backoff.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if i < c.maxRetries-1 {
			select {
			case <-time.After(c.retryDelay * time.Duration(i+1)):
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "retry cancelled")
			}
		}
	}
	return errors.Wrap(lastErr, "max retries exceeded")
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr spotify.Error
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= http.StatusInternalServerError
	}
	// Rate limit errors and server errors are retryable
	errStr := err.Error()
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504")
}

// extractID extracts the id of the given kind from a Spotify URL or URI.
// Anything else is assumed to be a bare id.
func extractID(input, kind string) string {
	input = strings.TrimSpace(input)
	if prefix := "spotify:" + kind + ":"; strings.HasPrefix(input, prefix) {
		return strings.TrimPrefix(input, prefix)
	}

	// https://open.spotify.com/track/ID or https://open.spotify.com/intl-XX/track/ID
	if strings.Contains(input, "open.spotify.com") && strings.Contains(input, "/"+kind+"/") {
		parts := strings.Split(input, "/"+kind+"/")
		id := strings.Split(parts[len(parts)-1], "?")[0]
		return strings.TrimRight(id, "/")
	}

	return input
}
