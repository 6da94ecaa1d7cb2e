package videos

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

	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/ternarybob/specto/internal/common"
)

// PlatformVideo is one video returned by the platform's channel listing.
type PlatformVideo struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Channel  string  `json:"channel_id"`
	URL      string  `json:"url"`
	Duration float64 `json:"duration_seconds"`
}

// StoryboardFrame is one preview keyframe the platform extracted.
type StoryboardFrame struct {
	URL      string `json:"url"`
	OffsetMS int64  `json:"offset_ms"`
}

// Storyboard lists a video's preview keyframes.
type Storyboard struct {
	VideoID string            `json:"video_id"`
	Frames  []StoryboardFrame `json:"frames"`
}

// Client calls the video platform API. With client credentials
// configured, requests carry an OAuth2 bearer token refreshed through
// the client-credentials grant; without them requests go out bare,
// which only the development fixture server accepts.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  arbor.ILogger
}

// NewClient creates the platform client. The limiter is shared with the
// collector's keyframe downloads.
func NewClient(config *common.VideoCollectConfig, limiter *rate.Limiter, logger arbor.ILogger) (*Client, error) {
	if config.APIBaseURL == "" {
		return nil, fmt.Errorf("videos api_base_url is required")
	}

	timeout := common.ParseDurationOr(config.RequestTimeout, 30*time.Second)
	httpClient := &http.Client{Timeout: timeout}

	if config.ClientID != "" {
		if config.TokenURL == "" {
			return nil, fmt.Errorf("videos token_url is required when client_id is set")
		}
		grant := clientcredentials.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			TokenURL:     config.TokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = grant.Client(ctx)
		httpClient.Timeout = timeout
	}

	return &Client{
		baseURL: strings.TrimRight(config.APIBaseURL, "/"),
		http:    httpClient,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// ListChannelVideos returns a channel's videos, newest first, capped at
// limit when positive.
func (c *Client) ListChannelVideos(ctx context.Context, channelID string, limit int) ([]PlatformVideo, error) {
	endpoint := fmt.Sprintf("%s/channels/%s/videos", c.baseURL, url.PathEscape(channelID))
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}

	var out struct {
		Videos []PlatformVideo `json:"videos"`
	}
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return nil, fmt.Errorf("failed to list videos for channel %s: %w", channelID, err)
	}
	return out.Videos, nil
}

// GetStoryboard returns the keyframe storyboard for one video.
func (c *Client) GetStoryboard(ctx context.Context, videoID string) (*Storyboard, error) {
	endpoint := fmt.Sprintf("%s/videos/%s/storyboard", c.baseURL, url.PathEscape(videoID))

	var out Storyboard
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return nil, fmt.Errorf("failed to get storyboard for video %s: %w", videoID, err)
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("platform returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode platform response: %w", err)
	}
	return nil
}
