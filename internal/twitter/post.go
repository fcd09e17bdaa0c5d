package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/postwing/xsched/internal/retry"
)

type postRequest struct {
	Text  string     `json:"text"`
	Media *postMedia `json:"media,omitempty"`
}

type postMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type postResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// CreatePost publishes text with optional attached media and returns the
// new post's id. It runs under the tighter PostRetry policy: a request
// that dies after reaching the platform may already have created the
// post, and every retry risks publishing it again.
func (c *Client) CreatePost(ctx context.Context, text string, mediaIDs []string) (string, error) {
	pr := postRequest{Text: text}
	if len(mediaIDs) > 0 {
		pr.Media = &postMedia{MediaIDs: mediaIDs}
	}
	payload, err := json.Marshal(pr)
	if err != nil {
		return "", fmt.Errorf("encoding post request: %w", err)
	}

	var out postResponse
	err = retry.Do(ctx, c.cfg.PostRetry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.PostURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("creating post request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		body, err := c.roundTrip(ctx, req)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("decoding post response: %w", err)
		}
		return nil
	})
	if err != nil {
		c.metrics.RecordPost("error")
		return "", err
	}

	c.metrics.RecordPost("ok")
	c.logger.Info().Str("post_id", out.Data.ID).Int("media_count", len(mediaIDs)).Msg("post created")
	return out.Data.ID, nil
}
