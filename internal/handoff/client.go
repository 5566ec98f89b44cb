package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ridgecast-live/internal/store"
)

// Claim pairs a decoded work item with its queue delivery id.
type Claim struct {
	Item    WorkItem
	queueID string
}

// Client is the transcoder-side half of the handoff.
type Client struct {
	queue store.WorkQueue
	http  *http.Client
}

// NewClient wraps a work queue and an optional HTTP client.
func NewClient(queue store.WorkQueue, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{queue: queue, http: httpClient}
}

// NextClaim blocks up to wait for a work item on organizationID's queue.
// An item with an undecodable payload is acked away and skipped.
func (c *Client) NextClaim(ctx context.Context, organizationID string, wait time.Duration) (Claim, bool, error) {
	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Claim{}, false, nil
		}
		raw, ok, err := c.queue.Claim(ctx, organizationID, remaining)
		if err != nil || !ok {
			return Claim{}, false, err
		}
		item, err := DecodeWorkItem(raw.Payload)
		if err != nil {
			_ = c.queue.Ack(ctx, organizationID, raw.ID)
			if time.Now().After(deadline) {
				return Claim{}, false, nil
			}
			continue
		}
		return Claim{Item: item, queueID: raw.ID}, true, nil
	}
}

// AwaitGrant calls the ingest's claim endpoint and waits up to timeout
// for the transcoder-ready grant. ErrHandoffTimeout means the grant
// never came: abandon the claim un-acked and let visibility expiry make
// the item re-claimable. ErrHandoffGone means the offer is dead: ack it.
func (c *Client) AwaitGrant(ctx context.Context, item WorkItem, timeout time.Duration) (Grant, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := endpointURL(item, "claim")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return Grant{}, fmt.Errorf("handoff: claim request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Grant{}, ErrHandoffTimeout
		}
		return Grant{}, fmt.Errorf("handoff: claim %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGone:
		return Grant{}, ErrHandoffGone
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Grant{}, fmt.Errorf("handoff: claim %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}

	var grant Grant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return Grant{}, fmt.Errorf("handoff: decode grant: %w", err)
	}
	if grant.StreamSessionID == "" {
		return Grant{}, errors.New("handoff: grant missing stream session id")
	}
	return grant, nil
}

// MediaReader is the transcoder's read side of one granted handoff.
type MediaReader struct {
	*FrameReader
	body io.Closer
}

// Close releases the underlying response body.
func (m *MediaReader) Close() error { return m.body.Close() }

// OpenMedia opens the granted stream's media pull.
func (c *Client) OpenMedia(ctx context.Context, item WorkItem) (*MediaReader, error) {
	url := endpointURL(item, "media")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("handoff: media request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("handoff: media %s: %w", url, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGone:
		resp.Body.Close()
		return nil, ErrHandoffGone
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("handoff: media %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	return &MediaReader{FrameReader: NewFrameReader(resp.Body), body: resp.Body}, nil
}

// Ack permanently consumes the claim's work item.
func (c *Client) Ack(ctx context.Context, claim Claim) error {
	return c.queue.Ack(ctx, claim.Item.OrganizationID, claim.queueID)
}

func endpointURL(item WorkItem, leaf string) string {
	return fmt.Sprintf("%s/v1/handoff/%s/%s", strings.TrimRight(item.IngestEndpoint, "/"), item.Token, leaf)
}
