// Package handoff carries one ingested stream from the ingest process to
// the transcoder that will run its job. The ingest posts a work item to
// the organization's durable queue; a transcoder claims it, opens a
// stream back to the ingest endpoint named on the item, and waits for
// the transcoder-ready grant carrying the stream session id. Media then
// flows over the same endpoint until the publisher disconnects.
package handoff

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrHandoffTimeout is returned when the grant does not arrive within
// the transcoder timeout. The claim is abandoned un-acked, so the work
// item becomes re-claimable once its visibility window lapses.
var ErrHandoffTimeout = errors.New("handoff: timed out waiting for grant")

// ErrHandoffGone is returned when the ingest no longer recognizes the
// work item's token: the publisher went away, or another transcoder
// already completed the handoff. The claim should be acked and dropped.
var ErrHandoffGone = errors.New("handoff: no longer offered")

// WorkItem is one transcoding job claim, serialized onto the work queue.
type WorkItem struct {
	OrganizationID string `json:"organizationId"`
	RoomID         string `json:"roomId"`
	ConnectionID   string `json:"connectionId"`
	// IngestEndpoint is the base URL of the ingest's handoff listener.
	IngestEndpoint string `json:"ingestEndpoint"`
	// Token authorizes the transcoder's callback for exactly this item.
	Token string `json:"token"`
}

// Grant is the transcoder-ready response: the session the transcoder is
// now the publisher for.
type Grant struct {
	StreamSessionID string `json:"streamSessionId"`
}

// EncodeWorkItem serializes item for the work queue.
func EncodeWorkItem(item WorkItem) ([]byte, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("handoff: encode work item: %w", err)
	}
	return payload, nil
}

// DecodeWorkItem parses a work-queue payload.
func DecodeWorkItem(payload []byte) (WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return WorkItem{}, fmt.Errorf("handoff: decode work item: %w", err)
	}
	if item.Token == "" || item.IngestEndpoint == "" {
		return WorkItem{}, errors.New("handoff: work item missing token or endpoint")
	}
	return item, nil
}
