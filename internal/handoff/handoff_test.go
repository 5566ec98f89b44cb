package handoff

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ridgecast-live/internal/media"
	"ridgecast-live/internal/store"
)

func TestWorkItemRoundTrip(t *testing.T) {
	item := WorkItem{
		OrganizationID: "org-1",
		RoomID:         "room-1",
		ConnectionID:   "conn-1",
		IngestEndpoint: "http://127.0.0.1:9000",
		Token:          "tok-1",
	}
	payload, err := EncodeWorkItem(item)
	require.NoError(t, err)

	decoded, err := DecodeWorkItem(payload)
	require.NoError(t, err)
	require.Equal(t, item, decoded)
}

func TestDecodeWorkItemRejectsMissingToken(t *testing.T) {
	_, err := DecodeWorkItem([]byte(`{"organizationId":"org-1"}`))
	require.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf syncBuffer
	w := NewFrameWriter(&buf)

	init := Frame{Kind: media.KindVideo, Init: &media.InitSegment{Codec: media.CodecAVC, Bytes: []byte{1, 2, 3}}}
	sample := Frame{Kind: media.KindVideo, Sample: &media.Sample{
		Index:      7,
		DTS:        1000,
		PTS:        1040,
		Duration:   33,
		IsKeyframe: true,
		Payload:    []byte("nalu"),
	}}
	audio := Frame{Kind: media.KindAudio, Sample: &media.Sample{
		Index:    3,
		DTS:      960,
		PTS:      960,
		Duration: 21,
		Payload:  []byte("aac"),
	}}
	require.NoError(t, w.WriteFrame(init))
	require.NoError(t, w.WriteFrame(sample))
	require.NoError(t, w.WriteFrame(audio))
	require.NoError(t, w.Close())

	r := NewFrameReader(&buf)
	got, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, init, got)

	got, err = r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, sample, got)

	got, err = r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, audio, got)

	_, err = r.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderTruncatedStream(t *testing.T) {
	var buf syncBuffer
	w := NewFrameWriter(&buf)
	require.NoError(t, w.WriteFrame(Frame{Kind: media.KindVideo, Sample: &media.Sample{Payload: []byte("x")}}))

	// No end marker: the reader must flag the cut, not report EOF.
	r := NewFrameReader(&buf)
	_, err := r.ReadFrame()
	require.NoError(t, err)
	_, err = r.ReadFrame()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func newHandoffPair(t *testing.T) (*Server, WorkItem) {
	t.Helper()
	srv := NewServer(nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	offer := srv.Offer()
	t.Cleanup(offer.Close)
	return srv, WorkItem{
		OrganizationID: "org-1",
		RoomID:         "room-1",
		ConnectionID:   "conn-1",
		IngestEndpoint: ts.URL,
		Token:          offer.Token(),
	}
}

func TestGrantFlowDeliversSessionAndMedia(t *testing.T) {
	srv := NewServer(nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	offer := srv.Offer()
	defer offer.Close()
	item := WorkItem{
		OrganizationID: "org-1",
		IngestEndpoint: ts.URL,
		Token:          offer.Token(),
	}
	client := NewClient(nil, ts.Client())
	ctx := context.Background()

	grantCh := make(chan Grant, 1)
	errCh := make(chan error, 1)
	go func() {
		grant, err := client.AwaitGrant(ctx, item, 5*time.Second)
		grantCh <- grant
		errCh <- err
	}()

	select {
	case <-offer.Claimed():
	case <-time.After(5 * time.Second):
		t.Fatalf("offer never claimed")
	}
	offer.Grant("sess-42")

	grant, err := <-grantCh, <-errCh
	require.NoError(t, err)
	require.Equal(t, "sess-42", grant.StreamSessionID)

	// Media flows from ingest to transcoder over the same endpoint.
	type result struct {
		frames []Frame
		err    error
	}
	results := make(chan result, 1)
	go func() {
		reader, err := client.OpenMedia(ctx, item)
		if err != nil {
			results <- result{err: err}
			return
		}
		defer reader.Close()
		var frames []Frame
		for {
			frame, err := reader.ReadFrame()
			if err == io.EOF {
				results <- result{frames: frames}
				return
			}
			if err != nil {
				results <- result{err: err}
				return
			}
			frames = append(frames, frame)
		}
	}()

	stream, err := offer.AwaitMedia(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.WriteFrame(Frame{Kind: media.KindVideo, Init: &media.InitSegment{Codec: media.CodecAVC, Bytes: []byte{9}}}))
	require.NoError(t, stream.WriteFrame(Frame{Kind: media.KindVideo, Sample: &media.Sample{IsKeyframe: true, Payload: []byte("kf")}}))
	require.NoError(t, stream.Close())

	select {
	case res := <-results:
		require.NoError(t, res.err)
		require.Len(t, res.frames, 2)
		require.NotNil(t, res.frames[0].Init)
		require.NotNil(t, res.frames[1].Sample)
	case <-time.After(5 * time.Second):
		t.Fatalf("media never arrived")
	}
}

func TestAwaitGrantTimesOutWithoutGrant(t *testing.T) {
	_, item := newHandoffPair(t)
	client := NewClient(nil, nil)

	start := time.Now()
	_, err := client.AwaitGrant(context.Background(), item, 150*time.Millisecond)
	require.ErrorIs(t, err, ErrHandoffTimeout)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestAwaitGrantOnWithdrawnOfferIsGone(t *testing.T) {
	srv := NewServer(nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	offer := srv.Offer()
	item := WorkItem{OrganizationID: "org-1", IngestEndpoint: ts.URL, Token: offer.Token()}
	offer.Close()

	client := NewClient(nil, ts.Client())
	_, err := client.AwaitGrant(context.Background(), item, time.Second)
	require.ErrorIs(t, err, ErrHandoffGone)
}

// fakeQueue is an in-memory store.WorkQueue for claim-path tests.
type fakeQueue struct {
	mu    sync.Mutex
	items []store.WorkItem
	acked []string
}

func (q *fakeQueue) Publish(ctx context.Context, organizationID string, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := time.Now().Format(time.RFC3339Nano)
	q.items = append(q.items, store.WorkItem{ID: id, OrganizationID: organizationID, Payload: payload})
	return id, nil
}

func (q *fakeQueue) Claim(ctx context.Context, organizationID string, wait time.Duration) (store.WorkItem, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return store.WorkItem{}, false, nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true, nil
}

func (q *fakeQueue) Ack(ctx context.Context, organizationID, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, id)
	return nil
}

func TestNextClaimSkipsUndecodableItems(t *testing.T) {
	queue := &fakeQueue{}
	ctx := context.Background()
	_, err := queue.Publish(ctx, "org-1", []byte("not json"))
	require.NoError(t, err)

	valid, err := EncodeWorkItem(WorkItem{
		OrganizationID: "org-1",
		IngestEndpoint: "http://127.0.0.1:9000",
		Token:          "tok-1",
	})
	require.NoError(t, err)
	_, err = queue.Publish(ctx, "org-1", valid)
	require.NoError(t, err)

	client := NewClient(queue, nil)
	claim, ok, err := client.NextClaim(ctx, "org-1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok-1", claim.Item.Token)
	require.Len(t, queue.acked, 1)

	require.NoError(t, client.Ack(ctx, claim))
	require.Len(t, queue.acked, 2)
}

// syncBuffer is a bytes.Buffer safe for the writer/reader pairs above.
type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}
