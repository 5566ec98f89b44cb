package main

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ridgecast-live/internal/lifecycle"
	"ridgecast-live/internal/store"
	"ridgecast-live/internal/subscription"
)

type fakeWatcher struct {
	mu       sync.Mutex
	channels map[string]chan subscription.Entry
	initial  map[string]subscription.Entry
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		channels: make(map[string]chan subscription.Entry),
		initial:  make(map[string]subscription.Entry),
	}
}

func (f *fakeWatcher) Watch(ctx context.Context, key string) (<-chan subscription.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan subscription.Entry, 16)
	f.channels[key] = ch
	if entry, ok := f.initial[key]; ok {
		ch <- entry
	}
	return ch, nil
}

func (f *fakeWatcher) push(key string, entry subscription.Entry) {
	f.mu.Lock()
	ch, ok := f.channels[key]
	f.mu.Unlock()
	if ok {
		ch <- entry
	}
}

type fakeObjects struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (f *fakeObjects) Put(ctx context.Context, key string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.data[key] = b
	f.mu.Unlock()
	return nil
}

func (f *fakeObjects) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(string(b))), nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	delete(f.data, key)
	f.mu.Unlock()
	return nil
}

func discardTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T) (*httptest.Server, *fakeWatcher, *fakeObjects) {
	t.Helper()
	watcher := newFakeWatcher()
	manager := subscription.New(watcher)

	lc, cancel := lifecycle.New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = manager.Run(lc)
	}()
	t.Cleanup(func() {
		cancel.Cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("subscription manager did not stop")
		}
	})

	objects := &fakeObjects{data: make(map[string][]byte)}
	ts := httptest.NewServer(newViewerHandler(manager, objects, discardTestLogger()))
	t.Cleanup(ts.Close)
	return ts, watcher, objects
}

func TestServeObjectProxiesMediaBytes(t *testing.T) {
	ts, _, objects := newTestHandler(t)
	key := "live/org-1/room-1/video_hd/part-abc.m4s"
	if err := objects.Put(context.Background(), key, strings.NewReader("fragment-bytes")); err != nil {
		t.Fatalf("seed object: %v", err)
	}

	resp, err := ts.Client().Get(ts.URL + "/" + key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "video/mp4" {
		t.Fatalf("expected video/mp4, got %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "fragment-bytes" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestServeObjectMissingIs404(t *testing.T) {
	ts, _, _ := newTestHandler(t)
	resp, err := ts.Client().Get(ts.URL + "/live/org-1/room-1/video_hd/part-missing.m4s")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestServePlaylistReturnsCurrentState(t *testing.T) {
	ts, watcher, _ := newTestHandler(t)
	key := "live/org-1/room-1/video_hd.playlist"
	watcher.mu.Lock()
	watcher.initial[key] = subscription.Entry{Key: key, Value: []byte(`{"sequence":3}`), Revision: 7}
	watcher.mu.Unlock()

	resp, err := ts.Client().Get(ts.URL + "/" + key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if rev := resp.Header.Get("X-Playlist-Revision"); rev != "7" {
		t.Fatalf("expected revision header 7, got %q", rev)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"sequence":3`) {
		t.Fatalf("unexpected playlist body %q", body)
	}
}

func TestServePlaylistLongPollWakesOnUpdate(t *testing.T) {
	ts, watcher, _ := newTestHandler(t)
	key := "live/org-1/room-1/video_hd.playlist"
	watcher.mu.Lock()
	watcher.initial[key] = subscription.Entry{Key: key, Value: []byte(`{"sequence":3}`), Revision: 7}
	watcher.mu.Unlock()

	type result struct {
		status int
		body   string
	}
	results := make(chan result, 1)
	go func() {
		resp, err := ts.Client().Get(ts.URL + "/" + key + "?min_revision=7")
		if err != nil {
			results <- result{}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		results <- result{status: resp.StatusCode, body: string(body)}
	}()

	// Let the long poll attach before publishing the next update.
	time.Sleep(200 * time.Millisecond)
	watcher.push(key, subscription.Entry{Key: key, Value: []byte(`{"sequence":4}`), Revision: 8})

	select {
	case res := <-results:
		if res.status != 200 || !strings.Contains(res.body, `"sequence":4`) {
			t.Fatalf("unexpected long-poll result %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("long poll never woke")
	}
}
