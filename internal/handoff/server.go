package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Server is the ingest-side half of the handoff: it tracks outstanding
// offers and serves the claim and media endpoints a transcoder calls
// back on. Mount Handler on the ingest's HTTP listener.
type Server struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*Offer
}

// NewServer builds an empty offer registry.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{logger: logger, pending: make(map[string]*Offer)}
}

// Offer registers a new handoff offer and returns its handle. The token
// goes onto the work item; everything else happens through the handle.
func (s *Server) Offer() *Offer {
	o := &Offer{
		token:   uuid.NewString(),
		srv:     s,
		claimed: make(chan struct{}),
		granted: make(chan struct{}),
		media:   make(chan *mediaConn),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.pending[o.token] = o
	s.mu.Unlock()
	return o
}

func (s *Server) lookup(token string) (*Offer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.pending[token]
	return o, ok
}

func (s *Server) remove(token string) {
	s.mu.Lock()
	delete(s.pending, token)
	s.mu.Unlock()
}

// Handler serves the transcoder-facing endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/handoff/{token}/claim", s.handleClaim)
	mux.HandleFunc("GET /v1/handoff/{token}/media", s.handleMedia)
	return mux
}

// handleClaim marks the offer claimed and holds the request open until
// the ingest grants, the caller gives up, or the offer is withdrawn.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	offer, ok := s.lookup(r.PathValue("token"))
	if !ok {
		http.Error(w, "unknown handoff token", http.StatusGone)
		return
	}
	offer.claimOnce.Do(func() { close(offer.claimed) })

	select {
	case <-offer.granted:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Grant{StreamSessionID: offer.sessionID})
	case <-offer.done:
		http.Error(w, "handoff withdrawn", http.StatusGone)
	case <-r.Context().Done():
		// Claimant timed out; the offer stays open for the next one.
		s.logger.Debug("handoff claimant went away before grant", "token", offer.token)
	}
}

// handleMedia binds the transcoder's media pull to the offer and blocks
// until the ingest finishes writing the stream.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	offer, ok := s.lookup(r.PathValue("token"))
	if !ok {
		http.Error(w, "unknown handoff token", http.StatusGone)
		return
	}

	select {
	case <-offer.granted:
	default:
		http.Error(w, "handoff not granted", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	conn := &mediaConn{
		writer: NewFrameWriter(flushWriter{w: w}),
		done:   make(chan struct{}),
	}
	select {
	case offer.media <- conn:
	case <-offer.done:
		http.Error(w, "handoff withdrawn", http.StatusGone)
		return
	case <-r.Context().Done():
		return
	}

	select {
	case <-conn.done:
	case <-offer.done:
	case <-r.Context().Done():
	}
}

// flushWriter flushes after every frame so parts reach the transcoder
// without waiting on the chunked writer's buffer.
type flushWriter struct {
	w http.ResponseWriter
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		if f, ok := fw.w.(http.Flusher); ok {
			f.Flush()
		}
	}
	return n, err
}

// Offer is one outstanding handoff on the ingest side.
type Offer struct {
	token string
	srv   *Server

	claimOnce sync.Once
	claimed   chan struct{}

	grantOnce sync.Once
	granted   chan struct{}
	sessionID string

	media chan *mediaConn

	closeOnce sync.Once
	done      chan struct{}
}

// Token goes onto the published work item.
func (o *Offer) Token() string { return o.token }

// Claimed is closed when the first transcoder calls back.
func (o *Offer) Claimed() <-chan struct{} { return o.claimed }

// Grant releases the claim response carrying sessionID. Only the first
// call has effect.
func (o *Offer) Grant(sessionID string) {
	o.grantOnce.Do(func() {
		o.sessionID = sessionID
		close(o.granted)
	})
}

// AwaitMedia blocks until the granted transcoder opens its media pull,
// then hands back the stream to write frames to.
func (o *Offer) AwaitMedia(ctx context.Context) (*MediaStream, error) {
	select {
	case conn := <-o.media:
		return &MediaStream{conn: conn}, nil
	case <-o.done:
		return nil, errors.New("handoff: offer withdrawn")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close withdraws the offer: pending claim and media requests are
// released and later callbacks see ErrHandoffGone.
func (o *Offer) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
		o.srv.remove(o.token)
	})
}

type mediaConn struct {
	writer *FrameWriter

	closeOnce sync.Once
	done      chan struct{}
}

// MediaStream is the ingest's write side of one granted handoff.
type MediaStream struct {
	conn *mediaConn
}

// WriteFrame forwards one frame to the transcoder.
func (m *MediaStream) WriteFrame(frame Frame) error {
	return m.conn.writer.WriteFrame(frame)
}

// Close terminates the stream cleanly; the transcoder's reader sees EOF.
func (m *MediaStream) Close() error {
	err := m.conn.writer.Close()
	m.conn.closeOnce.Do(func() { close(m.conn.done) })
	return err
}
