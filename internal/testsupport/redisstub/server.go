// Package redisstub is a minimal in-process Redis wire server for tests:
// enough of the string, stream, and pub/sub command surface for the
// store, events, and subscription suites to run without a live Redis.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string]*redisStream
	strs     map[string]*strEntry
	subs     map[string]map[*pubsubConn]struct{}
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type redisStream struct {
	entries []streamEntry
	groups  map[string]*groupState
	seq     int64
}

type streamEntry struct {
	id     string
	values map[string]string
}

type groupState struct {
	nextIndex int
	pending   map[string]*pendingEntry
}

type pendingEntry struct {
	deliveredAt time.Time
}

type strEntry struct {
	value  []byte
	expiry time.Time // zero means no expiry
}

func (e *strEntry) expired() bool {
	return !e.expiry.IsZero() && time.Now().After(e.expiry)
}

// outMsg is one frame queued to a subscribed connection's writer: either
// a simple-string reply or a push array.
type outMsg struct {
	simple string
	arr    []interface{}
}

type pubsubConn struct {
	out chan outMsg
}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:    opts,
		streams: make(map[string]*redisStream),
		strs:    make(map[string]*strEntry),
		subs:    make(map[string]map[*pubsubConn]struct{}),
		closed:  make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, keyPEM, cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
		if err != nil {
			return nil, err
		}
	} else {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			writeError(writer, "ERR wrong number of arguments")
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			if err := writeSimpleString(writer, "PONG"); err != nil {
				return
			}
		case "HELLO":
			// Unsupported: the client falls back to RESP2 on this
			// connection, which is the protocol this stub speaks.
			if err := writeError(writer, "ERR unknown command 'HELLO'"); err != nil {
				return
			}
		case "CLIENT":
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		case "AUTH":
			if len(args) == 2 {
				if s.opts.Password != "" && args[1] == s.opts.Password {
					authenticated = true
					if err := writeSimpleString(writer, "OK"); err != nil {
						return
					}
				} else if s.opts.Password == "" {
					authenticated = true
					if err := writeSimpleString(writer, "OK"); err != nil {
						return
					}
				} else {
					if err := writeError(writer, "WRONGPASS invalid username-password pair"); err != nil {
						return
					}
				}
			} else if len(args) == 3 {
				if s.opts.Password != "" && args[2] == s.opts.Password {
					authenticated = true
					if err := writeSimpleString(writer, "OK"); err != nil {
						return
					}
				} else {
					if err := writeError(writer, "WRONGPASS invalid username-password pair"); err != nil {
						return
					}
				}
			} else {
				if err := writeError(writer, "ERR wrong number of arguments for 'auth'"); err != nil {
					return
				}
			}
		case "SELECT":
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		case "SUBSCRIBE":
			if !authenticated {
				if err := writeError(writer, "NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			s.handleSubscribed(conn, reader, writer, args[1:])
			return
		default:
			if !authenticated {
				if err := writeError(writer, "NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if !s.dispatch(writer, args) {
				return
			}
		}
	}
}

// handleSubscribed switches a connection into pub/sub mode: a single
// writer goroutine owns the socket's write side, and both published
// messages and command replies are funneled through its queue.
func (s *Server) handleSubscribed(conn net.Conn, reader *bufio.Reader, writer *bufio.Writer, channels []string) {
	sub := &pubsubConn{out: make(chan outMsg, 64)}
	done := make(chan struct{})

	go func() {
		defer close(done)
		for msg := range sub.out {
			if msg.simple != "" {
				if err := writeSimpleString(writer, msg.simple); err != nil {
					return
				}
				continue
			}
			if err := writeArray(writer, msg.arr); err != nil {
				return
			}
		}
	}()

	subscribed := make(map[string]struct{})
	count := int64(0)
	for _, ch := range channels {
		s.subscribe(ch, sub)
		subscribed[ch] = struct{}{}
		count++
		sub.out <- outMsg{arr: []interface{}{"subscribe", ch, count}}
	}

	defer func() {
		for ch := range subscribed {
			s.unsubscribe(ch, sub)
		}
		close(sub.out)
		<-done
	}()

	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}
		switch strings.ToUpper(args[0]) {
		case "SUBSCRIBE":
			for _, ch := range args[1:] {
				if _, ok := subscribed[ch]; !ok {
					s.subscribe(ch, sub)
					subscribed[ch] = struct{}{}
					count++
				}
				sub.out <- outMsg{arr: []interface{}{"subscribe", ch, count}}
			}
		case "UNSUBSCRIBE":
			targets := args[1:]
			if len(targets) == 0 {
				for ch := range subscribed {
					targets = append(targets, ch)
				}
			}
			for _, ch := range targets {
				if _, ok := subscribed[ch]; ok {
					s.unsubscribe(ch, sub)
					delete(subscribed, ch)
					count--
				}
				sub.out <- outMsg{arr: []interface{}{"unsubscribe", ch, count}}
			}
		case "PING":
			sub.out <- outMsg{simple: "PONG"}
		default:
			// Anything else is ignored in subscribe mode.
		}
	}
}

func (s *Server) subscribe(channel string, sub *pubsubConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[channel]
	if !ok {
		set = make(map[*pubsubConn]struct{})
		s.subs[channel] = set
	}
	set[sub] = struct{}{}
}

func (s *Server) unsubscribe(channel string, sub *pubsubConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[channel]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(s.subs, channel)
	}
}

func (s *Server) publish(channel, payload string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	delivered := int64(0)
	for sub := range s.subs[channel] {
		select {
		case sub.out <- outMsg{arr: []interface{}{"message", channel, payload}}:
			delivered++
		default:
			// Subscriber queue full: drop rather than block the stub.
		}
	}
	return delivered
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) bool {
	if len(args) == 0 {
		_ = writeError(writer, "ERR command not provided")
		return false
	}
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "XADD":
		if len(args) < 5 {
			_ = writeError(writer, "ERR wrong number of arguments for 'xadd'")
			return false
		}
		stream := args[1]
		id := args[2]
		values := make(map[string]string)
		for i := 3; i+1 < len(args); i += 2 {
			values[args[i]] = args[i+1]
		}
		s.mu.Lock()
		strm := s.ensureStream(stream)
		if id == "*" {
			strm.seq++
			id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), strm.seq)
		}
		strm.entries = append(strm.entries, streamEntry{id: id, values: values})
		s.mu.Unlock()
		if err := writeBulkString(writer, id); err != nil {
			return false
		}
		return true
	case "XGROUP":
		if len(args) < 5 {
			_ = writeError(writer, "ERR wrong number of arguments for 'xgroup'")
			return false
		}
		action := strings.ToUpper(args[1])
		if action != "CREATE" {
			_ = writeError(writer, "ERR only CREATE supported")
			return false
		}
		stream := args[2]
		group := args[3]
		s.mu.Lock()
		strm := s.ensureStream(stream)
		if _, exists := strm.groups[group]; exists {
			s.mu.Unlock()
			_ = writeError(writer, "BUSYGROUP Consumer Group name already exists")
			return true
		}
		strm.groups[group] = &groupState{pending: make(map[string]*pendingEntry)}
		s.mu.Unlock()
		if err := writeSimpleString(writer, "OK"); err != nil {
			return false
		}
		return true
	case "XREADGROUP":
		return s.handleXReadGroup(writer, args)
	case "XAUTOCLAIM":
		return s.handleXAutoClaim(writer, args)
	case "XACK":
		if len(args) < 4 {
			_ = writeError(writer, "ERR wrong number of arguments for 'xack'")
			return false
		}
		stream := args[1]
		group := args[2]
		ids := args[3:]
		acked := s.ack(stream, group, ids)
		if err := writeInteger(writer, int64(acked)); err != nil {
			return false
		}
		return true
	case "SET":
		return s.handleSet(writer, args)
	case "GET":
		if len(args) != 2 {
			_ = writeError(writer, "ERR wrong number of arguments for 'get'")
			return false
		}
		value, ok := s.getStr(args[1])
		if !ok {
			if err := writeBulkNil(writer); err != nil {
				return false
			}
			return true
		}
		if err := writeBulkString(writer, string(value)); err != nil {
			return false
		}
		return true
	case "GETDEL":
		if len(args) != 2 {
			_ = writeError(writer, "ERR wrong number of arguments for 'getdel'")
			return false
		}
		value, ok := s.getStr(args[1])
		if ok {
			s.del(args[1])
		}
		if !ok {
			if err := writeBulkNil(writer); err != nil {
				return false
			}
			return true
		}
		if err := writeBulkString(writer, string(value)); err != nil {
			return false
		}
		return true
	case "DEL":
		if len(args) < 2 {
			_ = writeError(writer, "ERR wrong number of arguments for 'del'")
			return false
		}
		removed := int64(0)
		for _, key := range args[1:] {
			if _, ok := s.getStr(key); ok {
				s.del(key)
				removed++
			}
		}
		if err := writeInteger(writer, removed); err != nil {
			return false
		}
		return true
	case "PUBLISH":
		if len(args) != 3 {
			_ = writeError(writer, "ERR wrong number of arguments for 'publish'")
			return false
		}
		delivered := s.publish(args[1], args[2])
		if err := writeInteger(writer, delivered); err != nil {
			return false
		}
		return true
	case "INCR":
		if len(args) != 2 {
			_ = writeError(writer, "ERR wrong number of arguments for 'incr'")
			return false
		}
		value, err := s.incr(args[1])
		if err != nil {
			_ = writeError(writer, "ERR value is not an integer or out of range")
			return true
		}
		if err := writeInteger(writer, value); err != nil {
			return false
		}
		return true
	case "EXPIRE", "PEXPIRE":
		if len(args) != 3 {
			_ = writeError(writer, "ERR wrong number of arguments for 'expire'")
			return false
		}
		n, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			_ = writeError(writer, "ERR invalid expire time")
			return false
		}
		unit := time.Second
		if cmd == "PEXPIRE" {
			unit = time.Millisecond
		}
		set := s.expire(args[1], time.Duration(n)*unit)
		if err := writeInteger(writer, set); err != nil {
			return false
		}
		return true
	case "TTL", "PTTL":
		if len(args) != 2 {
			_ = writeError(writer, "ERR wrong number of arguments for 'ttl'")
			return false
		}
		unit := time.Second
		if cmd == "PTTL" {
			unit = time.Millisecond
		}
		ttl := s.ttl(args[1], unit)
		if err := writeInteger(writer, ttl); err != nil {
			return false
		}
		return true
	default:
		if err := writeError(writer, "ERR unsupported command '"+cmd+"'"); err != nil {
			return false
		}
		return true
	}
}

// handleSet supports the NX/XX/EX/PX option subset the lease and KV
// stores use; an unmet NX/XX condition replies nil.
func (s *Server) handleSet(writer *bufio.Writer, args []string) bool {
	if len(args) < 3 {
		_ = writeError(writer, "ERR wrong number of arguments for 'set'")
		return false
	}
	key, value := args[1], args[2]
	var nx, xx bool
	var ttl time.Duration
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "EX", "PX":
			if i+1 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				_ = writeError(writer, "ERR invalid expire time")
				return false
			}
			if strings.ToUpper(args[i]) == "EX" {
				ttl = time.Duration(n) * time.Second
			} else {
				ttl = time.Duration(n) * time.Millisecond
			}
			i++
		default:
			_ = writeError(writer, "ERR syntax error")
			return false
		}
	}

	s.mu.Lock()
	_, exists := s.liveEntry(key)
	if (nx && exists) || (xx && !exists) {
		s.mu.Unlock()
		if err := writeBulkNil(writer); err != nil {
			return false
		}
		return true
	}
	entry := &strEntry{value: []byte(value)}
	if ttl > 0 {
		entry.expiry = time.Now().Add(ttl)
	}
	s.strs[key] = entry
	s.mu.Unlock()

	if err := writeSimpleString(writer, "OK"); err != nil {
		return false
	}
	return true
}

// liveEntry returns key's entry if present and unexpired; the caller
// holds s.mu. An expired entry is reaped on access.
func (s *Server) liveEntry(key string) (*strEntry, bool) {
	entry, ok := s.strs[key]
	if !ok {
		return nil, false
	}
	if entry.expired() {
		delete(s.strs, key)
		return nil, false
	}
	return entry, true
}

func (s *Server) getStr(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveEntry(key)
	if !ok {
		return nil, false
	}
	return entry.value, true
}

func (s *Server) del(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strs, key)
}

func (s *Server) incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveEntry(key)
	if !ok {
		entry = &strEntry{}
		s.strs[key] = entry
	}
	var value int64
	if len(entry.value) > 0 {
		parsed, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return 0, err
		}
		value = parsed
	}
	value++
	entry.value = []byte(strconv.FormatInt(value, 10))
	return value, nil
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveEntry(key)
	if !ok {
		return 0
	}
	entry.expiry = time.Now().Add(ttl)
	return 1
}

func (s *Server) ttl(key string, unit time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveEntry(key)
	if !ok {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	return int64(time.Until(entry.expiry) / unit)
}

func (s *Server) ensureStream(name string) *redisStream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &redisStream{}
		s.streams[name] = strm
	}
	if strm.groups == nil {
		strm.groups = make(map[string]*groupState)
	}
	return strm
}

func (s *Server) handleXReadGroup(writer *bufio.Writer, args []string) bool {
	if len(args) < 6 {
		_ = writeError(writer, "ERR wrong number of arguments for 'xreadgroup'")
		return false
	}
	var group, stream string
	count := 1
	blockMs := 0
	for i := 1; i < len(args); i++ {
		token := strings.ToUpper(args[i])
		switch token {
		case "GROUP":
			if i+2 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			group = args[i+1]
			_ = args[i+2]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				_ = writeError(writer, "ERR invalid COUNT")
				return false
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				_ = writeError(writer, "ERR invalid BLOCK")
				return false
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				_ = writeError(writer, "ERR invalid BLOCK")
				return false
			}
			blockMs = v
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			stream = args[i+1]
			i = len(args)
		}
	}
	if stream == "" || group == "" {
		_ = writeError(writer, "ERR missing stream or group")
		return false
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		items := s.readGroup(stream, group, count)
		if len(items) > 0 {
			if err := writeArray(writer, []interface{}{items}); err != nil {
				return false
			}
			return true
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			if err := writeBulkNil(writer); err != nil {
				return false
			}
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// handleXAutoClaim re-delivers pending entries idle for at least
// min-idle, the redelivery path the event bus leans on.
func (s *Server) handleXAutoClaim(writer *bufio.Writer, args []string) bool {
	// XAUTOCLAIM key group consumer min-idle start [COUNT n]
	if len(args) < 6 {
		_ = writeError(writer, "ERR wrong number of arguments for 'xautoclaim'")
		return false
	}
	stream, group := args[1], args[2]
	minIdleMs, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		_ = writeError(writer, "ERR invalid min-idle-time")
		return false
	}
	count := 100
	for i := 6; i < len(args); i++ {
		if strings.ToUpper(args[i]) == "COUNT" && i+1 < len(args) {
			if v, err := strconv.Atoi(args[i+1]); err == nil {
				count = v
			}
			i++
		}
	}

	s.mu.Lock()
	strm := s.ensureStream(stream)
	state, ok := strm.groups[group]
	if !ok {
		state = &groupState{pending: make(map[string]*pendingEntry)}
		strm.groups[group] = state
	}
	cutoff := time.Now().Add(-time.Duration(minIdleMs) * time.Millisecond)
	claimed := make([]interface{}, 0)
	for _, entry := range strm.entries {
		if len(claimed) >= count {
			break
		}
		pend, ok := state.pending[entry.id]
		if !ok || pend.deliveredAt.After(cutoff) {
			continue
		}
		pend.deliveredAt = time.Now()
		claimed = append(claimed, []interface{}{entry.id, flatten(entry.values)})
	}
	s.mu.Unlock()

	reply := []interface{}{"0-0", claimed, []interface{}{}}
	if err := writeArray(writer, reply); err != nil {
		return false
	}
	return true
}

func (s *Server) readGroup(stream, group string, count int) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(stream)
	state, ok := strm.groups[group]
	if !ok {
		state = &groupState{pending: make(map[string]*pendingEntry)}
		strm.groups[group] = state
	}
	start := state.nextIndex
	if start >= len(strm.entries) {
		return nil
	}
	end := start + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	records := make([]interface{}, 0, end-start)
	for i := start; i < end; i++ {
		entry := strm.entries[i]
		state.pending[entry.id] = &pendingEntry{deliveredAt: time.Now()}
		records = append(records, []interface{}{
			entry.id,
			flatten(entry.values),
		})
	}
	state.nextIndex = end
	return []interface{}{stream, records}
}

func flatten(values map[string]string) []interface{} {
	out := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		out = append(out, k, v)
	}
	return out
}

func (s *Server) ack(stream, group string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return 0
	}
	state, ok := strm.groups[group]
	if !ok {
		return 0
	}
	count := 0
	for _, id := range ids {
		if _, exists := state.pending[id]; exists {
			delete(state.pending, id)
			count++
		}
	}
	return count
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if err := writeBulkStringRaw(w, v); err != nil {
				return err
			}
		case []byte:
			if err := writeBulkBytesRaw(w, v); err != nil {
				return err
			}
		case int64:
			if err := writeIntegerRaw(w, v); err != nil {
				return err
			}
		case []interface{}:
			if err := writeArrayRaw(w, v); err != nil {
				return err
			}
		default:
			if err := writeBulkStringRaw(w, fmt.Sprint(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeBulkStringRaw(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return nil
}

func writeBulkBytesRaw(w *bufio.Writer, value []byte) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n", len(value)); err != nil {
		return err
	}
	if _, err := w.Write(value); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return nil
}

func writeIntegerRaw(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return nil
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
