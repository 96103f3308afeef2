package store

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/errors"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/statedoc"
	"github.com/thom899g/autonomous-self-supervised-trading-network/pkg/exception"
)

const watchBuffer = 64

// MemoryStore is an in-process document store used by tests and paper
// trading. Failures are injected through an explicit script so recovery
// behavior stays deterministic.
type MemoryStore struct {
	mu sync.Mutex

	docs     map[statedoc.Path]statedoc.Document
	history  map[statedoc.Path][]statedoc.Payload
	watchers map[statedoc.Path][]*memoryStream

	putFailures     map[statedoc.Path]int
	getFailures     map[statedoc.Path]int
	fatalPuts       map[statedoc.Path]bool
	connectFailures int
	pingFailures    int

	liveSessions int
	peakSessions int
	connects     int
	puts         int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:        make(map[statedoc.Path]statedoc.Document),
		history:     make(map[statedoc.Path][]statedoc.Payload),
		watchers:    make(map[statedoc.Path][]*memoryStream),
		putFailures: make(map[statedoc.Path]int),
		getFailures: make(map[statedoc.Path]int),
		fatalPuts:   make(map[statedoc.Path]bool),
	}
}

// FailNextPuts makes the next n Put calls for path fail transiently.
func (s *MemoryStore) FailNextPuts(path statedoc.Path, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putFailures[path] = n
}

// FailNextGets makes the next n Get calls for path fail transiently.
func (s *MemoryStore) FailNextGets(path statedoc.Path, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getFailures[path] = n
}

// FailPutsFatally makes every Put for path fail fatally until cleared.
func (s *MemoryStore) FailPutsFatally(path statedoc.Path, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatalPuts[path] = on
}

// FailNextConnects makes the next n Connect calls fail transiently.
func (s *MemoryStore) FailNextConnects(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectFailures = n
}

// FailNextPings makes the next n Ping calls fail transiently, across
// all sessions.
func (s *MemoryStore) FailNextPings(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingFailures = n
}

// DisconnectWatchers force-closes every live watch stream for path.
func (s *MemoryStore) DisconnectWatchers(path statedoc.Path) {
	s.mu.Lock()
	streams := append([]*memoryStream(nil), s.watchers[path]...)
	s.watchers[path] = nil
	s.mu.Unlock()
	for _, st := range streams {
		st.disconnect()
	}
}

// Document returns the current document for path.
func (s *MemoryStore) Document(path statedoc.Path) (statedoc.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[path]
	return doc, ok
}

// History returns every applied payload for path in apply order.
func (s *MemoryStore) History(path statedoc.Path) []statedoc.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statedoc.Payload(nil), s.history[path]...)
}

// LiveSessions returns the number of currently open sessions.
func (s *MemoryStore) LiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveSessions
}

// PeakSessions returns the highest number of concurrently open sessions.
func (s *MemoryStore) PeakSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peakSessions
}

// Connects returns the number of successful Connect calls.
func (s *MemoryStore) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Puts returns the number of successful Put calls across all paths.
func (s *MemoryStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// Connect opens a new in-memory session.
func (s *MemoryStore) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectFailures > 0 {
		s.connectFailures--
		return nil, Transient(exception.ErrConnection)
	}
	s.connects++
	s.liveSessions++
	if s.liveSessions > s.peakSessions {
		s.peakSessions = s.liveSessions
	}
	return &memorySession{store: s}, nil
}

func (s *MemoryStore) sessionClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveSessions--
}

func (s *MemoryStore) put(path statedoc.Path, payload statedoc.Payload) error {
	s.mu.Lock()
	if s.fatalPuts[path] {
		s.mu.Unlock()
		return Fatal(errors.Errorf("store: permission denied, path: %s", path))
	}
	if s.putFailures[path] > 0 {
		s.putFailures[path]--
		s.mu.Unlock()
		return Transient(errors.Errorf("store: write timed out, path: %s", path))
	}
	doc := statedoc.Document{
		Path:      path,
		Payload:   payload.Clone(),
		UpdatedAt: time.Now().UTC(),
	}
	s.docs[path] = doc
	s.history[path] = append(s.history[path], doc.Payload)
	s.puts++
	streams := append([]*memoryStream(nil), s.watchers[path]...)
	s.mu.Unlock()

	event := ChangeEvent{Path: path, Payload: doc.Payload, Timestamp: doc.UpdatedAt}
	for _, st := range streams {
		st.deliver(event)
	}
	return nil
}

func (s *MemoryStore) get(path statedoc.Path) (statedoc.Payload, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getFailures[path] > 0 {
		s.getFailures[path]--
		return nil, false, Transient(errors.Errorf("store: read timed out, path: %s", path))
	}
	doc, ok := s.docs[path]
	if !ok {
		return nil, false, nil
	}
	return doc.Payload.Clone(), true, nil
}

func (s *MemoryStore) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingFailures > 0 {
		s.pingFailures--
		return Transient(errors.New("store: ping timed out"))
	}
	return nil
}

func (s *MemoryStore) watch(path statedoc.Path) *memoryStream {
	st := &memoryStream{
		store:  s,
		path:   path,
		events: make(chan ChangeEvent, watchBuffer),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	if doc, ok := s.docs[path]; ok {
		// Initial snapshot, mirroring the remote store's watch semantics.
		st.events <- ChangeEvent{Path: path, Payload: doc.Payload, Timestamp: doc.UpdatedAt}
	}
	s.watchers[path] = append(s.watchers[path], st)
	s.mu.Unlock()
	return st
}

func (s *MemoryStore) removeWatcher(target *memoryStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	streams := s.watchers[target.path]
	for i, st := range streams {
		if st == target {
			streams[i] = streams[len(streams)-1]
			s.watchers[target.path] = streams[:len(streams)-1]
			return
		}
	}
}

type memorySession struct {
	store  *MemoryStore
	mu     sync.Mutex
	closed bool
}

func (c *memorySession) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *memorySession) Put(ctx context.Context, path statedoc.Path, payload statedoc.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return Transient(exception.ErrNotConnected)
	}
	return c.store.put(path, payload)
}

func (c *memorySession) Get(ctx context.Context, path statedoc.Path) (statedoc.Payload, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if c.isClosed() {
		return nil, false, Transient(exception.ErrNotConnected)
	}
	return c.store.get(path)
}

func (c *memorySession) Watch(ctx context.Context, path statedoc.Path) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, Transient(exception.ErrNotConnected)
	}
	return c.store.watch(path), nil
}

func (c *memorySession) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return Transient(exception.ErrNotConnected)
	}
	return c.store.ping()
}

func (c *memorySession) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.store.sessionClosed()
	return nil
}

type memoryStream struct {
	store  *MemoryStore
	path   statedoc.Path
	events chan ChangeEvent

	once sync.Once
	done chan struct{}
}

func (st *memoryStream) deliver(event ChangeEvent) {
	select {
	case st.events <- event:
	case <-st.done:
	}
}

func (st *memoryStream) disconnect() {
	st.once.Do(func() { close(st.done) })
}

func (st *memoryStream) Recv(ctx context.Context) (ChangeEvent, error) {
	select {
	case event := <-st.events:
		return event, nil
	case <-st.done:
		// Drain events buffered before the disconnect.
		select {
		case event := <-st.events:
			return event, nil
		default:
			return ChangeEvent{}, Transient(exception.ErrWatchClosed)
		}
	case <-ctx.Done():
		return ChangeEvent{}, ctx.Err()
	}
}

func (st *memoryStream) Close() error {
	st.store.removeWatcher(st)
	st.disconnect()
	return nil
}
