package wsstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/pkg/ws"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/statedoc"
	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/store"
	"github.com/thom899g/autonomous-self-supervised-trading-network/pkg/exception"
)

const _defaultRequestTimeout = 10 * time.Second

// Config carries the remote state endpoint settings.
type Config struct {
	Endpoint       string        `json:"endpoint"`
	Credentials    string        `json:"credentials"`
	RequestTimeout time.Duration `json:"requestTimeout"`
}

func (cfg Config) withDefaults() Config {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = _defaultRequestTimeout
	}
	return cfg
}

// Validate checks the endpoint settings.
func (cfg Config) Validate() error {
	if len(cfg.Endpoint) == 0 {
		return errors.New("empty state endpoint")
	}
	return nil
}

// WSStore dials websocket sessions against the remote state service.
// Each Connect returns an independent session with its own socket.
type WSStore struct {
	cfg Config
}

// New constructs a websocket store for the given endpoint.
func New(cfg Config) (*WSStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &WSStore{cfg: cfg.withDefaults()}, nil
}

// Connect dials and authenticates a fresh session.
func (s *WSStore) Connect(ctx context.Context) (store.Session, error) {
	wss := ws.New(ctx, s.cfg.Endpoint)
	if err := wss.Start(ctx); err != nil {
		return nil, store.Transient(errors.Wrap(err, "start wss").With("endpoint", s.cfg.Endpoint))
	}

	sess := &wsSession{
		cfg: s.cfg,
		wss: wss,
	}

	if err := sess.authenticate(ctx); err != nil {
		wss.Close()
		return nil, err
	}

	return sess, nil
}

// request is the client side of the state protocol frame.
type request struct {
	Op      string           `json:"op"`
	ID      uint64           `json:"id"`
	Token   string           `json:"token,omitempty"`
	Path    statedoc.Path    `json:"path,omitempty"`
	Payload statedoc.Payload `json:"payload,omitempty"`
}

// response carries the service side of the protocol. Retryable marks
// errors the service considers safe to retry.
type response struct {
	ID        uint64           `json:"id"`
	OK        bool             `json:"ok"`
	Found     bool             `json:"found"`
	Payload   statedoc.Payload `json:"payload,omitempty"`
	Error     string           `json:"error,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
	Timestamp int64            `json:"ts"`
}

// event is a pushed change notification, outside the request cycle.
type event struct {
	Op        string           `json:"op"`
	Path      statedoc.Path    `json:"path"`
	Payload   statedoc.Payload `json:"payload"`
	Timestamp int64            `json:"ts"`
}

type wsSession struct {
	cfg    Config
	wss    *ws.WebSocket
	nextID uint64
	closed uint32
}

func (s *wsSession) authenticate(ctx context.Context) error {
	resp, err := s.roundTrip(ctx, request{Op: "auth", Token: s.cfg.Credentials}, false)
	if err != nil {
		return err
	}
	if !resp.OK {
		return store.Fatal(errors.Wrap(exception.ErrBadCredentials, resp.Error))
	}

	return nil
}

func (s *wsSession) Put(ctx context.Context, path statedoc.Path, payload statedoc.Payload) error {
	resp, err := s.roundTrip(ctx, request{Op: "put", Path: path, Payload: payload}, false)
	if err != nil {
		return err
	}
	if !resp.OK {
		return serviceError("put", path, resp)
	}

	return nil
}

func (s *wsSession) Get(ctx context.Context, path statedoc.Path) (statedoc.Payload, bool, error) {
	resp, err := s.roundTrip(ctx, request{Op: "get", Path: path}, false)
	if err != nil {
		return nil, false, err
	}
	if !resp.OK {
		return nil, false, serviceError("get", path, resp)
	}
	if !resp.Found {
		return nil, false, nil
	}

	return resp.Payload, true, nil
}

func (s *wsSession) Watch(ctx context.Context, path statedoc.Path) (store.Stream, error) {
	// Registered so the watch is replayed after a socket reconnect.
	appendIntoRegister := true
	resp, err := s.roundTrip(ctx, request{Op: "watch", Path: path}, appendIntoRegister)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, serviceError("watch", path, resp)
	}

	ch, cancel := s.wss.Subscribe()
	return &wsStream{path: path, ch: ch, cancel: cancel}, nil
}

func (s *wsSession) Ping(ctx context.Context) error {
	resp, err := s.roundTrip(ctx, request{Op: "ping"}, false)
	if err != nil {
		return err
	}
	if !resp.OK {
		return store.Transient(errors.Errorf("ping rejected, err: %s", resp.Error))
	}

	return nil
}

func (s *wsSession) Close() error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return nil
	}

	s.wss.Close()
	return nil
}

// roundTrip sends one request frame and blocks for the matching
// response id.
func (s *wsSession) roundTrip(ctx context.Context, req request, register bool) (response, error) {
	if atomic.LoadUint32(&s.closed) != 0 {
		return response{}, store.Fatal(exception.ErrNotConnected)
	}

	req.ID = atomic.AddUint64(&s.nextID, 1)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	var resp response
	if err := s.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, wss *ws.WebSocket) error {
			if err := wss.WriteJSON(req); err != nil {
				return errors.Wrap(err, "write request").With("op", req.Op).With("path", req.Path)
			}

			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			var r response
			if err := m.Unmarshal(&r); err != nil || r.ID != req.ID {
				return false, nil
			}

			resp = r
			return true, nil
		},
	}, register); err != nil {
		return response{}, store.Transient(errors.Wrap(err, "send and wait").With("op", req.Op))
	}

	return resp, nil
}

// serviceError maps a rejected response onto the retry classification.
func serviceError(op string, path statedoc.Path, resp response) error {
	err := errors.Errorf("%s %s rejected, err: %s", op, path, resp.Error)
	if resp.Retryable {
		return store.Transient(err)
	}

	return store.Fatal(err)
}

type wsStream struct {
	path   statedoc.Path
	ch     <-chan ws.Message
	cancel func()
	closed uint32
}

func (st *wsStream) Recv(ctx context.Context) (store.ChangeEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return store.ChangeEvent{}, store.Fatal(ctx.Err())
		case m, ok := <-st.ch:
			if !ok {
				return store.ChangeEvent{}, store.Transient(exception.ErrWatchClosed)
			}

			ev, ok := ws.ReadMessage[event](m)
			if !ok || ev.Op != "event" || ev.Path != st.path {
				continue
			}

			return store.ChangeEvent{
				Path:      ev.Path,
				Payload:   ev.Payload,
				Timestamp: time.Unix(0, ev.Timestamp*int64(time.Millisecond)),
			}, nil
		}
	}
}

func (st *wsStream) Close() error {
	if !atomic.CompareAndSwapUint32(&st.closed, 0, 1) {
		return nil
	}

	st.cancel()
	return nil
}
