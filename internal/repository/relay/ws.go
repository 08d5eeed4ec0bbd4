package relay

import (
	"context"
	"e2e_call/internal/utils/log"
	apperr "e2e_call/pkg/errors"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

var ErrClosed = errors.New("relay connection closed")

type (
	wsWatch struct {
		d        *dispatcher
		onDoc    func(Snapshot)
		onChange func([]Change)
	}

	// WS is a Store served by the relay server over one websocket.
	WS struct {
		conn    *websocket.Conn
		writeMu sync.Mutex

		mu      sync.Mutex
		nextID  uint64
		pending map[uint64]chan Response
		watches map[uint64]*wsWatch
		err     error

		closed chan struct{}
	}
)

// DialWS connects to the relay endpoint, authenticating with a bearer token.
func DialWS(ctx context.Context, url, token string) (*WS, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return NewWS(conn), nil
}

func NewWS(conn *websocket.Conn) *WS {
	c := &WS{
		conn:    conn,
		pending: make(map[uint64]chan Response),
		watches: make(map[uint64]*wsWatch),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *WS) Close() error {
	c.shutdown(ErrClosed)
	return c.conn.Close()
}

// Done is closed when the connection is gone.
func (c *WS) Done() <-chan struct{} {
	return c.closed
}

func (c *WS) Get(ctx context.Context, path string) (Document, error) {
	resp, err := c.call(ctx, Request{Op: OpGet, Path: path}, nil)
	if err != nil {
		return nil, err
	}
	return resp.Doc, nil
}

func (c *WS) Set(ctx context.Context, path string, doc Document) error {
	_, err := c.call(ctx, Request{Op: OpSet, Path: path, Doc: doc}, nil)
	return err
}

func (c *WS) Update(ctx context.Context, path string, fields Document) error {
	_, err := c.call(ctx, Request{Op: OpUpdate, Path: path, Doc: fields}, nil)
	return err
}

func (c *WS) Delete(ctx context.Context, path string) error {
	_, err := c.call(ctx, Request{Op: OpDelete, Path: path}, nil)
	return err
}

func (c *WS) Add(ctx context.Context, collection string, doc Document) (string, error) {
	resp, err := c.call(ctx, Request{Op: OpAdd, Collection: collection, Doc: doc}, nil)
	if err != nil {
		return "", err
	}
	return resp.DocID, nil
}

func (c *WS) List(ctx context.Context, q Query) ([]Snapshot, error) {
	resp, err := c.call(ctx, Request{Op: OpList, Query: &q}, nil)
	if err != nil {
		return nil, err
	}
	return resp.Snapshots, nil
}

func (c *WS) WatchDocument(ctx context.Context, path string, fn func(Snapshot)) (Unsubscribe, error) {
	w := &wsWatch{d: newDispatcher(), onDoc: fn}
	return c.watch(ctx, Request{Op: OpWatchDocument, Path: path}, w)
}

func (c *WS) WatchCollection(ctx context.Context, q Query, fn func([]Change)) (Unsubscribe, error) {
	w := &wsWatch{d: newDispatcher(), onChange: fn}
	return c.watch(ctx, Request{Op: OpWatchCollection, Query: &q}, w)
}

func (c *WS) watch(ctx context.Context, req Request, w *wsWatch) (Unsubscribe, error) {
	var id uint64
	_, err := c.call(ctx, req, func(reqID uint64) {
		// registered before the request is written so early events are kept
		id = reqID
		c.watches[reqID] = w
	})
	if err != nil {
		c.mu.Lock()
		delete(c.watches, id)
		c.mu.Unlock()
		w.d.stop()
		return nil, err
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watches, id)
			c.mu.Unlock()
			w.d.stop()

			if err := c.send(Request{Op: OpUnwatch, WatchID: id}); err != nil && !errors.Is(err, ErrClosed) {
				log.Debug("relay unwatch failed", zap.Uint64("watch_id", id), zap.Error(err))
			}
		})
	}
	context.AfterFunc(ctx, unsub)
	return unsub, nil
}

// call sends req and waits for its response. register runs under c.mu with
// the request id before the frame is written.
func (c *WS) call(ctx context.Context, req Request, register func(uint64)) (Response, error) {
	ch := make(chan Response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Response{}, err
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	if register != nil {
		register(req.ID)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return Response{}, err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return Response{}, responseError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-c.closed:
		return Response{}, c.closeErr()
	}
}

func (c *WS) send(req Request) error {
	select {
	case <-c.closed:
		return c.closeErr()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write relay request: %w", err)
	}
	return nil
}

func (c *WS) readLoop() {
	for {
		var resp Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			log.Debug("relay connection closed", zap.Error(err))
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		if resp.Event != nil {
			c.dispatch(resp.Event)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *WS) dispatch(ev *Event) {
	c.mu.Lock()
	w, ok := c.watches[ev.WatchID]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch {
	case w.onDoc != nil && ev.Snapshot != nil:
		snap := *ev.Snapshot
		w.d.push(func() { w.onDoc(snap) })
	case w.onChange != nil:
		changes := ev.Changes
		w.d.push(func() { w.onChange(changes) })
	}
}

func (c *WS) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	for id, w := range c.watches {
		w.d.stop()
		delete(c.watches, id)
	}
	close(c.closed)
}

func (c *WS) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

func responseError(resp Response) error {
	switch apperr.Code(resp.Code) {
	case apperr.CodeNotFound:
		return ErrNotFound
	case "":
		return errors.New(resp.Error)
	default:
		return apperr.New(apperr.Code(resp.Code), resp.Error)
	}
}
