package server

import (
	"context"
	"e2e_call/internal/repository/relay"
	"e2e_call/internal/utils/log"
	apperr "e2e_call/pkg/errors"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const relayWriteTimeout = 10 * time.Second

// relayConn serves relay requests from one websocket client. Requests run in
// arrival order; watch events are pushed from the store's dispatchers.
type relayConn struct {
	conn   *websocket.Conn
	store  relay.Store
	userID string

	writeMu sync.Mutex

	mu      sync.Mutex
	watches map[uint64]relay.Unsubscribe
}

func (s *HttpServer) HandleRelayWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("relay upgrade failed", zap.Error(err))
			return
		}

		c := &relayConn{
			conn:    conn,
			store:   s.store,
			userID:  claims.Subject,
			watches: make(map[uint64]relay.Unsubscribe),
		}
		log.Info("relay client connected", zap.String("user_id", c.userID))
		c.serve(context.WithoutCancel(r.Context()))
	}
}

func (c *relayConn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		c.unwatchAll()
		c.conn.Close()
		log.Info("relay client disconnected", zap.String("user_id", c.userID))
	}()

	for {
		var req relay.Request
		if err := c.conn.ReadJSON(&req); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				log.Debug("relay read failed", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}

		resp := c.handle(ctx, req)
		resp.ID = req.ID
		if err := c.write(resp); err != nil {
			log.Debug("relay write failed", zap.String("user_id", c.userID), zap.Error(err))
			return
		}
	}
}

func (c *relayConn) handle(ctx context.Context, req relay.Request) relay.Response {
	var (
		resp relay.Response
		err  error
	)

	switch req.Op {
	case relay.OpGet:
		resp.Doc, err = c.store.Get(ctx, req.Path)
	case relay.OpSet:
		if err = c.authorizeWrite(ctx, req.Op, req.Path, req.Doc); err == nil {
			err = c.store.Set(ctx, req.Path, req.Doc)
		}
	case relay.OpUpdate:
		if err = c.authorizeWrite(ctx, req.Op, req.Path, req.Doc); err == nil {
			err = c.store.Update(ctx, req.Path, req.Doc)
		}
	case relay.OpDelete:
		if err = c.authorizeWrite(ctx, req.Op, req.Path, nil); err == nil {
			err = c.store.Delete(ctx, req.Path)
		}
	case relay.OpAdd:
		if err = c.authorizeWrite(ctx, req.Op, req.Collection, req.Doc); err == nil {
			resp.DocID, err = c.store.Add(ctx, req.Collection, req.Doc)
		}
	case relay.OpList:
		if req.Query == nil {
			err = apperr.ErrInvalidRelayRequest
			break
		}
		resp.Snapshots, err = c.store.List(ctx, *req.Query)
	case relay.OpWatchDocument:
		err = c.watchDocument(ctx, req)
	case relay.OpWatchCollection:
		err = c.watchCollection(ctx, req)
	case relay.OpUnwatch:
		c.unwatch(req.WatchID)
	default:
		err = apperr.ErrInvalidRelayRequest
	}

	if err != nil {
		code := apperr.CodeOf(err)
		if code == apperr.CodeUnknown {
			log.Warn("relay request failed", zap.String("op", req.Op), zap.String("user_id", c.userID), zap.Error(err))
			code = apperr.CodeInternal
		}
		return relay.Response{Code: string(code), Error: err.Error()}
	}
	return resp
}

func (c *relayConn) watchDocument(ctx context.Context, req relay.Request) error {
	watchID := req.ID
	unsub, err := c.store.WatchDocument(ctx, req.Path, func(snap relay.Snapshot) {
		c.push(&relay.Event{WatchID: watchID, Snapshot: &snap})
	})
	if err != nil {
		return err
	}
	c.addWatch(watchID, unsub)
	return nil
}

func (c *relayConn) watchCollection(ctx context.Context, req relay.Request) error {
	if req.Query == nil {
		return apperr.ErrInvalidRelayRequest
	}
	watchID := req.ID
	unsub, err := c.store.WatchCollection(ctx, *req.Query, func(changes []relay.Change) {
		c.push(&relay.Event{WatchID: watchID, Changes: changes})
	})
	if err != nil {
		return err
	}
	c.addWatch(watchID, unsub)
	return nil
}

func (c *relayConn) push(ev *relay.Event) {
	if err := c.write(relay.Response{Event: ev}); err != nil {
		log.Debug("relay push failed", zap.Uint64("watch_id", ev.WatchID), zap.Error(err))
	}
}

func (c *relayConn) addWatch(id uint64, unsub relay.Unsubscribe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watches[id] = unsub
}

func (c *relayConn) unwatch(id uint64) {
	c.mu.Lock()
	unsub, ok := c.watches[id]
	delete(c.watches, id)
	c.mu.Unlock()
	if ok {
		unsub()
	}
}

func (c *relayConn) unwatchAll() {
	c.mu.Lock()
	watches := c.watches
	c.watches = make(map[uint64]relay.Unsubscribe)
	c.mu.Unlock()
	for _, unsub := range watches {
		unsub()
	}
}

func (c *relayConn) write(resp relay.Response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return c.conn.WriteJSON(resp)
}
