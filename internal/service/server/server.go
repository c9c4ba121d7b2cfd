package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"e2e_core/internal/codec"
	"e2e_core/internal/model"
	"e2e_core/internal/service/redis"
	"e2e_core/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// maxFrameSize bounds one websocket frame: an envelope header plus a box.
	maxFrameSize = codec.HeaderSize + 2<<20

	// QueueSendComplete is sent as a text frame once every queued frame went out.
	QueueSendComplete = "queue_send_complete"
)

type (
	// Contacts is the key directory the relay publishes.
	Contacts interface {
		GetByIdentity(ctx context.Context, id model.Identity) (*model.Contact, error)
		Upsert(ctx context.Context, c model.Contact) error
	}

	HttpServer struct {
		mu           sync.Mutex
		mapper       map[model.Identity]*peerConn
		contacts     Contacts
		// keysMu serializes the read-then-write of PutKeys.
		keysMu       sync.Mutex
		redisService *redis.RedisService
		srv          *http.Server
	}

	peerConn struct {
		mu   sync.Mutex
		conn *websocket.Conn
	}
)

func NewHttpServer(contacts Contacts, redisSvc *redis.RedisService) *HttpServer {
	return &HttpServer{
		mapper:       make(map[model.Identity]*peerConn),
		contacts:     contacts,
		redisService: redisSvc,
	}
}

func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{identity}", s.GetKeys()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{identity}", s.PutKeys()).Methods(http.MethodPut)
	return r
}

func (s *HttpServer) Run(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Router()}
	log.Info("relay listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *HttpServer) Online(id model.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.mapper[id]
	return ok
}

func (p *peerConn) write(frame []byte) error {
	return p.writeMessage(websocket.BinaryMessage, frame)
}

func (p *peerConn) writeMessage(kind int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(kind, data)
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		id, err := model.ParseIdentity(r.URL.Query().Get("identity"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if s.Online(id) {
			http.Error(w, "identity already connected", http.StatusConflict)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("upgrade failed", zap.Error(err))
			return
		}
		conn.SetReadLimit(maxFrameSize)

		p := &peerConn{conn: conn}
		s.mu.Lock()
		if _, ok := s.mapper[id]; ok {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.mapper[id] = p
		s.mu.Unlock()

		log.Debug("peer connected", zap.String("identity", id.String()))
		go s.processWSMessage(id, p)
		if err := s.ForwardUnsentMessages(context.Background(), id, p); err != nil {
			log.Error("forward queued frames failed", zap.String("identity", id.String()), zap.Error(err))
		}
	}
}

func (s *HttpServer) processWSMessage(id model.Identity, p *peerConn) {
	defer func() {
		s.mu.Lock()
		if s.mapper[id] == p {
			delete(s.mapper, id)
		}
		s.mu.Unlock()
		p.conn.Close()
	}()

	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			log.Debug("peer web socket closed", zap.String("identity", id.String()), zap.Error(err))
			return
		}
		if kind != websocket.BinaryMessage {
			log.Warn("dropping non binary frame", zap.String("identity", id.String()))
			continue
		}

		env, err := codec.UnmarshalEnvelope(data)
		if err != nil {
			log.Warn("dropping malformed frame", zap.String("identity", id.String()), zap.Error(err))
			continue
		}
		if env.From != id {
			log.Warn("dropping frame with foreign sender",
				zap.String("identity", id.String()), zap.String("from", env.From.String()))
			continue
		}

		s.route(context.Background(), env, data)
	}
}

func (s *HttpServer) route(ctx context.Context, env *model.BoxedEnvelope, frame []byte) {
	s.mu.Lock()
	to, online := s.mapper[env.To]
	s.mu.Unlock()

	if online {
		err := to.write(frame)
		if err == nil {
			return
		}
		log.Debug("direct delivery failed, queueing", zap.String("to", env.To.String()), zap.Error(err))
	}

	if env.Flags.Has(model.FlagDontQueue) {
		log.Debug("recipient offline, dropping unqueued frame",
			zap.String("to", env.To.String()), zap.String("message_id", env.MessageID.String()))
		return
	}
	if err := s.Enqueue(ctx, env.To, frame); err != nil {
		log.Error("queue frame failed", zap.String("to", env.To.String()), zap.Error(err))
	}
}

func (s *HttpServer) GetKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := model.ParseIdentity(mux.Vars(r)["identity"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		c, err := s.contacts.GetByIdentity(ctx, id)
		if err != nil {
			log.Error("get keys failed", zap.Error(err))
			http.Error(w, "get keys failed", http.StatusInternalServerError)
			return
		}
		if c == nil {
			http.Error(w, "identity not found", http.StatusNotFound)
			return
		}

		data, err := json.Marshal(model.RecordOf(*c))
		if err != nil {
			log.Error("get keys failed", zap.Error(err))
			http.Error(w, "get keys failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func (s *HttpServer) PutKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := model.ParseIdentity(mux.Vars(r)["identity"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var rec model.KeyRecord
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&rec); err != nil {
			http.Error(w, "malformed key record", http.StatusBadRequest)
			return
		}
		rec.Identity = id
		c, err := rec.Contact()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// An identity keeps the first key published for it. Republishing the
		// same key is accepted so clients can publish on every start.
		s.keysMu.Lock()
		defer s.keysMu.Unlock()
		existing, err := s.contacts.GetByIdentity(ctx, id)
		if err != nil {
			log.Error("put keys failed", zap.Error(err))
			http.Error(w, "put keys failed", http.StatusInternalServerError)
			return
		}
		if existing != nil && existing.PublicKey != c.PublicKey {
			log.Warn("key overwrite refused", zap.String("identity", id.String()))
			http.Error(w, "identity already has a different key", http.StatusConflict)
			return
		}

		if err := s.contacts.Upsert(ctx, c); err != nil {
			log.Error("put keys failed", zap.Error(err))
			http.Error(w, "put keys failed", http.StatusInternalServerError)
			return
		}
		log.Info("keys published", zap.String("identity", id.String()))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) ForwardUnsentMessages(ctx context.Context, id model.Identity, p *peerConn) error {
	frames, err := s.Dequeue(ctx, id)
	if err != nil {
		return err
	}

	for i, frame := range frames {
		if err := p.write(frame); err != nil {
			// put back what the peer did not get
			if qerr := s.Enqueue(ctx, id, frames[i:]...); qerr != nil {
				return errors.Join(err, qerr)
			}
			return err
		}
	}
	return p.writeMessage(websocket.TextMessage, []byte(QueueSendComplete))
}
