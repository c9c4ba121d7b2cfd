package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"e2e_core/internal/codec"
	"e2e_core/internal/model"
	redisSvc "e2e_core/internal/service/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice model.Identity = "ALICE001"
	bob   model.Identity = "BOB00002"
)

type memContacts struct {
	mu       sync.Mutex
	contacts map[model.Identity]model.Contact
}

func (m *memContacts) GetByIdentity(_ context.Context, id model.Identity) (*model.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *memContacts) Upsert(_ context.Context, c model.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.Identity] = c
	return nil
}

type relay struct {
	server *HttpServer
	http   *httptest.Server
	redis  *miniredis.Miniredis
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s := NewHttpServer(&memContacts{contacts: map[model.Identity]model.Contact{}}, redisSvc.NewRedis(rdb))
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &relay{server: s, http: srv, redis: mr}
}

func (r *relay) connect(t *testing.T, id model.Identity) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws?identity=" + id.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return r.server.Online(id) }, time.Second, time.Millisecond)
	return conn
}

func frame(t *testing.T, from, to model.Identity, flags model.Flags, payload string) []byte {
	t.Helper()
	nonce, err := model.RandomNonce()
	require.NoError(t, err)
	b, err := codec.MarshalEnvelope(&model.BoxedEnvelope{
		From:      from,
		To:        to,
		MessageID: model.RandomMessageID(),
		Date:      time.Now().UTC().Truncate(time.Second),
		Flags:     flags,
		Type:      model.TypeText,
		Nonce:     nonce,
		Payload:   []byte(payload),
	})
	require.NoError(t, err)
	return b
}

func next(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return kind, data
}

// read returns the next envelope frame, skipping the queue marker.
func read(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	for {
		kind, data := next(t, conn)
		if kind == websocket.TextMessage && string(data) == QueueSendComplete {
			continue
		}
		assert.Equal(t, websocket.BinaryMessage, kind)
		return data
	}
}

func TestDirectDelivery(t *testing.T) {
	r := newRelay(t)
	a := r.connect(t, alice)
	b := r.connect(t, bob)

	f := frame(t, alice, bob, 0, "hello")
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, f))
	assert.Equal(t, f, read(t, b))
}

func TestOfflineQueue(t *testing.T) {
	r := newRelay(t)
	a := r.connect(t, alice)

	dropped := frame(t, alice, bob, model.FlagDontQueue, "typing")
	queued := frame(t, alice, bob, 0, "hello")
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, dropped))
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, queued))

	require.Eventually(t, func() bool {
		l, err := r.redis.List(queueKey(bob))
		return err == nil && len(l) == 1
	}, time.Second, time.Millisecond)

	b := r.connect(t, bob)
	kind, data := next(t, b)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, queued, data)

	kind, data = next(t, b)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, QueueSendComplete, string(data))
	assert.False(t, r.redis.Exists(queueKey(bob)))
}

func TestSpoofedSenderIsDropped(t *testing.T) {
	r := newRelay(t)
	a := r.connect(t, alice)
	b := r.connect(t, bob)

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, frame(t, "MALLORY9", bob, 0, "spoofed")))
	genuine := frame(t, alice, bob, 0, "genuine")
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, genuine))
	assert.Equal(t, genuine, read(t, b))
}

func TestDuplicateConnectionIsRefused(t *testing.T) {
	r := newRelay(t)
	r.connect(t, alice)

	url := "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws?identity=" + alice.String()
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestKeyDirectory(t *testing.T) {
	r := newRelay(t)
	kp, err := model.NewKeyPair()
	require.NoError(t, err)

	resp, err := http.Get(r.http.URL + "/keys/" + alice.String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body, err := json.Marshal(model.RecordOf(model.Contact{PublicKey: kp.Public, ForwardSecure: true}))
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, r.http.URL+"/keys/"+alice.String(), bytes.NewReader(body))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(r.http.URL + "/keys/" + alice.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec model.KeyRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	c, err := rec.Contact()
	require.NoError(t, err)
	assert.Equal(t, alice, c.Identity)
	assert.Equal(t, kp.Public, c.PublicKey)
	assert.True(t, c.ForwardSecure)

	resp, err = http.Get(r.http.URL + "/keys/bad")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func putKeys(t *testing.T, base string, id model.Identity, c model.Contact) int {
	t.Helper()
	body, err := json.Marshal(model.RecordOf(c))
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, base+"/keys/"+id.String(), bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestKeysFirstWriteWins(t *testing.T) {
	r := newRelay(t)
	first, err := model.NewKeyPair()
	require.NoError(t, err)
	second, err := model.NewKeyPair()
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, putKeys(t, r.http.URL, alice, model.Contact{PublicKey: first.Public}))
	assert.Equal(t, http.StatusNoContent, putKeys(t, r.http.URL, alice, model.Contact{PublicKey: first.Public, ForwardSecure: true}))
	assert.Equal(t, http.StatusConflict, putKeys(t, r.http.URL, alice, model.Contact{PublicKey: second.Public}))

	resp, err := http.Get(r.http.URL + "/keys/" + alice.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec model.KeyRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	c, err := rec.Contact()
	require.NoError(t, err)
	assert.Equal(t, first.Public, c.PublicKey)
	assert.True(t, c.ForwardSecure)
}
