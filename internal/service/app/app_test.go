package app

import (
	"context"
	"e2e_call/config"
	"e2e_call/internal/model"
	"e2e_call/internal/repository/directory"
	"e2e_call/internal/repository/keystore"
	"e2e_call/internal/repository/relay"
	"e2e_call/internal/service/call"
	"e2e_call/internal/service/e2ee"
	"e2e_call/internal/service/server"
	"e2e_call/internal/service/signaling"
	apperr "e2e_call/pkg/errors"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wait = 2 * time.Second
	tick = 10 * time.Millisecond
)

func TestParseCommand(t *testing.T) {
	cmd, arg, ok := parseCommand("/call Backend Engineer")
	assert.True(t, ok)
	assert.Equal(t, "call", cmd)
	assert.Equal(t, "Backend Engineer", arg)

	cmd, arg, ok = parseCommand("/HANGUP")
	assert.True(t, ok)
	assert.Equal(t, "hangup", cmd)
	assert.Empty(t, arg)

	_, _, ok = parseCommand("hello /there")
	assert.False(t, ok)
}

func TestConversationID(t *testing.T) {
	assert.Equal(t, ConversationID("alice", "bob"), ConversationID("bob", "alice"))
	assert.NotEqual(t, ConversationID("alice", "bob"), ConversationID("alice", "carol"))
}

func newManager(t *testing.T, dir directory.Directory) *e2ee.Manager {
	t.Helper()
	ks, err := keystore.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })
	return e2ee.NewManager(context.Background(), ks, dir)
}

type lines struct {
	mu    sync.Mutex
	items []Line
}

func (l *lines) add(line Line) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, line)
}

func (l *lines) get() []Line {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Line(nil), l.items...)
}

func TestChat_EncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := relay.NewMemory()
	dir := directory.NewDocument(relay.NewMemory())

	aliceCrypto := newManager(t, dir)
	bobCrypto := newManager(t, dir)
	_, err := aliceCrypto.EnsureKeyPair(ctx, "alice")
	require.NoError(t, err)
	_, err = bobCrypto.EnsureKeyPair(ctx, "bob")
	require.NoError(t, err)

	alice := NewChat(store, aliceCrypto, "alice", "bob")
	bob := NewChat(store, bobCrypto, "bob", "alice")

	require.NoError(t, alice.Send(ctx, "hello bob"))

	got := &lines{}
	unsub, err := bob.Listen(ctx, got.add)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, bob.Send(ctx, "hi alice"))

	require.Eventually(t, func() bool { return len(got.get()) == 2 }, wait, tick)
	all := got.get()
	assert.Equal(t, "alice", all[0].SenderID)
	assert.Equal(t, "hello bob", all[0].Text)
	assert.False(t, all[0].Unreadable)
	assert.Equal(t, "bob", all[1].SenderID)
	assert.Equal(t, "hi alice", all[1].Text)

	// only ciphertext is stored
	snaps, err := store.List(ctx, relay.Query{Collection: alice.collection()})
	require.NoError(t, err)
	for _, s := range snaps {
		assert.NotContains(t, s.Data["ciphertext"], "hello")
		assert.NotContains(t, s.Data, "text")
	}
}

func TestChat_UnreadableMessage(t *testing.T) {
	ctx := context.Background()
	store := relay.NewMemory()
	dir := directory.NewDocument(relay.NewMemory())

	bobCrypto := newManager(t, dir)
	_, err := newManager(t, dir).EnsureKeyPair(ctx, "alice")
	require.NoError(t, err)
	_, err = bobCrypto.EnsureKeyPair(ctx, "bob")
	require.NoError(t, err)

	bob := NewChat(store, bobCrypto, "bob", "alice")
	doc, err := relay.Encode(model.ChatMessage{
		SenderID:   "alice",
		Ciphertext: "AAAAAAAAAAAAAAAAAAAAAA==",
		IV:         "AAAAAAAAAAAAAAAA",
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)
	_, err = store.Add(ctx, bob.collection(), doc)
	require.NoError(t, err)

	got := &lines{}
	unsub, err := bob.Listen(ctx, got.add)
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool { return len(got.get()) == 1 }, wait, tick)
	line := got.get()[0]
	assert.True(t, line.Unreadable)
	assert.Equal(t, UnreadableMessage, line.Text)
}

func TestChat_SendWithoutPeerKey(t *testing.T) {
	ctx := context.Background()
	store := relay.NewMemory()
	crypto := newManager(t, directory.NewDocument(relay.NewMemory()))

	err := NewChat(store, crypto, "alice", "nobody").Send(ctx, "hello")
	require.ErrorIs(t, err, e2ee.ErrEncryptionUnavailable)

	snaps, err := store.List(ctx, relay.Query{Collection: relay.Join(ChatsCollection, ConversationID("alice", "nobody"), "messages")})
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

// testPeer is a peer connection that negotiates instantly and never gathers.
type testPeer struct {
	offerDelay time.Duration

	mu     sync.Mutex
	remote *model.SessionDescription
	closed bool
}

func (p *testPeer) CreateOffer() (model.SessionDescription, error) {
	time.Sleep(p.offerDelay)
	return model.SessionDescription{Type: "offer", SDP: "o"}, nil
}

func (p *testPeer) CreateAnswer() (model.SessionDescription, error) {
	return model.SessionDescription{Type: "answer", SDP: "a"}, nil
}

func (p *testPeer) SetLocalDescription(model.SessionDescription) error { return nil }

func (p *testPeer) SetRemoteDescription(d model.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &d
	return nil
}

func (p *testPeer) RemoteDescription() *model.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *testPeer) AddICECandidate(model.ICECandidate) error           { return nil }
func (p *testPeer) AddTrack(call.Track) error                          { return nil }
func (p *testPeer) OnTrack(func(call.Track))                           {}
func (p *testPeer) OnICECandidate(func(model.ICECandidate))            {}
func (p *testPeer) OnConnectionStateChange(func(call.ConnectionState)) {}

func (p *testPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *testPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type peers struct {
	offerDelay time.Duration

	mu  sync.Mutex
	all []*testPeer
}

func (ps *peers) factory() call.PeerFactory {
	return func() (call.PeerConnection, error) {
		p := &testPeer{offerDelay: ps.offerDelay}
		ps.mu.Lock()
		ps.all = append(ps.all, p)
		ps.mu.Unlock()
		return p, nil
	}
}

func (ps *peers) last() *testPeer {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.all) == 0 {
		return nil
	}
	return ps.all[len(ps.all)-1]
}

type notes struct {
	mu    sync.Mutex
	items []string
}

func (n *notes) add(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, s)
}

func (n *notes) has(sub string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.items {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var (
	aliceID = model.Identity{UserID: "alice", DisplayName: "Alice"}
	bobID   = model.Identity{UserID: "bob", DisplayName: "Bob"}
)

func TestCalls_DialAcceptHangup(t *testing.T) {
	ctx := context.Background()
	store := relay.NewMemory()

	alicePeers, bobPeers := &peers{}, &peers{}
	aliceNotes, bobNotes := &notes{}, &notes{}
	alice := NewCalls(store, aliceID, alicePeers.factory(), nil, 0, aliceNotes.add)
	bob := NewCalls(store, bobID, bobPeers.factory(), nil, 0, bobNotes.add)
	require.NoError(t, bob.Start(ctx))
	defer bob.Close(ctx)
	defer alice.Close(ctx)

	callID, err := alice.Dial(ctx, bobID, "opp-1", "Backend Engineer")
	require.NoError(t, err)

	_, err = alice.Dial(ctx, bobID, "", "")
	require.ErrorIs(t, err, ErrCallInProgress)

	require.Eventually(t, func() bool { return bobNotes.has(`"Backend Engineer"`) }, wait, tick)
	require.NoError(t, bob.Accept(ctx, ""))

	active, ok := bob.Active()
	require.True(t, ok)
	assert.Equal(t, callID, active)

	// alice applies bob's answer
	require.Eventually(t, func() bool {
		p := alicePeers.last()
		return p != nil && p.RemoteDescription() != nil
	}, wait, tick)

	require.NoError(t, alice.Hangup(ctx))
	require.ErrorIs(t, alice.Hangup(ctx), ErrNoActiveCall)

	require.Eventually(t, func() bool {
		_, ok := bob.Active()
		return !ok
	}, wait, tick)
	assert.True(t, bobPeers.last().isClosed())
	assert.True(t, alicePeers.last().isClosed())

	// the caller cleaned up the call documents
	_, err = store.Get(ctx, signaling.RecordPath(callID))
	require.ErrorIs(t, err, relay.ErrNotFound)
}

func TestCalls_Reject(t *testing.T) {
	ctx := context.Background()
	store := relay.NewMemory()

	aliceNotes, bobNotes := &notes{}, &notes{}
	alice := NewCalls(store, aliceID, (&peers{}).factory(), nil, 0, aliceNotes.add)
	bob := NewCalls(store, bobID, (&peers{}).factory(), nil, 0, bobNotes.add)
	require.NoError(t, bob.Start(ctx))
	defer bob.Close(ctx)

	require.ErrorIs(t, bob.Reject(ctx, ""), ErrNoIncomingCall)

	callID, err := alice.Dial(ctx, bobID, "", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bobNotes.has("incoming call from Alice") }, wait, tick)
	require.NoError(t, bob.Reject(ctx, callID))

	require.Eventually(t, func() bool { return aliceNotes.has("Bob declined the call") }, wait, tick)
	require.Eventually(t, func() bool {
		_, ok := alice.Active()
		return !ok
	}, wait, tick)
	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, signaling.RecordPath(callID))
		return errors.Is(err, relay.ErrNotFound)
	}, wait, tick)
}

func TestCalls_RingTimeout(t *testing.T) {
	ctx := context.Background()
	store := relay.NewMemory()

	aliceNotes := &notes{}
	alice := NewCalls(store, aliceID, (&peers{}).factory(), nil, 50*time.Millisecond, aliceNotes.add)

	_, err := alice.Dial(ctx, bobID, "", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return aliceNotes.has("call ended") }, wait, tick)
	require.Eventually(t, func() bool {
		_, ok := alice.Active()
		return !ok
	}, wait, tick)
}

func TestCalls_SlowOfferKeepsRinging(t *testing.T) {
	ctx := context.Background()
	store := relay.NewMemory()

	alicePeers := &peers{offerDelay: 30 * time.Millisecond}
	aliceNotes, bobNotes := &notes{}, &notes{}
	alice := NewCalls(store, aliceID, alicePeers.factory(), nil, 0, aliceNotes.add)
	bob := NewCalls(store, bobID, (&peers{}).factory(), nil, 0, bobNotes.add)
	require.NoError(t, bob.Start(ctx))
	defer bob.Close(ctx)
	defer alice.Close(ctx)

	callID, err := alice.Dial(ctx, bobID, "", "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	active, ok := alice.Active()
	require.True(t, ok)
	assert.Equal(t, callID, active)
	assert.False(t, aliceNotes.has("call ended"))

	require.Eventually(t, func() bool { return bobNotes.has("incoming call from Alice") }, wait, tick)
	require.NoError(t, bob.Accept(ctx, callID))
	require.Eventually(t, func() bool {
		p := alicePeers.last()
		return p != nil && p.RemoteDescription() != nil
	}, wait, tick)
}

func TestCalls_StaleRingingForgotten(t *testing.T) {
	ctx := context.Background()
	store := relay.NewMemory()

	bobNotes := &notes{}
	alice := NewCalls(store, aliceID, (&peers{}).factory(), nil, 0, nil)
	bob := NewCalls(store, bobID, (&peers{}).factory(), nil, 0, bobNotes.add)
	require.NoError(t, bob.Start(ctx))
	defer bob.Close(ctx)

	_, err := alice.Dial(ctx, bobID, "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bobNotes.has("incoming call from Alice") }, wait, tick)

	require.NoError(t, alice.Hangup(ctx))
	require.Eventually(t, func() bool { return bobNotes.has("call from Alice is over") }, wait, tick)
	require.ErrorIs(t, bob.Accept(ctx, ""), ErrNoIncomingCall)
}

type memoryUsers struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func (m *memoryUsers) GetOrCreate(_ context.Context, name string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[name]; ok {
		return u, nil
	}
	u := &model.User{ID: "id-" + name, Name: name}
	m.users[name] = u
	return u, nil
}

func (m *memoryUsers) GetByName(_ context.Context, name string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[name], nil
}

func TestAPI_AgainstServer(t *testing.T) {
	ctx := context.Background()
	srv := server.NewHttpServer(config.ServerConfig{JWTSecret: "s", TokenTTL: time.Hour, AllowedOrigins: []string{"*"}},
		relay.NewMemory(), directory.NewDocument(relay.NewMemory()), &memoryUsers{users: map[string]*model.User{}})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	api := NewAPI(strings.TrimPrefix(ts.URL, "http://"), false, nil)

	_, err := api.LookupUser(ctx, "bob")
	require.ErrorIs(t, err, apperr.ErrUserNotFound)

	alice, err := api.SignIn(ctx, "alice")
	require.NoError(t, err)
	bob, err := api.SignIn(ctx, "bob")
	require.NoError(t, err)

	found, err := api.LookupUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, bob.UserID, found.UserID)

	// keys published through the server let both sides talk
	aliceCrypto := newManager(t, api.Directory(alice.Token))
	bobCrypto := newManager(t, api.Directory(bob.Token))
	_, err = aliceCrypto.EnsureKeyPair(ctx, alice.UserID)
	require.NoError(t, err)
	_, err = bobCrypto.EnsureKeyPair(ctx, bob.UserID)
	require.NoError(t, err)

	aliceRelay, err := api.DialRelay(ctx, alice.Token)
	require.NoError(t, err)
	defer aliceRelay.Close()
	bobRelay, err := api.DialRelay(ctx, bob.Token)
	require.NoError(t, err)
	defer bobRelay.Close()

	require.NoError(t, NewChat(aliceRelay, aliceCrypto, alice.UserID, bob.UserID).Send(ctx, "over the wire"))

	got := &lines{}
	unsub, err := NewChat(bobRelay, bobCrypto, bob.UserID, alice.UserID).Listen(ctx, got.add)
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool { return len(got.get()) == 1 }, wait, tick)
	assert.Equal(t, "over the wire", got.get()[0].Text)
}
