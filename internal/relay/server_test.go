package relay

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeting-transcription-relay/internal/models"
	"meeting-transcription-relay/internal/observability/metrics"
	"meeting-transcription-relay/internal/service/audio"
	"meeting-transcription-relay/internal/service/fanout"
	"meeting-transcription-relay/internal/service/finalize"
	"meeting-transcription-relay/internal/service/registry"
	"meeting-transcription-relay/internal/service/session"
	"meeting-transcription-relay/internal/service/stt/demo"
	"meeting-transcription-relay/internal/store"
	"meeting-transcription-relay/internal/store/memory"
)

type testRelay struct {
	url       string
	srv       *Server
	table     *session.Table
	store     store.Store
	finalizer *finalize.Finalizer
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	return newTestRelayWithStore(t, memory.New())
}

func newTestRelayWithStore(t *testing.T, st store.Store) *testRelay {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	reg := registry.New(m)
	table := session.NewTable()
	bc := fanout.New(reg, m)

	demoCfg := demo.DefaultConfig()
	demoCfg.Probability = 1
	ingest := audio.New(audio.Options{
		Demo:     demo.New(demoCfg),
		Bound:    reg,
		Sessions: table,
		Fanout:   bc,
		Store:    st,
		Metrics:  m,
		Limits:   audio.DefaultLimits(),
	})
	fin := finalize.New(finalize.Options{
		Table:       table,
		Pipelines:   ingest,
		Store:       st,
		Connections: reg,
		Metrics:     m,
	})
	srv := New(Options{
		Registry:     reg,
		Table:        table,
		Ingest:       ingest,
		Finalizer:    fin,
		Metrics:      m,
		WriteTimeout: time.Second,
	})

	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		hs.Close()
		ingest.Shutdown()
	})
	return &testRelay{
		url:       "ws" + strings.TrimPrefix(hs.URL, "http"),
		srv:       srv,
		table:     table,
		store:     st,
		finalizer: fin,
	}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func (r *testRelay) dial(t *testing.T) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &client{t: t, conn: conn}
	var hello models.Connected
	c.read(&hello)
	require.Equal(t, models.TypeConnected, hello.Type)
	require.NotEmpty(t, hello.ClientID)
	c.id = hello.ClientID
	return c
}

func (c *client) send(msg models.ClientMessage) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

func (c *client) read(v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(c.t, c.conn.ReadJSON(v))
}

// readType reads one message and returns its type with the raw decoded body.
func (c *client) readType() (string, map[string]any) {
	c.t.Helper()
	var body map[string]any
	c.read(&body)
	typ, _ := body["type"].(string)
	return typ, body
}

func (c *client) expectNothing() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := c.conn.ReadMessage()
	require.Error(c.t, err, "expected no message")
}

func audioMsg(meetingID string) models.ClientMessage {
	return models.ClientMessage{
		Type:      models.TypeAudio,
		MeetingID: meetingID,
		AudioData: base64.StdEncoding.EncodeToString([]byte("pcm")),
	}
}

func TestRelay_ConnectedHasUniqueIDs(t *testing.T) {
	r := newTestRelay(t)
	a, b := r.dial(t), r.dial(t)
	assert.NotEqual(t, a.id, b.id)
}

func TestRelay_FullMeeting(t *testing.T) {
	r := newTestRelay(t)
	host, guest := r.dial(t), r.dial(t)

	host.send(models.ClientMessage{Type: models.TypeStartMeeting, MeetingID: "m1", Participants: []string{"Alice", "Bob"}})
	typ, body := host.readType()
	require.Equal(t, models.TypeMeetingStarted, typ)
	assert.Equal(t, "m1", body["meetingId"])

	guest.send(models.ClientMessage{Type: models.TypeJoinMeeting, MeetingID: "m1"})
	typ, _ = guest.readType()
	require.Equal(t, models.TypeMeetingStarted, typ)

	// Two bound connections satisfy the demo generator's threshold.
	host.send(audioMsg("m1"))
	for _, c := range []*client{host, guest} {
		var tr models.Transcript
		c.read(&tr)
		assert.Equal(t, models.TypeTranscript, tr.Type)
		assert.Equal(t, "m1", tr.MeetingID)
		assert.Equal(t, int64(1), tr.Seq)
		assert.Equal(t, "Alice", tr.Speaker)
		assert.True(t, tr.IsFinal)
	}

	host.send(models.ClientMessage{Type: models.TypeEndMeeting, MeetingID: "m1"})
	for _, c := range []*client{host, guest} {
		var ended models.MeetingEnded
		c.read(&ended)
		assert.Equal(t, models.TypeMeetingEnded, ended.Type)
		assert.Equal(t, 1, ended.TranscriptCount)
	}

	r.finalizer.Wait()
	fs, err := r.store.LoadSession(context.Background(), "m1")
	require.NoError(t, err)
	assert.Len(t, fs.Entries, 1)

	// Late audio for the finalized meeting is rejected.
	host.send(audioMsg("m1"))
	typ, body = host.readType()
	assert.Equal(t, models.TypeError, typ)
	assert.Equal(t, models.CodeSessionNotFound, body["code"])
}

func TestRelay_DuplicateStartRejected(t *testing.T) {
	r := newTestRelay(t)
	a, b := r.dial(t), r.dial(t)

	a.send(models.ClientMessage{Type: models.TypeStartMeeting, MeetingID: "m1", Participants: []string{"Alice"}})
	typ, _ := a.readType()
	require.Equal(t, models.TypeMeetingStarted, typ)

	b.send(models.ClientMessage{Type: models.TypeStartMeeting, MeetingID: "m1", Participants: []string{"Mallory"}})
	typ, body := b.readType()
	assert.Equal(t, models.TypeError, typ)
	assert.Equal(t, models.CodeAlreadyActive, body["code"])

	snap, ok := r.table.Get("m1")
	require.True(t, ok)
	assert.Equal(t, []string{"Alice"}, snap.Participants)
}

func TestRelay_BroadcastIsolatedPerMeeting(t *testing.T) {
	r := newTestRelay(t)
	a, b, c, d := r.dial(t), r.dial(t), r.dial(t), r.dial(t)

	a.send(models.ClientMessage{Type: models.TypeStartMeeting, MeetingID: "m2", Participants: []string{"Alice"}})
	a.readType()
	b.send(models.ClientMessage{Type: models.TypeJoinMeeting, MeetingID: "m2"})
	b.readType()
	c.send(models.ClientMessage{Type: models.TypeStartMeeting, MeetingID: "m3"})
	c.readType()
	d.send(models.ClientMessage{Type: models.TypeJoinMeeting, MeetingID: "m3"})
	d.readType()

	a.send(audioMsg("m2"))
	for _, cl := range []*client{a, b} {
		var tr models.Transcript
		cl.read(&tr)
		assert.Equal(t, "m2", tr.MeetingID)
	}
	c.expectNothing()
	d.expectNothing()
}

func TestRelay_ErrorsReportedAsFrames(t *testing.T) {
	r := newTestRelay(t)
	c := r.dial(t)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	typ, body := c.readType()
	assert.Equal(t, models.TypeError, typ)
	assert.Equal(t, models.CodeInvalidMessage, body["code"])

	c.send(models.ClientMessage{Type: "unknown", MeetingID: "m1"})
	_, body = c.readType()
	assert.Equal(t, models.CodeInvalidMessage, body["code"])

	c.send(models.ClientMessage{Type: models.TypeEndMeeting, MeetingID: "never-started"})
	_, body = c.readType()
	assert.Equal(t, models.CodeSessionNotFound, body["code"])

	c.send(models.ClientMessage{Type: models.TypeJoinMeeting, MeetingID: "never-started"})
	_, body = c.readType()
	assert.Equal(t, models.CodeSessionNotFound, body["code"])

	require.NoError(t, c.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	_, body = c.readType()
	assert.Equal(t, models.CodeSessionNotFound, body["code"], "binary audio needs a bound meeting")
}

func TestRelay_DisconnectKeepsSession(t *testing.T) {
	r := newTestRelay(t)
	c := r.dial(t)

	c.send(models.ClientMessage{Type: models.TypeStartMeeting, MeetingID: "m1"})
	c.readType()
	require.NoError(t, c.conn.Close())

	time.Sleep(50 * time.Millisecond)
	snap, ok := r.table.Get("m1")
	require.True(t, ok, "closing a socket must not end its session")
	assert.True(t, snap.Active())
}

// slowStore holds SaveSession until released, then honours the caller's context.
type slowStore struct {
	*memory.Store
	saving  chan struct{}
	release chan struct{}
}

func newSlowStore() *slowStore {
	return &slowStore{Store: memory.New(), saving: make(chan struct{}, 4), release: make(chan struct{})}
}

func (s *slowStore) SaveSession(ctx context.Context, fs models.FinalizedSession) error {
	s.saving <- struct{}{}
	<-s.release
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.SaveSession(ctx, fs)
}

func TestRelay_RestartedMeetingKeepsItsConnections(t *testing.T) {
	st := newSlowStore()
	r := newTestRelayWithStore(t, st)
	host, guest := r.dial(t), r.dial(t)

	host.send(models.ClientMessage{Type: models.TypeStartMeeting, MeetingID: "m", Participants: []string{"Alice"}})
	host.readType()
	guest.send(models.ClientMessage{Type: models.TypeJoinMeeting, MeetingID: "m"})
	guest.readType()

	host.send(models.ClientMessage{Type: models.TypeEndMeeting, MeetingID: "m"})
	<-st.saving

	// Another device restarts the same meeting id while the first session persists.
	retryHost, retryGuest := r.dial(t), r.dial(t)
	retryHost.send(models.ClientMessage{Type: models.TypeStartMeeting, MeetingID: "m", Participants: []string{"Carol"}})
	typ, _ := retryHost.readType()
	require.Equal(t, models.TypeMeetingStarted, typ)
	retryGuest.send(models.ClientMessage{Type: models.TypeJoinMeeting, MeetingID: "m"})
	typ, _ = retryGuest.readType()
	require.Equal(t, models.TypeMeetingStarted, typ)

	close(st.release)
	var ended models.MeetingEnded
	host.read(&ended)
	require.Equal(t, models.TypeMeetingEnded, ended.Type)

	retryHost.send(audioMsg("m"))
	for _, c := range []*client{retryHost, retryGuest} {
		var tr models.Transcript
		c.read(&tr)
		assert.Equal(t, models.TypeTranscript, tr.Type)
		assert.Equal(t, "Carol", tr.Speaker)
		assert.Equal(t, int64(1), tr.Seq)
	}

	// Binary frames still resolve to the restarted meeting.
	require.NoError(t, retryHost.conn.WriteMessage(websocket.BinaryMessage, []byte{1}))
	for _, c := range []*client{retryHost, retryGuest} {
		typ, body := c.readType()
		assert.Equal(t, models.TypeTranscript, typ)
		assert.Equal(t, "m", body["meetingId"])
	}
	host.expectNothing()
}

func TestRelay_EndDuringShutdownStillPersists(t *testing.T) {
	st := newSlowStore()
	r := newTestRelayWithStore(t, st)
	c := r.dial(t)

	c.send(models.ClientMessage{Type: models.TypeStartMeeting, MeetingID: "m1", Participants: []string{"Alice"}})
	c.readType()
	c.send(models.ClientMessage{Type: models.TypeEndMeeting, MeetingID: "m1"})
	<-st.saving

	shut := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shut <- r.srv.Shutdown(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	close(st.release)
	require.NoError(t, <-shut)

	fs, err := st.LoadSession(context.Background(), "m1")
	require.NoError(t, err, "client-requested end must persist even while the server shuts down")
	assert.Equal(t, []string{"Alice"}, fs.Participants)
}
