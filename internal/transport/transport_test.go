package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mgoltzsche/realtime-dialogue/internal/frame"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case evt, ok := <-s.Events():
		require.True(t, ok, "events channel closed")
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSessionRoundTrip(t *testing.T) {
	var receivedHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeader = r.Header.Clone()
		w.Header().Set("X-Tt-Logid", "test-log-id")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			req, err := frame.Decode(msg)
			if err != nil {
				conn.Close(websocket.StatusProtocolError, err.Error())
				return
			}
			resp := frame.Frame{
				Kind:          frame.ServerFullResponse,
				Serialization: frame.SerializationJSON,
				Event:         frame.EventChatResponse,
				SessionID:     req.SessionID,
				Payload:       []byte(`{"content":"echo"}`),
			}
			b, err := frame.Encode(resp)
			if err != nil {
				return
			}
			if err = conn.Write(ctx, typ, b); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("X-Api-App-ID", "app")
	testee := &Dialer{}
	ctx := context.Background()

	s, err := testee.Connect(ctx, wsURL(srv), header)
	require.NoError(t, err)
	require.Equal(t, Open, s.State())
	require.Equal(t, "app", receivedHeader.Get("X-Api-App-ID"))

	err = s.Send(ctx, frame.NewFullRequest(frame.EventStartSession, "sess-1", []byte(`{}`)))
	require.NoError(t, err)

	evt := nextEvent(t, s)
	require.Equal(t, EventFrame, evt.Kind)
	require.Equal(t, frame.EventChatResponse, evt.Frame.Event)
	require.Equal(t, "sess-1", evt.Frame.SessionID)
	require.Equal(t, `{"content":"echo"}`, string(evt.Frame.Payload))

	require.NoError(t, s.Close("done"))
	require.NoError(t, s.Close("again"), "second close")

	evt = nextEvent(t, s)
	require.Equal(t, EventState, evt.Kind)
	require.Equal(t, Closed, evt.State)
	require.NoError(t, evt.Err)
	_, ok := <-s.Events()
	require.False(t, ok, "events channel closed after terminal state")

	err = s.Send(ctx, frame.NewAudioRequest("sess-1", []byte{1, 2}))
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestConnectErrorClassification(t *testing.T) {
	for _, c := range []struct {
		name      string
		status    int
		kind      ErrorKind
		transient bool
	}{
		{"unauthorized", http.StatusUnauthorized, KindAuth, false},
		{"forbidden", http.StatusForbidden, KindAuth, false},
		{"not found", http.StatusNotFound, KindNotFound, false},
		{"unavailable", http.StatusServiceUnavailable, KindUnavailable, true},
		{"bad request", http.StatusBadRequest, KindUnsupported, false},
	} {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "rejected", c.status)
			}))
			defer srv.Close()

			testee := &Dialer{}
			_, err := testee.Connect(context.Background(), wsURL(srv), nil)
			require.Error(t, err)
			kind, ok := KindOf(err)
			require.True(t, ok, "transport error")
			require.Equal(t, c.kind, kind)
			require.Equal(t, c.transient, IsTransient(err), "transient")
		})
	}
}

func TestConnectRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	testee := &Dialer{}
	_, err := testee.Connect(context.Background(), url, nil)
	require.Error(t, err)
	require.True(t, IsTransient(err), "refused connection should be transient: %s", err)
}

func TestConnectTimeout(t *testing.T) {
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-stop
	}))
	defer srv.Close()
	defer close(stop)

	testee := &Dialer{ConnectTimeout: 50 * time.Millisecond}
	_, err := testee.Connect(context.Background(), wsURL(srv), nil)
	require.Error(t, err)
	kind, _ := KindOf(err)
	require.Equal(t, KindTimeout, kind)
	require.True(t, IsTransient(err))
}

func TestSessionReadTimeout(t *testing.T) {
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		// never reads, thus never answers pings
		<-stop
	}))
	defer srv.Close()
	defer close(stop)

	testee := &Dialer{PingInterval: 20 * time.Millisecond, ReadTimeout: 100 * time.Millisecond}
	s, err := testee.Connect(context.Background(), wsURL(srv), nil)
	require.NoError(t, err)

	evt := nextEvent(t, s)
	require.Equal(t, EventState, evt.Kind)
	require.Equal(t, Failed, evt.State)
	kind, _ := KindOf(evt.Err)
	require.Equal(t, KindTimeout, kind)
	require.Equal(t, Failed, s.State())
	require.NoError(t, s.Close("cleanup"))
}

func TestSessionFirstMessageTimeout(t *testing.T) {
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		conn.CloseRead(context.Background())
		<-stop
	}))
	defer srv.Close()
	defer close(stop)

	testee := &Dialer{FirstMessageTimeout: 50 * time.Millisecond}
	s, err := testee.Connect(context.Background(), wsURL(srv), nil)
	require.NoError(t, err)

	evt := nextEvent(t, s)
	require.Equal(t, Failed, evt.State)
	kind, _ := KindOf(evt.Err)
	require.Equal(t, KindUnsupported, kind)
}

func TestSessionRemoteClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		b, _ := frame.Encode(frame.Frame{
			Kind:          frame.ServerFullResponse,
			Serialization: frame.SerializationJSON,
			Event:         frame.EventSessionFinished,
			SessionID:     "s",
			Payload:       []byte(`{}`),
		})
		conn.Write(r.Context(), websocket.MessageBinary, b)
		// malformed frames are dropped
		conn.Write(r.Context(), websocket.MessageBinary, []byte{0x11})
		conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	defer srv.Close()

	testee := &Dialer{}
	s, err := testee.Connect(context.Background(), wsURL(srv), nil)
	require.NoError(t, err)

	evt := nextEvent(t, s)
	require.Equal(t, EventFrame, evt.Kind)
	require.Equal(t, frame.EventSessionFinished, evt.Frame.Event)

	evt = nextEvent(t, s)
	require.Equal(t, EventState, evt.Kind)
	require.Equal(t, Closed, evt.State)
	require.NoError(t, evt.Err)
}
