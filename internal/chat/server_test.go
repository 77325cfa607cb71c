package chat

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/chat-relay/internal/client"
	"github.com/andy6609/chat-relay/internal/protocol"
)

const waitFor = 2 * time.Second

func startServer(t *testing.T, opts Options) (*Server, <-chan error) {
	return startServerContext(t, context.Background(), opts)
}

func startServerContext(t *testing.T, ctx context.Context, opts Options) (*Server, <-chan error) {
	t.Helper()
	opts.Addr = "127.0.0.1:0"
	if opts.AcceptTimeout == 0 {
		opts.AcceptTimeout = 20 * time.Millisecond
	}
	opts.DisconnectOnStop = true
	s := NewServer(opts, discardLogger())
	require.NoError(t, s.Listen())

	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx) }()
	t.Cleanup(s.Stop)
	return s, errc
}

func connect(t *testing.T, s *Server, name string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), s.Addr().String(), name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// join connects name and waits until the registry lists exactly want.
func join(t *testing.T, s *Server, name string, want ...string) *client.Client {
	t.Helper()
	c := connect(t, s, name)
	require.Eventually(t, func() bool {
		return strings.Join(s.registry.Names(), ",") == strings.Join(want, ",")
	}, waitFor, 5*time.Millisecond, "registry should be %v", want)
	return c
}

// expect reads until a record whose content contains substr arrives.
func expect(t *testing.T, c *client.Client, substr string) Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		m, err := c.Receive()
		require.NoError(t, err, "waiting for %q", substr)
		if strings.Contains(m.Content, substr) {
			return m
		}
	}
}

// next reads exactly one record.
func next(t *testing.T, c *client.Client) Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitFor)))
	m, err := c.Receive()
	require.NoError(t, err)
	return m
}

// drain reads records until the stream ends or d passes without data.
func drain(c *client.Client, d time.Duration) ([]Message, error) {
	var got []Message
	for {
		if err := c.SetReadDeadline(time.Now().Add(d)); err != nil {
			return got, err
		}
		m, err := c.Receive()
		if err != nil {
			return got, err
		}
		got = append(got, m)
	}
}

func waitStopped(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("accept loop did not return")
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func TestServer_RegularMessagesAreBroadcastAndKept(t *testing.T) {
	s, _ := startServer(t, Options{HistorySize: 2, QuitOnLastClient: true})
	alice := join(t, s, "alice", "alice")

	for _, text := range []string{"A", "B", "C"} {
		require.NoError(t, alice.Send(text))
		m := next(t, alice)
		assert.Equal(t, text, m.Content)
		assert.Equal(t, "alice", m.Author)
	}

	assert.Equal(t, []string{"B", "C"}, contents(s.Snapshot()))
}

func TestServer_LoginAndLogoutNoticesAreNotKept(t *testing.T) {
	s, _ := startServer(t, Options{HistorySize: 10, QuitOnLastClient: true})
	alice := join(t, s, "alice", "alice")
	bob := join(t, s, "bob", "alice", "bob")

	m := expect(t, alice, "bob logged in")
	assert.False(t, m.HasAuthor())

	require.NoError(t, bob.Send("bye"))
	m = expect(t, alice, "bob logged out")
	assert.False(t, m.HasAuthor())

	require.Eventually(t, func() bool { return s.registry.Len() == 1 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, s.Snapshot())
}

func TestServer_KickFromNonSuperUserIsDenied(t *testing.T) {
	s, _ := startServer(t, Options{QuitOnLastClient: true})
	alice := join(t, s, "alice", "alice")
	bob := join(t, s, "bob", "alice", "bob")
	expect(t, alice, "bob logged in")

	require.NoError(t, bob.Send("kick alice"))
	m := expect(t, alice, "kick alice")
	assert.Equal(t, "kick alice [request denied by server] by bob", m.Content)
	assert.False(t, m.HasAuthor())
	expect(t, bob, "[request denied by server]")

	assert.False(t, s.registry.Search("alice").IsBanned())
	assert.Equal(t, []string{m.Content}, contents(s.Snapshot()))
}

func TestServer_KickFromSuperUserBansTarget(t *testing.T) {
	s, _ := startServer(t, Options{QuitOnLastClient: true})
	alice := join(t, s, "alice", "alice")
	bob := join(t, s, "bob", "alice", "bob")
	expect(t, alice, "bob logged in")

	require.NoError(t, alice.Send("kick bob"))
	m := expect(t, alice, "kick bob")
	assert.Equal(t, "kick bob [request granted by server] by alice", m.Content)
	expect(t, bob, "[request granted by server]")
	assert.True(t, s.registry.Search("bob").IsBanned())

	// The banned handler stops on its next line without relaying it.
	require.NoError(t, bob.Send("hello"))
	_, err := drain(bob, waitFor)
	require.Error(t, err)
	assert.False(t, isTimeout(err), "bob's stream should be closed, got %v", err)
	require.Eventually(t, func() bool { return s.registry.Len() == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, alice.Send("ping"))
	assert.Equal(t, "ping", next(t, alice).Content)
	assert.True(t, s.Listening())
}

func TestServer_KickUnknownOrMissingTarget(t *testing.T) {
	s, _ := startServer(t, Options{QuitOnLastClient: true})
	alice := join(t, s, "alice", "alice")

	require.NoError(t, alice.Send("kick zed"))
	assert.Equal(t, "kick zed [client zed does not exist] by alice", next(t, alice).Content)

	require.NoError(t, alice.Send("kick "))
	assert.Equal(t, "kick [no client name to kick] by alice", next(t, alice).Content)
}

func TestServer_DuplicateNameIsRejected(t *testing.T) {
	s, _ := startServer(t, Options{QuitOnLastClient: true})
	join(t, s, "carol", "carol")

	dup := connect(t, s, "carol")
	got, err := drain(dup, waitFor)
	require.Error(t, err)
	assert.False(t, isTimeout(err))
	require.Len(t, got, 2)
	assert.Equal(t, "server > Sorry another client already use the name carol", got[0].Content)
	assert.Equal(t, "Hit ^D to close your client and try another name", got[1].Content)

	assert.Equal(t, []string{"carol"}, s.registry.Names())
	assert.Equal(t, 1, s.ActiveCount())
}

func TestServer_ConcurrentSameNameAdmitsExactlyOne(t *testing.T) {
	s, _ := startServer(t, Options{QuitOnLastClient: true})

	clients := make([]*client.Client, 2)
	var wg sync.WaitGroup
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := client.Dial(context.Background(), s.Addr().String(), "carol")
			if assert.NoError(t, err) {
				clients[i] = c
			}
		}(i)
	}
	wg.Wait()
	for _, c := range clients {
		require.NotNil(t, c)
		t.Cleanup(func() { _ = c.Close() })
	}

	rejected := 0
	for _, c := range clients {
		got, err := drain(c, 300*time.Millisecond)
		if len(got) > 0 && strings.Contains(got[0].Content, "already use the name carol") {
			rejected++
			assert.False(t, isTimeout(err))
			continue
		}
		assert.True(t, isTimeout(err), "admitted client should stay connected, got %v", err)
	}
	assert.Equal(t, 1, rejected)
	assert.Equal(t, []string{"carol"}, s.registry.Names())
}

func TestServer_EmptyNameIsRejected(t *testing.T) {
	s, _ := startServer(t, Options{QuitOnLastClient: true})
	c := connect(t, s, "   ")

	got, err := drain(c, waitFor)
	require.Error(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Content, "Empty names")
	assert.Zero(t, s.registry.Len())
}

func TestServer_CatchupReplaysHistoryToRequesterOnly(t *testing.T) {
	s, _ := startServer(t, Options{HistorySize: 2, QuitOnLastClient: true})
	alice := join(t, s, "alice", "alice")
	bob := join(t, s, "bob", "alice", "bob")
	expect(t, alice, "bob logged in")

	for _, text := range []string{"A", "B", "C"} {
		require.NoError(t, alice.Send(text))
		assert.Equal(t, text, next(t, alice).Content)
		assert.Equal(t, text, next(t, bob).Content)
	}

	require.NoError(t, alice.Send("catchup"))
	for _, want := range []string{"B", "C"} {
		m := next(t, alice)
		assert.Equal(t, want, m.Content)
		assert.Equal(t, "alice", m.Author)
	}

	require.NoError(t, alice.Send("D"))
	assert.Equal(t, "D", next(t, alice).Content)
	assert.Equal(t, "D", next(t, bob).Content, "bob must not see the replay")
	assert.Equal(t, []string{"C", "D"}, contents(s.Snapshot()))
}

func TestServer_KillIsReservedToSuperUser(t *testing.T) {
	s, errc := startServer(t, Options{QuitOnLastClient: true})
	alice := join(t, s, "alice", "alice")
	bob := join(t, s, "bob", "alice", "bob")
	expect(t, alice, "bob logged in")

	require.NoError(t, bob.Send("kill"))
	require.NoError(t, bob.Send("still here"))
	expect(t, alice, "still here")
	assert.True(t, s.Listening())

	require.NoError(t, alice.Send("kill"))
	waitStopped(t, errc)
	assert.False(t, s.Listening())

	_, err := drain(bob, waitFor)
	require.Error(t, err)
	assert.False(t, isTimeout(err), "remaining clients are disconnected on stop")
	assert.Zero(t, s.registry.Len())
}

func TestServer_QuitsWhenLastClientLeaves(t *testing.T) {
	s, errc := startServer(t, Options{QuitOnLastClient: true})
	alice := join(t, s, "alice", "alice")
	addr := s.Addr().String()

	require.NoError(t, alice.Send("bye"))
	assert.Equal(t, "alice logged out", next(t, alice).Content)

	waitStopped(t, errc)
	assert.False(t, s.Listening())
	assert.Zero(t, s.ActiveCount())

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "listening socket should be closed")
}

func TestServer_KeepsListeningWithoutQuitOnLastClient(t *testing.T) {
	s, errc := startServer(t, Options{QuitOnLastClient: false})
	alice := join(t, s, "alice", "alice")

	require.NoError(t, alice.Send("bye"))
	require.Eventually(t, func() bool { return s.ActiveCount() == 0 }, waitFor, 5*time.Millisecond)
	assert.True(t, s.Listening())

	join(t, s, "bob", "bob")
	s.Stop()
	waitStopped(t, errc)
}

func TestServer_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, errc := startServerContext(t, ctx, Options{QuitOnLastClient: true})
	join(t, s, "alice", "alice")

	cancel()
	waitStopped(t, errc)
	assert.False(t, s.Listening())
}

func TestServer_Status(t *testing.T) {
	s, _ := startServer(t, Options{HistorySize: 3, QuitOnLastClient: true})
	alice := join(t, s, "alice", "alice")
	require.NoError(t, alice.Send("hi"))
	next(t, alice)

	st := s.Status()
	assert.True(t, st.Listening)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, []string{"alice"}, st.Clients)
	assert.Equal(t, 1, st.History)
	assert.Equal(t, 3, st.HistoryCap)
}

func TestServer_ListenFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := NewServer(Options{Addr: ln.Addr().String()}, discardLogger())
	assert.Error(t, s.Listen())
	assert.False(t, s.Listening())
	assert.Error(t, s.Serve(context.Background()))
}

func TestServer_OverlongLineDisconnectsSenderOnly(t *testing.T) {
	s, _ := startServer(t, Options{HistorySize: 5, QuitOnLastClient: true})
	alice := join(t, s, "alice", "alice")

	// Raw connection: the client package refuses lines this long.
	bob, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bob.Close() })
	_, err = bob.Write([]byte("bob\n"))
	require.NoError(t, err)
	expect(t, alice, "bob logged in")

	require.NoError(t, alice.Send("A"))
	assert.Equal(t, "A", next(t, alice).Content)

	huge := strings.Repeat("x", protocol.MaxLineSize+1) + "\n"
	_, _ = bob.Write([]byte(huge))
	require.Eventually(t, func() bool { return s.registry.Len() == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, alice.Send("B"))
	assert.Equal(t, "B", next(t, alice).Content)
	assert.Equal(t, []string{"A", "B"}, contents(s.Snapshot()))

	require.NoError(t, alice.Send("catchup"))
	assert.Equal(t, "A", next(t, alice).Content)
	assert.Equal(t, "B", next(t, alice).Content)
	assert.True(t, s.Listening())
}

func TestServer_OverlongNameIsRejected(t *testing.T) {
	s, _ := startServer(t, Options{QuitOnLastClient: true})
	c := connect(t, s, strings.Repeat("n", protocol.MaxNameSize+1))

	got, err := drain(c, waitFor)
	require.Error(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "server > Name too long", got[0].Content)
	assert.Zero(t, s.registry.Len())
}
