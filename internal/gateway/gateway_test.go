package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"studychat/api/internal/chat"
	"studychat/api/internal/realtime"
)

type fakeGate struct {
	resolveFn func(context.Context, string) (chat.Identity, error)
}

func (f fakeGate) Resolve(ctx context.Context, credential string) (chat.Identity, error) {
	return f.resolveFn(ctx, credential)
}

type nopWriter struct{}

func (nopWriter) SetWriteDeadline(time.Time) error          { return nil }
func (nopWriter) WriteMessage(int, []byte) error            { return nil }
func (nopWriter) WriteControl(int, []byte, time.Time) error { return nil }
func (nopWriter) Close() error                              { return nil }

func newTestGateway(t *testing.T) (*Gateway, *chat.MemoryStore) {
	t.Helper()
	members := chat.NewMemoryStore()
	members.AddMember(chat.Member{StudyID: 1, UserID: "ana", Name: "Ana"})
	members.AddStudy(2)
	gate := fakeGate{resolveFn: func(_ context.Context, credential string) (chat.Identity, error) {
		if credential == "good" {
			return chat.Identity{UserID: "ana", Name: "Ana"}, nil
		}
		return chat.Identity{}, errors.New("bad token")
	}}
	return New(gate, members, realtime.NewHub(nil, nil), nil), members
}

func TestChannelKeyRoundTrip(t *testing.T) {
	key := ChannelKey(42)
	if key != "study:42:chat" {
		t.Fatalf("ChannelKey() = %q", key)
	}
	id, err := ParseChannelKey(key)
	if err != nil || id != 42 {
		t.Fatalf("ParseChannelKey() = %d, %v", id, err)
	}
	for _, bad := range []string{"study:x:chat", "room:1", "study:0:chat", "study:5"} {
		if _, err := ParseChannelKey(bad); err == nil {
			t.Fatalf("ParseChannelKey(%q) should fail", bad)
		}
	}
}

func TestAuthorizeConnect(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	identity, err := g.AuthorizeConnect(ctx, "good")
	if err != nil || identity.UserID != "ana" {
		t.Fatalf("AuthorizeConnect(good) = %+v, %v", identity, err)
	}
	for _, credential := range []string{"", "  ", "forged"} {
		if _, err := g.AuthorizeConnect(ctx, credential); !errors.Is(err, chat.ErrUnauthenticated) {
			t.Fatalf("AuthorizeConnect(%q) error = %v, want unauthenticated", credential, err)
		}
	}
}

func TestSubscribeRequiresMembership(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	conn := realtime.NewConn("ana", nopWriter{}, 4)
	g.Attach(conn)
	ana := chat.Identity{UserID: "ana"}

	if err := g.Subscribe(ctx, conn, 1, ana); err != nil {
		t.Fatalf("Subscribe(member) error = %v", err)
	}
	if !g.IsSubscribed(conn, 1) {
		t.Fatal("member should be subscribed")
	}

	err := g.Subscribe(ctx, conn, 2, ana)
	if !errors.Is(err, chat.ErrForbidden) {
		t.Fatalf("Subscribe(non-member) error = %v, want forbidden", err)
	}
	if g.IsSubscribed(conn, 2) {
		t.Fatal("rejected subscribe must not bind the channel")
	}
	if err := g.Subscribe(ctx, conn, 1, chat.Identity{}); !errors.Is(err, chat.ErrUnauthenticated) {
		t.Fatalf("Subscribe(anonymous) error = %v", err)
	}
}

func TestTeardownReturnsStudiesAndStopsDelivery(t *testing.T) {
	g, members := newTestGateway(t)
	members.AddMember(chat.Member{StudyID: 3, UserID: "ana", Name: "Ana"})
	ctx := context.Background()
	conn := realtime.NewConn("ana", nopWriter{}, 4)
	g.Attach(conn)
	ana := chat.Identity{UserID: "ana"}
	_ = g.Subscribe(ctx, conn, 1, ana)
	_ = g.Subscribe(ctx, conn, 3, ana)

	if n := g.PublishToStudy(1, map[string]string{"type": "MESSAGE"}); n != 1 {
		t.Fatalf("PublishToStudy() = %d, want 1", n)
	}
	studies := g.Teardown(conn)
	if len(studies) != 2 {
		t.Fatalf("Teardown() = %v", studies)
	}
	if n := g.PublishToStudy(1, "x") + g.PublishToStudy(3, "x"); n != 0 {
		t.Fatalf("publish after teardown delivered %d", n)
	}
	if err := g.Subscribe(ctx, conn, 1, ana); !errors.Is(err, realtime.ErrClosed) {
		t.Fatalf("Subscribe after teardown error = %v", err)
	}
}
