package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"Strata/internal/ledger"
	"Strata/internal/vote"
)

func startNode(t *testing.T) *Node {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	node, err := NewNode(Config{PrivateKey: key, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := node.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	return node
}

func TestConfirmReqDelivery(t *testing.T) {
	a := startNode(t)
	b := startNode(t)

	got := make(chan *ConfirmReq, 1)
	b.OnConfirmReq(func(_ *Peer, req *ConfirmReq) {
		got <- req
	})

	peer, err := a.Connect(b.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	req := &ConfirmReq{Pairs: []HashRoot{{Hash: ledger.Hash{1}, Root: ledger.Hash{2}}}}
	if err := peer.SendConfirmReq(req); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case received := <-got:
		if len(received.Pairs) != 1 || received.Pairs[0].Hash != (ledger.Hash{1}) {
			t.Fatal("confirm req mangled in transit")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("confirm req not delivered")
	}
}

func TestVoteDelivery(t *testing.T) {
	a := startNode(t)
	b := startNode(t)

	key, err := vote.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan *vote.Vote, 1)
	b.OnVote(func(_ *Peer, v *vote.Vote) {
		got <- v
	})

	peer, err := a.Connect(b.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	sent := vote.New(key, 42, []ledger.Hash{{7}})
	if err := peer.SendVote(sent); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case v := <-got:
		if v.Account != key.Account() || !v.Verify() {
			t.Fatal("vote mangled in transit")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("vote not delivered")
	}
}

func TestBootstrapStreamDelivery(t *testing.T) {
	a := startNode(t)
	b := startNode(t)

	// Echo server: the handler owns the stream.
	b.OnBootstrapStream(func(_ *Peer, stream *quic.Stream) {
		defer stream.Close()

		buf := make([]byte, 5)
		if _, err := io.ReadFull(stream, buf); err != nil {
			return
		}

		stream.Write(buf)
	})

	peer, err := a.Dial(b.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	stream, err := peer.OpenStream(t.Context())
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := stream.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	echo := make([]byte, 5)
	if _, err := io.ReadFull(stream, echo); err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(echo) != "hello" {
		t.Fatalf("echo = %q", echo)
	}
}

func TestDedupFiltersRepeats(t *testing.T) {
	d := NewDedup(time.Second)
	defer d.Close()

	msg := []byte("payload")

	if !d.Check(msg) {
		t.Fatal("first sighting must pass")
	}
	if d.Check(msg) {
		t.Fatal("repeat within TTL must be filtered")
	}
	if !d.Check([]byte("other")) {
		t.Fatal("distinct message must pass")
	}
}
