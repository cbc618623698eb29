package nodeclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ergo-indexer/indexer/internal/chaintypes"
)

// fakeClient is a hand-rolled stand-in for a single upstream node, used to
// drive the pool's selection and failure-handling logic without a network.
type fakeClient struct {
	url     string
	latency time.Duration
	infoErr error
	blocks  map[string]chaintypes.FullBlock
	blockErr error
	calls   int
}

func (f *fakeClient) URL() string { return f.url }

func (f *fakeClient) Info(ctx context.Context) (chaintypes.NodeInfo, error) {
	f.calls++
	if f.infoErr != nil {
		return chaintypes.NodeInfo{}, f.infoErr
	}
	return chaintypes.NodeInfo{FullHeight: 100, Latency: f.latency}, nil
}

func (f *fakeClient) HeaderIDsAt(ctx context.Context, height chaintypes.Height) ([]string, error) {
	return nil, nil
}

func (f *fakeClient) BlockByID(ctx context.Context, id string) (chaintypes.FullBlock, error) {
	f.calls++
	if f.blockErr != nil {
		return chaintypes.FullBlock{}, f.blockErr
	}
	blk, ok := f.blocks[id]
	if !ok {
		return chaintypes.FullBlock{}, ErrNotFound
	}
	return blk, nil
}

func (f *fakeClient) Mempool(ctx context.Context) ([]chaintypes.UnconfirmedTx, error) {
	return nil, nil
}

func (f *fakeClient) SubmitTx(ctx context.Context, raw []byte) (string, error) {
	return "", nil
}

func (f *fakeClient) WalletRequest(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	return 0, nil, nil
}

func TestPoolPicksLowestLatencyHealthyClient(t *testing.T) {
	slow := &fakeClient{url: "http://slow", latency: 200 * time.Millisecond}
	fast := &fakeClient{url: "http://fast", latency: 10 * time.Millisecond}

	p := NewPool([]Client{slow, fast}, nil)
	defer p.Close()
	p.states[0].markSuccess(slow.latency, nil)
	p.states[1].markSuccess(fast.latency, nil)

	st := p.pick()
	if st.client.URL() != "http://fast" {
		t.Fatalf("expected fast client chosen, got %s", st.client.URL())
	}
}

func TestPoolRoundRobinsOnTie(t *testing.T) {
	a := &fakeClient{url: "http://a", latency: 50 * time.Millisecond}
	b := &fakeClient{url: "http://b", latency: 50 * time.Millisecond}

	p := NewPool([]Client{a, b}, nil)
	defer p.Close()
	p.states[0].markSuccess(a.latency, nil)
	p.states[1].markSuccess(b.latency, nil)

	first := p.pick().client.URL()
	second := p.pick().client.URL()
	if first == second {
		t.Fatalf("expected round robin to alternate between tied clients, got %s twice", first)
	}
}

func TestPoolMarksUnhealthyAfterThreeFailures(t *testing.T) {
	c := &fakeClient{url: "http://flaky", infoErr: errors.New("boom")}
	p := NewPool([]Client{c}, nil)
	defer p.Close()

	st := p.states[0]
	st.markFailure(false)
	st.markFailure(false)
	if !st.isHealthy() {
		t.Fatalf("expected client to remain healthy after two failures")
	}
	st.markFailure(false)
	if st.isHealthy() {
		t.Fatalf("expected client to be unhealthy after three consecutive failures")
	}
}

func TestPoolMarksUnhealthyImmediatelyOn5xx(t *testing.T) {
	c := &fakeClient{url: "http://node"}
	p := NewPool([]Client{c}, nil)
	defer p.Close()

	st := p.states[0]
	st.markFailure(true)
	if st.isHealthy() {
		t.Fatalf("expected single 5xx failure to mark client unhealthy immediately")
	}
}

func TestPoolCallRetriesOnDifferentClient(t *testing.T) {
	failing := &fakeClient{url: "http://failing", blockErr: errors.New("upstream error")}
	working := &fakeClient{url: "http://working", blocks: map[string]chaintypes.FullBlock{
		"blk1": {BlockHeader: chaintypes.BlockHeader{ID: "blk1", Height: 5}},
	}}

	p := NewPool([]Client{failing, working}, nil)
	defer p.Close()
	p.states[0].markSuccess(0, nil)
	p.states[1].markSuccess(0, nil)

	blk, err := p.BlockByID(context.Background(), "blk1")
	if err != nil {
		t.Fatalf("expected retry onto working client to succeed, got error: %v", err)
	}
	if blk.ID != "blk1" {
		t.Fatalf("expected block blk1, got %q", blk.ID)
	}
	if failing.calls == 0 {
		t.Fatalf("expected the failing client to have been tried at least once")
	}
}

func TestPoolCallReturnsErrNoHealthyClients(t *testing.T) {
	c := &fakeClient{url: "http://down"}
	p := NewPool([]Client{c}, nil)
	defer p.Close()
	p.states[0].markFailure(true)

	_, err := p.BlockByID(context.Background(), "anything")
	if !errors.Is(err, ErrNoHealthyClients) {
		t.Fatalf("expected ErrNoHealthyClients, got %v", err)
	}
}

func TestPoolSnapshotReportsPerClientState(t *testing.T) {
	c := &fakeClient{url: "http://node1", latency: 30 * time.Millisecond}
	p := NewPool([]Client{c}, nil)
	defer p.Close()
	p.states[0].markSuccess(c.latency, &chaintypes.NodeInfo{FullHeight: 42, PeerCount: 3})

	snaps := p.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("expected one snapshot entry, got %d", len(snaps))
	}
	if snaps[0].URL != "http://node1" || snaps[0].Height != 42 || snaps[0].PeersCount != 3 {
		t.Fatalf("unexpected snapshot: %+v", snaps[0])
	}
}
