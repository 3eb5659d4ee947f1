package call

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/ripplechat/ripple/internal/store"
)

type fakePC struct {
	mu             sync.Mutex
	localDesc      *webrtc.SessionDescription
	remoteDesc     *webrtc.SessionDescription
	setRemoteCalls int
	candidates     []webrtc.ICECandidateInit
	onCand         func(webrtc.ICECandidateInit)
	onTrack        func()
	onFail         func(error)
	closed         bool
}

func (f *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDesc = &d
	return nil
}

func (f *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setRemoteCalls++
	f.remoteDesc = &d
	return nil
}

func (f *fakePC) RemoteDescriptionSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc != nil
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCand = fn
}

func (f *fakePC) OnRemoteTrack(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakePC) OnFailure(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFail = fn
}

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePC) fireTrack() {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakePC) emitCandidate(c webrtc.ICECandidateInit) {
	f.mu.Lock()
	fn := f.onCand
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *fakePC) remoteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setRemoteCalls
}

func (f *fakePC) candCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

func (f *fakePC) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeMedia struct {
	mu     sync.Mutex
	closed bool
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// fakeFactory hands out fake connections and remembers them for assertions.
type fakeFactory struct {
	mu    sync.Mutex
	pcs   []*fakePC
	media []*fakeMedia
}

func (f *fakeFactory) make(_ context.Context, _ MediaKind) (PeerConnection, MediaSource, error) {
	pc := &fakePC{}
	m := &fakeMedia{}
	f.mu.Lock()
	f.pcs = append(f.pcs, pc)
	f.media = append(f.media, m)
	f.mu.Unlock()
	return pc, m, nil
}

func (f *fakeFactory) pc(i int) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[i]
}

func (f *fakeFactory) mediaAt(i int) *fakeMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.media[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// connectedPair drives a full offer/answer exchange between two coordinators
// on a shared store and returns both live sessions plus their factories.
func connectedPair(t *testing.T) (*Coordinator, *Coordinator, *Session, *Session, *fakeFactory, *fakeFactory) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	af, bf := &fakeFactory{}, &fakeFactory{}
	alice := NewCoordinator(st, "alice", af.make)
	bob := NewCoordinator(st, "bob", bf.make)
	t.Cleanup(alice.Close)
	t.Cleanup(bob.Close)

	rings := make(chan IncomingCall, 1)
	bob.OnIncoming(func(ic IncomingCall) {
		select {
		case rings <- ic:
		default:
		}
	})

	aSess, err := alice.StartCall(context.Background(), "bob", MediaVideo)
	if err != nil {
		t.Fatal(err)
	}
	if aSess.State() != StateOffering {
		t.Fatalf("caller state %s, want offering", aSess.State())
	}

	var ic IncomingCall
	select {
	case ic = <-rings:
	case <-time.After(3 * time.Second):
		t.Fatal("ring never delivered")
	}
	if ic.From != "alice" || ic.MediaKind() != MediaVideo {
		t.Fatalf("ring %+v", ic)
	}

	bSess, err := bob.AcceptCall(context.Background(), ic.From, ic.MediaKind())
	if err != nil {
		t.Fatal(err)
	}

	// Callee sees the offer and answers; caller applies the answer.
	waitFor(t, "callee state answering", func() bool { return bSess.State() == StateAnswering })
	waitFor(t, "answer applied on caller", func() bool { return af.pc(0).RemoteDescriptionSet() })

	return alice, bob, aSess, bSess, af, bf
}

func TestOfferAnswerConnect(t *testing.T) {
	_, _, aSess, bSess, af, bf := connectedPair(t)

	af.pc(0).fireTrack()
	bf.pc(0).fireTrack()
	waitFor(t, "both sides connected", func() bool {
		return aSess.State() == StateConnected && bSess.State() == StateConnected
	})
}

func TestDuplicateAnswerIsNoOp(t *testing.T) {
	_, _, aSess, _, af, _ := connectedPair(t)

	waitFor(t, "first answer applied", func() bool { return af.pc(0).remoteCalls() == 1 })

	// A rewritten answer must not reach the connection again.
	err := aSess.sig.writeAnswer(context.Background(), webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "v=0 rewritten",
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := af.pc(0).remoteCalls(); n != 1 {
		t.Fatalf("SetRemoteDescription called %d times, want 1", n)
	}
}

func TestCandidatesAppliedOnceAndDropped(t *testing.T) {
	_, _, aSess, _, af, bf := connectedPair(t)

	af.pc(0).emitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"})
	waitFor(t, "candidate applied on callee", func() bool { return bf.pc(0).candCount() == 1 })

	// Applied candidates are removed from the record.
	st := aSess.sig.st
	waitFor(t, "candidate record drained", func() bool {
		var out map[string]string
		ok, err := st.Get(context.Background(), aSess.sig.candidatesPath("alice"), &out)
		return err == nil && (!ok || len(out) == 0)
	})
}

func TestHangupPropagatesAndReleasesMedia(t *testing.T) {
	alice, bob, aSess, bSess, af, bf := connectedPair(t)

	bSess.Hangup()
	select {
	case <-aSess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("caller never saw remote hangup")
	}
	if aSess.State() != StateEnded || bSess.State() != StateEnded {
		t.Fatalf("states %s/%s, want ended/ended", aSess.State(), bSess.State())
	}

	for i, f := range []*fakeFactory{af, bf} {
		if !f.mediaAt(0).isClosed() {
			t.Fatalf("media %d not released", i)
		}
		if !f.pc(0).isClosed() {
			t.Fatalf("connection %d not closed", i)
		}
	}

	// Sessions are reaped so a new call can start.
	waitFor(t, "sessions reaped", func() bool {
		_, aOK := alice.GetSession(aSess.ConversationID())
		_, bOK := bob.GetSession(bSess.ConversationID())
		return !aOK && !bOK
	})
}

func TestHangupIsIdempotent(t *testing.T) {
	_, _, aSess, _, _, _ := connectedPair(t)
	aSess.Hangup()
	aSess.Hangup()
	aSess.Hangup()
	if aSess.State() != StateEnded {
		t.Fatalf("state %s", aSess.State())
	}
}

func TestMediaDeniedFailsCall(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	denied := func(_ context.Context, _ MediaKind) (PeerConnection, MediaSource, error) {
		return nil, nil, fmt.Errorf("capture video: %w", ErrMediaAccessDenied)
	}
	c := NewCoordinator(st, "alice", denied)
	defer c.Close()

	_, err := c.StartCall(context.Background(), "bob", MediaVideo)
	if !errors.Is(err, ErrMediaAccessDenied) {
		t.Fatalf("err = %v, want ErrMediaAccessDenied", err)
	}
	if _, ok := c.GetSession("alice_bob"); ok {
		t.Fatal("failed session must not stay registered")
	}
}

func TestRecordWatchStopsWithoutReader(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	sig := newSignaler(st, "alice_bob")
	ctx := context.Background()

	before := runtime.NumGoroutine()
	_, cancel := sig.watchRecord()

	// Flood the record with more updates than the watch channel buffers
	// while nobody reads it, then cancel. The decoder must still exit.
	for i := 0; i < 64; i++ {
		if err := st.Set(ctx, sig.path()+"/status", fmt.Sprintf("tick-%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	cancel()

	waitFor(t, "watch goroutines to exit", func() bool {
		return runtime.NumGoroutine() <= before
	})
}

func TestRejectCallEndsRemote(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	af := &fakeFactory{}
	alice := NewCoordinator(st, "alice", af.make)
	bob := NewCoordinator(st, "bob", (&fakeFactory{}).make)
	defer alice.Close()
	defer bob.Close()

	rings := make(chan IncomingCall, 1)
	bob.OnIncoming(func(ic IncomingCall) { rings <- ic })

	aSess, err := alice.StartCall(context.Background(), "bob", MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	ic := <-rings
	if err := bob.RejectCall(context.Background(), ic.From); err != nil {
		t.Fatal(err)
	}

	select {
	case <-aSess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("caller never saw the rejection")
	}
	if aSess.State() != StateEnded {
		t.Fatalf("state %s, want ended", aSess.State())
	}
}
