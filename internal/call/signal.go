package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/ripplechat/ripple/internal/store"
)

// signaler reads and writes one call's signaling record. Descriptions and
// candidates are stored JSON-encoded as strings, the same shape both peers
// expect regardless of platform.
type signaler struct {
	st     store.Store
	convID string
}

func newSignaler(st store.Store, convID string) *signaler {
	return &signaler{st: st, convID: convID}
}

func (s *signaler) path() string {
	return "calls/" + s.convID
}

// record is the decoded signaling state of a call.
type record struct {
	Offer  string `json:"offer"`
	Answer string `json:"answer"`
	Status string `json:"status"`
}

func (s *signaler) writeDescription(ctx context.Context, field string, desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", field, err)
	}
	return s.st.Set(ctx, s.path()+"/"+field, string(raw))
}

func (s *signaler) writeOffer(ctx context.Context, desc webrtc.SessionDescription) error {
	return s.writeDescription(ctx, "offer", desc)
}

func (s *signaler) writeAnswer(ctx context.Context, desc webrtc.SessionDescription) error {
	return s.writeDescription(ctx, "answer", desc)
}

func decodeDescription(raw string) (webrtc.SessionDescription, bool) {
	var desc webrtc.SessionDescription
	if raw == "" {
		return desc, false
	}
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		log.Printf("CALL: malformed description in signaling record: %v", err)
		return desc, false
	}
	return desc, true
}

// writeEnded replaces the record with the terminal status so the remote
// side tears down and no stale offer or answer survives the call.
func (s *signaler) writeEnded(ctx context.Context) error {
	return s.st.Set(ctx, s.path(), map[string]any{"status": "ended"})
}

// clear removes the whole signaling record once both sides are done with it.
func (s *signaler) clear(ctx context.Context) error {
	return s.st.Delete(ctx, s.path())
}

// watchRecord streams the decoded signaling record after every change. The
// returned cancel unblocks the decoder even when the consumer stopped
// reading before draining the channel.
func (s *signaler) watchRecord() (<-chan record, store.CancelFunc) {
	values, cancel := s.st.SubscribeValue(s.path())
	out := make(chan record, 16)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(done) })
		cancel()
	}
	go func() {
		defer close(out)
		for v := range values {
			var rec record
			if v != nil {
				if err := json.Unmarshal(v, &rec); err != nil {
					log.Printf("CALL: malformed signaling record: %v", err)
					continue
				}
			}
			select {
			case out <- rec:
			case <-done:
				return
			}
		}
	}()
	return out, stop
}

func (s *signaler) candidatesPath(userID string) string {
	return s.path() + "/candidates/" + userID
}

// pushCandidate appends a locally gathered candidate under our own user id.
func (s *signaler) pushCandidate(ctx context.Context, userID string, cand webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}
	_, err = s.st.Push(ctx, s.candidatesPath(userID), string(raw))
	return err
}

// watchCandidates streams the remote peer's candidates as they appear.
func (s *signaler) watchCandidates(userID string) (<-chan store.Event, store.CancelFunc) {
	return s.st.SubscribeChildren(s.candidatesPath(userID))
}

// dropCandidate removes an applied candidate so it is processed once.
func (s *signaler) dropCandidate(ctx context.Context, userID, key string) {
	if err := s.st.Delete(ctx, s.candidatesPath(userID)+"/"+key); err != nil {
		log.Printf("CALL [%s]: drop candidate %s: %v", s.convID, key, err)
	}
}

func ringPath(userID string) string {
	return "users/" + userID + "/incoming_call"
}

// ring writes the incoming-call record on the callee's node.
func (s *signaler) ring(ctx context.Context, to string, ic IncomingCall) error {
	return s.st.Set(ctx, ringPath(to), ic)
}

// clearRing removes a user's incoming-call record.
func (s *signaler) clearRing(ctx context.Context, userID string) {
	if err := s.st.Delete(ctx, ringPath(userID)); err != nil {
		log.Printf("CALL [%s]: clear ring for %s: %v", s.convID, userID, err)
	}
}
