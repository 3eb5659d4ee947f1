package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/ripplechat/ripple/internal/store"
)

// Session is one call attempt between the local user and a remote peer.
// It moves Initializing → Offering (caller) or Answering (callee) →
// Connected, and ends in Ended or Failed. Terminal transitions are
// idempotent; every path through them releases local media.
type Session struct {
	convID   string
	selfID   string
	remoteID string
	caller   bool
	kind     MediaKind

	sig     *signaler
	factory ConnectionFactory

	mu       sync.Mutex
	state    State
	pc       PeerConnection
	media    MediaSource
	answered bool
	applied  map[string]bool
	cancels  []store.CancelFunc

	updates chan State
	done    chan struct{}
}

func newSession(st store.Store, convID, selfID, remoteID string, caller bool, kind MediaKind, factory ConnectionFactory) *Session {
	return &Session{
		convID:   convID,
		selfID:   selfID,
		remoteID: remoteID,
		caller:   caller,
		kind:     kind,
		sig:      newSignaler(st, convID),
		factory:  factory,
		state:    StateInitializing,
		applied:  make(map[string]bool),
		updates:  make(chan State, 8),
		done:     make(chan struct{}),
	}
}

// start acquires media, creates the connection and begins signaling.
func (s *Session) start(ctx context.Context) error {
	pc, media, err := s.factory(ctx, s.kind)
	if err != nil {
		s.terminate(ctx, StateFailed)
		if errors.Is(err, ErrMediaAccessDenied) {
			return err
		}
		return fmt.Errorf("create connection: %w", err)
	}

	s.mu.Lock()
	if s.state != StateInitializing {
		// Torn down before media came up (e.g. instant remote hangup).
		s.mu.Unlock()
		if media != nil {
			media.Close()
		}
		pc.Close()
		return ErrSessionEnded
	}
	s.pc = pc
	s.media = media
	s.mu.Unlock()

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := s.sig.pushCandidate(context.Background(), s.selfID, c); err != nil {
			log.Printf("CALL [%s]: push candidate: %v", s.convID, err)
		}
	})
	pc.OnRemoteTrack(s.setConnected)
	pc.OnFailure(func(err error) {
		log.Printf("CALL [%s]: connection failure: %v", s.convID, err)
		s.terminate(context.Background(), StateFailed)
	})

	if s.caller {
		offer, err := pc.CreateOffer()
		if err == nil {
			err = pc.SetLocalDescription(offer)
		}
		if err == nil {
			err = s.sig.writeOffer(ctx, offer)
		}
		if err != nil {
			s.terminate(ctx, StateFailed)
			return fmt.Errorf("send offer: %w", err)
		}
		s.setState(StateOffering)
		log.Printf("CALL [%s]: offer written, waiting for answer", s.convID)
	}

	recCh, cancelRec := s.sig.watchRecord()
	candCh, cancelCand := s.sig.watchCandidates(s.remoteID)
	s.mu.Lock()
	s.cancels = append(s.cancels, cancelRec, cancelCand)
	s.mu.Unlock()
	go s.recordLoop(recCh)
	go s.candidateLoop(candCh)
	return nil
}

// recordLoop reacts to signaling record changes: the callee answers the
// observed offer, the caller applies the observed answer, and either side
// tears down on the terminal status. Duplicate deliveries are no-ops.
func (s *Session) recordLoop(ch <-chan record) {
	for rec := range ch {
		if rec.Status == "ended" {
			log.Printf("CALL [%s]: remote hangup", s.convID)
			s.terminate(context.Background(), StateEnded)
			return
		}

		if s.caller {
			s.applyAnswer(rec)
		} else {
			s.answerOffer(rec)
		}
	}
}

func (s *Session) applyAnswer(rec record) {
	answer, ok := decodeDescription(rec.Answer)
	if !ok {
		return
	}
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil || pc.RemoteDescriptionSet() {
		return // already applied — duplicate answer is a no-op
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		// Inconsistent signaling state; ignore rather than kill the call.
		log.Printf("CALL [%s]: apply answer: %v", s.convID, err)
		return
	}
	log.Printf("CALL [%s]: answer applied", s.convID)
}

func (s *Session) answerOffer(rec record) {
	offer, ok := decodeDescription(rec.Offer)
	if !ok {
		return
	}
	s.mu.Lock()
	pc := s.pc
	already := s.answered
	if pc != nil && !already {
		s.answered = true
	}
	s.mu.Unlock()
	if pc == nil || already || pc.RemoteDescriptionSet() {
		return
	}

	err := pc.SetRemoteDescription(offer)
	var answer webrtc.SessionDescription
	if err == nil {
		answer, err = pc.CreateAnswer()
	}
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err == nil {
		err = s.sig.writeAnswer(context.Background(), answer)
	}
	if err != nil {
		log.Printf("CALL [%s]: answer offer: %v", s.convID, err)
		s.terminate(context.Background(), StateFailed)
		return
	}
	s.setState(StateAnswering)
	log.Printf("CALL [%s]: answer written", s.convID)
}

// candidateLoop applies each remote candidate exactly once, then removes it
// from the record.
func (s *Session) candidateLoop(ch <-chan store.Event) {
	for ev := range ch {
		if ev.Kind != store.Added {
			continue
		}
		s.mu.Lock()
		pc := s.pc
		seen := s.applied[ev.Key]
		if !seen {
			s.applied[ev.Key] = true
		}
		s.mu.Unlock()
		if pc == nil || seen {
			continue
		}

		var raw string
		if err := json.Unmarshal(ev.Value, &raw); err != nil {
			log.Printf("CALL [%s]: malformed candidate record %s: %v", s.convID, ev.Key, err)
			continue
		}
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(raw), &cand); err != nil {
			log.Printf("CALL [%s]: malformed candidate %s: %v", s.convID, ev.Key, err)
			continue
		}
		if err := pc.AddICECandidate(cand); err != nil {
			log.Printf("CALL [%s]: add candidate %s: %v", s.convID, ev.Key, err)
			continue
		}
		s.sig.dropCandidate(context.Background(), s.remoteID, ev.Key)
	}
}

// setConnected marks the session live once remote media arrives.
func (s *Session) setConnected() {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateEnded || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.mu.Unlock()
	s.notify(StateConnected)
	log.Printf("CALL [%s]: connected", s.convID)
}

// Hangup ends the call locally. Safe to call any number of times.
func (s *Session) Hangup() {
	s.terminate(context.Background(), StateEnded)
}

// terminate is the single teardown path: flips to a terminal state once,
// cancels subscriptions, releases media and the connection, and replaces
// the signaling record with the terminal status so the remote side ends
// too. The ring records of both participants are cleared.
func (s *Session) terminate(ctx context.Context, terminal State) {
	s.mu.Lock()
	if s.state == StateEnded || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = terminal
	pc := s.pc
	media := s.media
	cancels := s.cancels
	s.pc = nil
	s.media = nil
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if media != nil {
		if err := media.Close(); err != nil {
			log.Printf("CALL [%s]: release media: %v", s.convID, err)
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Printf("CALL [%s]: close connection: %v", s.convID, err)
		}
	}

	if err := s.sig.writeEnded(ctx); err != nil {
		log.Printf("CALL [%s]: write terminal status: %v", s.convID, err)
	}
	s.sig.clearRing(ctx, s.remoteID)
	s.sig.clearRing(ctx, s.selfID)

	close(s.done)
	s.notify(terminal)
	log.Printf("CALL [%s]: %s", s.convID, terminal)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == StateEnded || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.notify(st)
}

func (s *Session) notify(st State) {
	select {
	case s.updates <- st:
	default:
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Updates signals state transitions (coalesced under pressure).
func (s *Session) Updates() <-chan State {
	return s.updates
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ConversationID returns the conversation this call belongs to.
func (s *Session) ConversationID() string { return s.convID }

// Remote returns the remote participant id.
func (s *Session) Remote() string { return s.remoteID }

// Kind returns the media kind of the call.
func (s *Session) Kind() MediaKind { return s.kind }
