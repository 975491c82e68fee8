package session

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/strangerchat/internal/domain"
)

// assistedConnect simulates finding a partner, then connects the assisted
// stranger.
func (s *Session) assistedConnect(ctx context.Context, gen uint64, loops *sync.WaitGroup) {
	defer loops.Done()

	if d := s.randomDelay(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(gen) {
		return
	}
	s.connectedLocked("assistant")
}

// startReplyLocked streams the assistant's reply to the conversation so far.
// Must be called with s.mu held.
func (s *Session) startReplyLocked() {
	if s.cancel == nil {
		return
	}
	gen := s.gen
	turns := domain.TurnsFromMessages(s.messages)
	s.partnerTyping = true
	s.notify()

	// The attempt context is cancelled by teardown, which also waits for
	// this goroutine.
	ctx := s.attemptCtx
	loops := s.loops
	loops.Add(1)
	go s.streamReply(ctx, gen, turns, loops)
}

func (s *Session) streamReply(ctx context.Context, gen uint64, turns []domain.Turn, loops *sync.WaitGroup) {
	defer loops.Done()

	replyID := ""
	for chunk, err := range s.streamer.Stream(ctx, turns) {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Assistant stream failed", "error", err)
			s.replyFailed(gen)
			return
		}
		if chunk == "" {
			continue
		}
		s.appendChunk(gen, &replyID, chunk)
	}
	s.replyDone(gen)
}

// appendChunk creates the partner placeholder on the first chunk and
// extends it afterwards.
func (s *Session) appendChunk(gen uint64, replyID *string, chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(gen) || s.state != domain.StateConnected {
		return
	}
	if *replyID == "" {
		msg := domain.NewMessage(domain.SenderPartner, chunk)
		*replyID = msg.ID
		s.messages = append(s.messages, msg)
	} else {
		for i := len(s.messages) - 1; i >= 0; i-- {
			if s.messages[i].ID == *replyID {
				s.messages[i].Text += chunk
				break
			}
		}
	}
	s.notify()
}

func (s *Session) replyDone(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(gen) {
		return
	}
	s.partnerTyping = false
	s.notify()
}

func (s *Session) replyFailed(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(gen) || s.state != domain.StateConnected {
		return
	}
	s.partnerTyping = false
	s.messages = append(s.messages, domain.SystemMessage(domain.AssistantFailedText))
	s.notify()
}
