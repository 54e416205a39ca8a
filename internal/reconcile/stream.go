package reconcile

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/pkg/metrics"
)

// stream assembles one streamed message. Chunk sequence numbers start at 0.
type stream struct {
	conversationID string
	messageID      string
	started        bool
	startedAt      time.Time

	next   int
	chunks map[int]string

	ended  bool
	endSeq *int

	// cancel stops the window timer: the orphan timer before stream.start,
	// the gap timer after it.
	cancel func()
}

func (s *stream) complete() bool {
	if len(s.chunks) > 0 {
		return false
	}
	return s.endSeq == nil || s.next > *s.endSeq
}

func (s *stream) disarm() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// HandleStreamStart opens a streaming message. Chunks that arrived early are
// applied in order.
func (r *Reconciler) HandleStreamStart(p model.StreamStartPayload) {
	if p.MessageID == "" || p.ConversationID == "" {
		return
	}
	if _, done := r.finished[p.MessageID]; done {
		r.log.Debug("stream.start for finished stream ignored", zap.String("message_id", p.MessageID))
		return
	}
	s, ok := r.streams[p.MessageID]
	if ok && s.started {
		r.log.Debug("duplicate stream.start ignored", zap.String("message_id", p.MessageID))
		return
	}
	if !ok {
		s = r.newStream(p.ConversationID, p.MessageID)
	}
	s.disarm()
	s.conversationID = p.ConversationID
	s.started = true
	s.startedAt = r.now()

	ts := p.Timestamp
	if ts.IsZero() {
		ts = s.startedAt
	}
	r.emit(model.StreamStarted{Message: model.Message{
		ID:             p.MessageID,
		ConversationID: p.ConversationID,
		Sender:         p.Sender,
		SenderName:     p.SenderName,
		Timestamp:      ts,
		IsStreaming:    true,
	}})
	r.Observe(p.ConversationID, p.MessageID)
	r.drain(s)
}

// HandleStreamChunk appends a chunk in sequence order. Duplicates are
// ignored; out-of-order chunks wait for the gap to fill.
func (r *Reconciler) HandleStreamChunk(p model.StreamChunkPayload) {
	if p.MessageID == "" || p.Seq < 0 {
		return
	}
	if _, done := r.finished[p.MessageID]; done {
		r.log.Debug("chunk for finished stream ignored",
			zap.String("message_id", p.MessageID),
			zap.Int("seq", p.Seq),
		)
		return
	}
	s, ok := r.streams[p.MessageID]
	if !ok {
		s = r.newStream(p.ConversationID, p.MessageID)
		id := p.MessageID
		s.cancel = r.schedule(r.cfg.OutOfOrderWindow, func() { r.expireOrphan(id) })
		metrics.RecordOutOfOrder("chunk", "orphaned")
	}
	if _, dup := s.chunks[p.Seq]; dup || p.Seq < s.next {
		metrics.RecordOutOfOrder("chunk", "duplicate")
		return
	}
	s.chunks[p.Seq] = p.Text
	if !s.started {
		return
	}
	if p.Seq != s.next {
		metrics.RecordOutOfOrder("chunk", "buffered")
	}
	r.drain(s)
}

// HandleStreamEnd finalises a stream once every chunk up to lastSeq is
// applied. A gap that does not fill within the window finalises the message
// as incomplete.
func (r *Reconciler) HandleStreamEnd(p model.StreamEndPayload) {
	s, ok := r.streams[p.MessageID]
	if !ok {
		r.log.Debug("stream.end for unknown stream ignored", zap.String("message_id", p.MessageID))
		return
	}
	s.ended = true
	if p.LastSeq != nil {
		last := *p.LastSeq
		s.endSeq = &last
	}
	if s.started {
		r.drain(s)
	}
}

// HandleStreamError aborts a stream, keeping its partial content.
func (r *Reconciler) HandleStreamError(p model.StreamErrorPayload) {
	reason := p.Error
	if reason == "" {
		reason = "stream error"
	}
	r.abort(p.MessageID, reason)
}

// AbortStreams aborts every open stream, used when the connection drops.
func (r *Reconciler) AbortStreams(reason string) {
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.abort(id, reason)
	}
}

// Streaming returns the number of open streams.
func (r *Reconciler) Streaming() int {
	return len(r.streams)
}

func (r *Reconciler) newStream(conversationID, messageID string) *stream {
	s := &stream{
		conversationID: conversationID,
		messageID:      messageID,
		chunks:         make(map[int]string),
	}
	r.streams[messageID] = s
	return s
}

// drain applies contiguous chunks and decides whether the stream is done.
func (r *Reconciler) drain(s *stream) {
	for {
		text, ok := s.chunks[s.next]
		if !ok {
			break
		}
		delete(s.chunks, s.next)
		s.next++
		if text != "" {
			r.emit(model.StreamAppended{ConversationID: s.conversationID, MessageID: s.messageID, Text: text})
		}
	}

	if s.ended && s.complete() {
		r.finish(s, false)
		return
	}
	gap := len(s.chunks) > 0 || (s.ended && !s.complete())
	switch {
	case gap && s.cancel == nil:
		id := s.messageID
		s.cancel = r.schedule(r.cfg.OutOfOrderWindow, func() { r.expireGap(id) })
	case !gap:
		s.disarm()
	}
}

func (r *Reconciler) expireGap(messageID string) {
	s, ok := r.streams[messageID]
	if !ok {
		return
	}
	s.cancel = nil
	r.log.Warn("stream gap not filled, finalising as incomplete",
		zap.String("conversation_id", s.conversationID),
		zap.String("message_id", messageID),
		zap.Int("next_seq", s.next),
		zap.Int("buffered", len(s.chunks)),
	)
	metrics.RecordOutOfOrder("chunk", "gap_expired")
	r.finish(s, true)
}

func (r *Reconciler) expireOrphan(messageID string) {
	s, ok := r.streams[messageID]
	if !ok || s.started {
		return
	}
	delete(r.streams, messageID)
	r.log.Warn("chunks without stream.start dropped",
		zap.String("conversation_id", s.conversationID),
		zap.String("message_id", messageID),
		zap.Int("chunks", len(s.chunks)),
	)
	metrics.RecordOutOfOrder("chunk", "dropped")
}

// finish closes a stream. An incomplete stream still appends whatever was
// buffered past the gap, in sequence order.
func (r *Reconciler) finish(s *stream, incomplete bool) {
	s.disarm()
	if incomplete {
		r.flushBuffered(s)
	}
	delete(r.streams, s.messageID)
	r.markFinished(s.messageID, s.conversationID)
	r.emit(model.StreamFinished{
		ConversationID: s.conversationID,
		MessageID:      s.messageID,
		Incomplete:     incomplete,
	})
	outcome := "complete"
	if incomplete {
		outcome = "incomplete"
	}
	metrics.RecordStream(outcome, r.now().Sub(s.startedAt).Seconds())
}

// markFinished remembers a closed stream for the out-of-order window so
// late events for it are ignored rather than opening a new stream.
func (r *Reconciler) markFinished(messageID, conversationID string) {
	r.finished[messageID] = conversationID
	r.schedule(r.cfg.OutOfOrderWindow, func() {
		delete(r.finished, messageID)
	})
}

func (r *Reconciler) abort(messageID, reason string) {
	s, ok := r.streams[messageID]
	if !ok {
		return
	}
	s.disarm()
	delete(r.streams, messageID)
	if !s.started {
		return
	}
	r.flushBuffered(s)
	r.markFinished(messageID, s.conversationID)
	r.emit(model.StreamAborted{
		ConversationID: s.conversationID,
		MessageID:      messageID,
		Reason:         reason,
	})
	r.log.Warn("stream aborted",
		zap.String("conversation_id", s.conversationID),
		zap.String("message_id", messageID),
		zap.String("reason", reason),
	)
	metrics.RecordStream("aborted", r.now().Sub(s.startedAt).Seconds())
}

func (r *Reconciler) flushBuffered(s *stream) {
	seqs := make([]int, 0, len(s.chunks))
	for seq := range s.chunks {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	for _, seq := range seqs {
		if text := s.chunks[seq]; text != "" {
			r.emit(model.StreamAppended{ConversationID: s.conversationID, MessageID: s.messageID, Text: text})
		}
		delete(s.chunks, seq)
	}
}
