package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/internal/store"
	"github.com/capitalize-ai/support-session/pkg/logger"
	"github.com/capitalize-ai/support-session/pkg/metrics"
)

const (
	// StreamName is the name of the session updates stream.
	StreamName = "SESSION_UPDATES"

	// SubjectPrefix is the prefix for all session update subjects.
	SubjectPrefix = "session"

	// sessionToken stands in for updates not bound to a conversation.
	sessionToken = "_session"

	publishTimeout = 5 * time.Second
)

// Publisher is the subset of jetstream.JetStream the journal publishes with.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// StatusReader supplies the lifecycle projection recorded with each update.
type StatusReader interface {
	GetStatus(conversationID string) (model.ConversationStatus, bool)
}

// Record is one journaled store update.
type Record struct {
	SessionID      string                    `json:"session_id"`
	Seq            uint64                    `json:"seq"`
	ConversationID string                    `json:"conversation_id,omitempty"`
	Kind           model.DeltaKind           `json:"kind"`
	At             time.Time                 `json:"at"`
	Status         *model.ConversationStatus `json:"status,omitempty"`

	// StreamSeq is filled on replay from the JetStream metadata.
	StreamSeq uint64 `json:"-"`
}

// Journal mirrors store updates to JetStream.
type Journal struct {
	pub       Publisher
	tenantID  string
	sessionID string
	status    StatusReader
	log       *logger.Logger
}

// NewJournal creates a journal publishing under tenantID. status may be nil.
func NewJournal(pub Publisher, tenantID, sessionID string, status StatusReader, log *logger.Logger) *Journal {
	return &Journal{
		pub:       pub,
		tenantID:  tenantID,
		sessionID: sessionID,
		status:    status,
		log:       logger.OrGlobal(log).Component("journal"),
	}
}

// EnsureStream ensures the session updates stream exists.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		Description: "Support session store updates",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// UpdateSubject returns the subject for an update.
func UpdateSubject(tenantID, conversationID string, kind model.DeltaKind) string {
	conv := sessionToken
	if conversationID != "" {
		conv = subjectToken(conversationID)
	}
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, subjectToken(tenantID), conv, subjectToken(string(kind)))
}

// ConversationFilter returns the filter subject for all updates of a conversation.
func ConversationFilter(tenantID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, subjectToken(tenantID), subjectToken(conversationID))
}

// Publish journals one update. The message id makes republishing the same
// update idempotent within the stream's duplicate window.
func (j *Journal) Publish(ctx context.Context, u store.Update) (uint64, error) {
	rec := Record{
		SessionID:      j.sessionID,
		Seq:            u.Seq,
		ConversationID: u.ConversationID,
		Kind:           u.Kind,
		At:             u.At,
	}
	if j.status != nil && u.ConversationID != "" {
		if st, ok := j.status.GetStatus(u.ConversationID); ok {
			rec.Status = &st
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal update: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	subject := UpdateSubject(j.tenantID, u.ConversationID, u.Kind)
	ack, err := j.pub.Publish(ctx, subject, data,
		jetstream.WithMsgID(fmt.Sprintf("%s-%d", j.sessionID, u.Seq)))
	if err != nil {
		metrics.JournalPublished.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to publish update: %w", err)
	}
	metrics.JournalPublished.WithLabelValues("ok").Inc()
	return ack.Sequence, nil
}

// Run journals updates until the channel closes or ctx is cancelled. Publish
// failures are logged and skipped.
func (j *Journal) Run(ctx context.Context, updates <-chan store.Update) error {
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if last != 0 && u.Seq != last+1 {
				j.log.Warn("store updates skipped",
					zap.Uint64("from", last+1),
					zap.Uint64("to", u.Seq-1),
				)
			}
			last = u.Seq
			if _, err := j.Publish(ctx, u); err != nil {
				j.log.Warn("journal publish failed",
					zap.Uint64("seq", u.Seq),
					zap.String("conversation_id", u.ConversationID),
					zap.Error(err),
				)
			}
		}
	}
}

// Replay reads journaled updates of a conversation starting after a stream
// sequence.
func Replay(ctx context.Context, js jetstream.JetStream, tenantID, conversationID string, afterSequence uint64, limit int) ([]Record, uint64, bool, error) {
	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: ConversationFilter(tenantID, conversationID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch updates: %w", err)
	}

	var records []Record
	var lastSequence uint64
	for msg := range batch.Messages() {
		var rec Record
		if err := json.Unmarshal(msg.Data(), &rec); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			rec.StreamSeq = meta.Sequence.Stream
			lastSequence = meta.Sequence.Stream
		}
		records = append(records, rec)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, 0, false, fmt.Errorf("batch error: %w", err)
	}

	return records, lastSequence, len(records) == limit, nil
}
