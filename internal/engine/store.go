package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/flemzord/tiermem/internal/durable"
	"github.com/flemzord/tiermem/internal/memory"
)

// StoreStatus reports what StoreMemory did.
type StoreStatus struct {
	EntryID   string                `json:"entry_id"`
	Relevance float64               `json:"relevance"`
	Retention memory.RetentionClass `json:"retention"`
	Persisted bool                  `json:"persisted"`

	// SummaryID is set when this store completed a chunk that produced a
	// conversation summary.
	SummaryID string `json:"summary_id,omitempty"`

	Degradations []memory.Degradation `json:"degradations,omitempty"`
}

// StoreMemory adds content to the working set, persists it when enabled,
// and feeds the conversation's message buffer to the synthesis layer.
// Failures past the working set degrade the status instead of failing.
func (e *Engine) StoreMemory(ctx context.Context, conversationID, userInput, content string, mc *memory.Context) (status StoreStatus, err error) {
	release, err := e.enter()
	if err != nil {
		return StoreStatus{}, err
	}
	defer release()

	start := time.Now()
	ctx, span := e.span(ctx, "StoreMemory", conversationID)
	defer func() { e.finish(span, "store", start, err) }()

	if conversationID == "" {
		return StoreStatus{}, errEmptyConversation
	}

	res, err := e.ws.Store(ctx, conversationID, userInput, content, mc)
	if err != nil {
		return StoreStatus{}, err
	}
	e.cache.invalidate(conversationID)
	for _, d := range res.Degradations {
		e.metrics.ObserveDegradation(d.Component)
	}

	status = StoreStatus{
		EntryID:      res.Entry.ID,
		Relevance:    res.Entry.Relevance,
		Retention:    res.Entry.Retention,
		Degradations: res.Degradations,
	}

	if e.store != nil {
		if err := e.persist(ctx, res.Entry); err != nil {
			e.degrade(&status.Degradations, memory.Degrade("durable", "working_set_only", err))
		} else {
			e.ws.MarkPersisted(res.Entry.ID)
			status.Persisted = true
		}
	}

	if e.cfg.EnableSummarization {
		status.SummaryID = e.bufferMessage(ctx, conversationID, userInput, content, &status.Degradations)
	}

	e.metrics.ObserveStore()
	e.metrics.SetWorkingSet(e.ws.Len())
	return status, nil
}

func (e *Engine) persist(ctx context.Context, entry memory.Entry) error {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	_, err := e.store.Put(ctx, durable.Record{
		ID:             entry.ID,
		ConversationID: entry.ConversationID,
		UserInput:      entry.UserInput,
		CreatedAt:      entry.CreatedAt,
		Payload: durable.Payload{
			UserInput: entry.UserInput,
			Content:   entry.Content,
			Metadata: map[string]string{
				durable.MetaRelevance: strconv.FormatFloat(entry.Relevance, 'f', -1, 64),
				durable.MetaRetention: string(entry.Retention),
			},
		},
	})
	return err
}

// chunkBuffer holds a conversation's messages not yet covered by a summary.
type chunkBuffer struct {
	messages []string

	// analyzed is how many leading messages were already submitted by a
	// chunk that produced no summary.
	analyzed int
	inflight bool
}

// bufferMessage appends a message to the conversation buffer and hands the
// chunk to the synthesis layer each time another threshold's worth of
// messages has arrived. Messages stay buffered until a summary covers them,
// so a quiet conversation is still summarized once the chunk doubles.
func (e *Engine) bufferMessage(ctx context.Context, conversationID, userInput, content string, ds *[]memory.Degradation) string {
	msg := content
	if userInput != "" {
		msg = userInput + "\n" + content
	}

	e.bufMu.Lock()
	b := e.buffers[conversationID]
	if b == nil {
		b = &chunkBuffer{}
		e.buffers[conversationID] = b
	}
	b.messages = append(b.messages, msg)
	if b.inflight || len(b.messages)-b.analyzed < e.layer.Threshold() {
		e.bufMu.Unlock()
		return ""
	}
	chunk := append([]string(nil), b.messages...)
	analyzed := b.analyzed
	b.inflight = true
	e.bufMu.Unlock()

	id, err := e.layer.ProcessRetained(ctx, conversationID, chunk, analyzed)

	e.bufMu.Lock()
	if cur := e.buffers[conversationID]; cur == b {
		b.inflight = false
		if id != "" {
			b.messages = append([]string(nil), b.messages[len(chunk):]...)
			b.analyzed = 0
			if len(b.messages) == 0 {
				delete(e.buffers, conversationID)
			}
		} else {
			b.analyzed = len(chunk)
		}
	}
	e.bufMu.Unlock()

	if err != nil {
		e.degrade(ds, memory.Degrade("synthesis", "no_summary", err))
		return ""
	}
	if id != "" {
		e.metrics.ObserveSummary()
	}
	return id
}

// pendingMessages returns how many messages are buffered for a conversation.
func (e *Engine) pendingMessages(conversationID string) int {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	if b := e.buffers[conversationID]; b != nil {
		return len(b.messages)
	}
	return 0
}
