package engine

import (
	"context"
	"time"

	"github.com/flemzord/tiermem/internal/cron"
	"github.com/flemzord/tiermem/internal/durable"
	"github.com/flemzord/tiermem/internal/memory"
	"github.com/flemzord/tiermem/internal/optimizer"
	"github.com/flemzord/tiermem/internal/synthesis"
	"github.com/flemzord/tiermem/internal/workingset"
)

// SystemStats is a snapshot of every tier.
type SystemStats struct {
	Uptime     time.Duration     `json:"uptime"`
	WorkingSet workingset.Stats  `json:"working_set"`
	Durable    *durable.Stats    `json:"durable,omitempty"`
	Synthesis  synthesis.Stats   `json:"synthesis"`
	Optimizer  optimizer.Metrics `json:"optimizer"`
	Pressure   float64           `json:"pressure"`
	Cache      CacheStats        `json:"cache"`
	Tasks      []cron.JobStatus  `json:"tasks,omitempty"`

	Degradations []memory.Degradation `json:"degradations,omitempty"`
}

// SystemStats collects tier statistics. Tiers that fail to report are
// listed as degradations.
func (e *Engine) SystemStats(ctx context.Context) (SystemStats, error) {
	release, err := e.enter()
	if err != nil {
		return SystemStats{}, err
	}
	defer release()

	st := SystemStats{
		Uptime:     e.deps.Now().Sub(e.started),
		WorkingSet: e.ws.Stats(),
		Synthesis:  e.layer.Stats(),
		Optimizer:  e.opt.Metrics(),
		Cache:      e.cache.stats(),
	}
	if e.scheduler != nil {
		st.Tasks = e.scheduler.Status()
	}

	if e.store != nil {
		sctx, cancel := e.opContext(ctx)
		ds, err := e.store.Stats(sctx)
		cancel()
		if err != nil {
			e.degrade(&st.Degradations, memory.Degrade("durable", "no_stats", err))
		} else {
			st.Durable = &ds
		}
	}

	p, err := e.opt.Pressure(ctx)
	if err != nil {
		e.degrade(&st.Degradations, memory.Degrade("optimizer", "no_pressure", err))
	}
	st.Pressure = p
	e.metrics.SetPressure(p)
	e.metrics.SetWorkingSet(st.WorkingSet.Total)
	return st, nil
}

// ConversationOverview combines the synthesis overview of a conversation
// with its footprint in the other tiers.
type ConversationOverview struct {
	synthesis.Overview

	Entries         int  `json:"entries"`
	Records         int  `json:"records"`
	PendingMessages int  `json:"pending_messages"`
	Hot             bool `json:"hot"`

	Degradations []memory.Degradation `json:"degradations,omitempty"`
}

// ConversationOverview describes one conversation.
func (e *Engine) ConversationOverview(ctx context.Context, conversationID string) (ConversationOverview, error) {
	release, err := e.enter()
	if err != nil {
		return ConversationOverview{}, err
	}
	defer release()

	if conversationID == "" {
		return ConversationOverview{}, errEmptyConversation
	}

	ov := ConversationOverview{
		Overview:        e.layer.Overview(conversationID),
		Entries:         len(e.ws.ConversationEntries(conversationID)),
		PendingMessages: e.pendingMessages(conversationID),
		Hot:             e.ws.RecentAccesses(conversationID, time.Hour) > 0,
	}

	if e.store != nil {
		qctx, cancel := e.opContext(ctx)
		recs, err := e.store.QueryByConversation(qctx, conversationID, 0)
		cancel()
		if err != nil {
			e.degrade(&ov.Degradations, memory.Degrade("durable", "no_record_count", err))
		} else {
			ov.Records = len(recs)
		}
	}
	return ov, nil
}
