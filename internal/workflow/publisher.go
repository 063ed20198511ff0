package workflow

import (
	"context"

	"github.com/knowhub/research-orchestrator/internal/eventhub"
	"github.com/knowhub/research-orchestrator/internal/timeline"
)

// Publisher pairs the durable timeline with the live hub: every entry
// is persisted first, then multicast to connected clients.
type Publisher struct {
	store *timeline.Store
	hub   *eventhub.Hub
}

func NewPublisher(store *timeline.Store, hub *eventhub.Hub) *Publisher {
	return &Publisher{store: store, hub: hub}
}

// PublishMessage appends a chat message and pushes it to live clients.
func (p *Publisher) PublishMessage(ctx context.Context, taskID, role, content string) (timeline.Entry, error) {
	entry, err := p.store.SaveMessage(ctx, taskID, role, content)
	if err != nil {
		return timeline.Entry{}, err
	}
	p.hub.SendTimelineItem(taskID, entry)
	return entry, nil
}

// PublishEvent appends a workflow event and returns its id so follow-up
// events can thread under it. parentEventID zero means no parent.
func (p *Publisher) PublishEvent(ctx context.Context, taskID, typ, title, content string, parentEventID int64) (int64, error) {
	entry, err := p.store.SaveEvent(ctx, taskID, typ, title, content, parentEventID)
	if err != nil {
		return 0, err
	}
	p.hub.SendTimelineItem(taskID, entry)
	return entry.Event.ID, nil
}

// PublishTempEvent pushes a transient event (cached and multicast, never
// persisted, sequence -1).
func (p *Publisher) PublishTempEvent(ctx context.Context, taskID, typ, title string) {
	entry := p.store.SaveTempEvent(ctx, taskID, typ, title)
	p.hub.SendTimelineItem(taskID, entry)
}

// PublishReportStream pushes a partial report text delta to live clients.
func (p *Publisher) PublishReportStream(taskID, delta string) {
	p.hub.SendReportStream(taskID, delta)
}
