package queue

import (
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Event type constants for queue lifecycle events, reverse-domain
// notation following the CloudEvents specification.
const (
	EventTypeMessageSent         = "com.brokerkit.queue.message.sent"
	EventTypeMessageDropped      = "com.brokerkit.queue.message.dropped"
	EventTypeMessageRedelivered  = "com.brokerkit.queue.message.redelivered"
	EventTypeSubscriptionAdded   = "com.brokerkit.queue.subscription.added"
	EventTypeSubscriptionRemoved = "com.brokerkit.queue.subscription.removed"
	EventTypeQueuePurged         = "com.brokerkit.queue.queue.purged"
	EventTypeQueueGC             = "com.brokerkit.queue.queue.gc"
	EventTypeMessageDeadLettered = "com.brokerkit.queue.message.deadlettered"
)

// EventSink receives lifecycle events emitted by the Coordinator. Queue
// construction accepts a sink; a nil sink disables emission entirely.
type EventSink interface {
	Emit(evt cloudevents.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(cloudevents.Event)

func (f EventSinkFunc) Emit(evt cloudevents.Event) { f(evt) }

func newLifecycleEvent(eventType string, source string, data map[string]any) cloudevents.Event {
	evt := cloudevents.NewEvent()
	evt.SetID(uuid.NewString())
	evt.SetSource(source)
	evt.SetType(eventType)
	evt.SetTime(time.Now())
	if data != nil {
		_ = evt.SetData(cloudevents.ApplicationJSON, data)
	}
	return evt
}

func (q *Queue) emit(eventType string, data map[string]any) {
	if q.sink == nil {
		return
	}
	q.sink.Emit(newLifecycleEvent(eventType, q.destination.String(), data))
}
