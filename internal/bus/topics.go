package bus

import "time"

// Task lifecycle topics, published by the store after a successful write.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskUpdated   = "task.updated"
	TopicTaskCompleted = "task.completed"
	TopicTaskDeferred  = "task.deferred"
	TopicTaskResumed   = "task.resumed"
	TopicTaskDeleted   = "task.deleted"
)

// TaskStateChangedEvent is published when a task row is written.
type TaskStateChangedEvent struct {
	TaskID string `json:"task_id"`
	Change string `json:"change"` // topic suffix, e.g. "completed"
}

// Dispatch and inbound topics, published by the activation bridge.
const (
	// TopicTaskDue carries a DispatchNotice for every id emitted by a scan
	// when the bridge runs in local dispatch mode.
	TopicTaskDue = "task.due"

	// TopicTaskRejected is published when an inbound creation payload is
	// refused (duplicate id or malformed input).
	TopicTaskRejected = "task.rejected"

	// TopicConversationReceived carries a plain utterance received on the
	// inbound queue.
	TopicConversationReceived = "conversation.received"
)

// DispatchNotice is the local equivalent of the {"task_id": ...} broker payload.
type DispatchNotice struct {
	TaskID    string    `json:"task_id"`
	ScannedAt time.Time `json:"scanned_at"`
}

// TaskRejected describes an inbound payload that did not produce a task.
type TaskRejected struct {
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// ConversationTurn is one entry of a forwarded conversation.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationReceived is published for plain (non-task) inbound messages.
type ConversationReceived struct {
	Conversation []ConversationTurn `json:"conversation"`
	DeliveryTag  uint64             `json:"delivery_tag"`
}
