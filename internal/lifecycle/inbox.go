package lifecycle

import (
	"sync"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/connection"
	"github.com/atlas-desktop/weekly-trader/internal/safety"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
)

// MessageKind identifies what a posted message carries.
type MessageKind string

const (
	MessageOrderUpdate      MessageKind = "order_update"
	MessageSafetyReport     MessageKind = "safety_report"
	MessageConnectionChange MessageKind = "connection_change"
)

// Message is one notification from a concurrent activity. Exactly one of
// the payload fields is set.
type Message struct {
	Kind       MessageKind
	At         time.Time
	Order      *types.OrderUpdate
	Report     *safety.Report
	Connection *connection.Change
}

// Inbox is the single ordered queue between the concurrent activities and
// the tick loop. Post never blocks: gateways may deliver order updates
// synchronously from inside a call the tick itself is making.
type Inbox struct {
	mu       sync.Mutex
	messages []Message
	posted   uint64
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{}
}

// Post appends msg.
func (in *Inbox) Post(msg Message) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.messages = append(in.messages, msg)
	in.posted++
}

// Drain removes and returns every queued message in posting order.
func (in *Inbox) Drain() []Message {
	in.mu.Lock()
	defer in.mu.Unlock()

	out := in.messages
	in.messages = nil
	return out
}

// Len returns the number of queued messages.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()

	return len(in.messages)
}

// Posted returns the lifetime number of posted messages.
func (in *Inbox) Posted() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()

	return in.posted
}
