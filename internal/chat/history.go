package chat

import "sync"

// MessageLog keeps the most recent broadcast messages in arrival order.
// When full, every push drops the oldest entry.
type MessageLog struct {
	max  int
	mu   sync.Mutex
	data []Message
}

// NewMessageLog builds a log holding at most max messages. A non-positive
// max is raised to 1.
func NewMessageLog(max int) *MessageLog {
	if max <= 0 {
		max = 1
	}
	return &MessageLog{max: max, data: make([]Message, 0, max)}
}

func (l *MessageLog) Push(m Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.data) == l.max {
		copy(l.data, l.data[1:])
		l.data = l.data[:l.max-1]
	}
	l.data = append(l.data, m)
	HistoryMessages.Set(float64(len(l.data)))
}

// Snapshot copies the current contents, oldest first.
func (l *MessageLog) Snapshot() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.data))
	copy(out, l.data)
	return out
}

func (l *MessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.data)
}

func (l *MessageLog) Cap() int {
	return l.max
}
