// Package protocol defines what travels between the relay and its clients:
// the Message record with its framed binary encoding, and the line
// vocabulary clients use to issue commands.
package protocol

import (
	"fmt"
	"time"
)

// Message is a chat record pushed from the server to clients.
// A Message without an author is a server notice.
type Message struct {
	Timestamp time.Time
	Author    string
	Content   string
}

// NewMessage returns an unauthored notice stamped with the current time.
func NewMessage(content string) Message {
	return Message{Timestamp: time.Now().UTC(), Content: content}
}

// NewAuthoredMessage returns a message written by author.
func NewAuthoredMessage(content, author string) Message {
	return Message{Timestamp: time.Now().UTC(), Author: author, Content: content}
}

func (m Message) HasAuthor() bool {
	return m.Author != ""
}

func (m Message) String() string {
	ts := m.Timestamp.Format("15:04:05")
	if !m.HasAuthor() {
		return fmt.Sprintf("[%s] %s", ts, m.Content)
	}
	return fmt.Sprintf("[%s] %s > %s", ts, m.Author, m.Content)
}
