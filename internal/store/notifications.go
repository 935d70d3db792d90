package store

import (
	"path/filepath"
	"sync"
	"time"
)

// Notification is one message queued for the operator's next CLI visit.
type Notification struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Notifications is the daemon-to-operator notice queue. The gateway
// appends while running; `status` drains on read.
type Notifications struct {
	mu   sync.Mutex
	path string
}

const maxNotifications = 50

// NewNotifications binds notifications.json under stateDir.
func NewNotifications(stateDir string) *Notifications {
	return &Notifications{path: filepath.Join(stateDir, "notifications.json")}
}

// Push appends a notice, keeping only the newest entries.
func (n *Notifications) Push(text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var list []Notification
	if err := LoadJSON(n.path, &list); err != nil {
		return err
	}
	list = append(list, Notification{At: time.Now().UTC(), Text: text})
	if len(list) > maxNotifications {
		list = list[len(list)-maxNotifications:]
	}
	return SaveJSON(n.path, list)
}

// Drain returns all pending notices and clears the queue.
func (n *Notifications) Drain() ([]Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var list []Notification
	if err := LoadJSON(n.path, &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	if err := SaveJSON(n.path, []Notification{}); err != nil {
		return nil, err
	}
	return list, nil
}
