// Copyright 2024 SpotHero
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package optimizely

import (
	"sync"

	"go.uber.org/zap"
)

// NotificationType identifies a class of SDK event listeners can subscribe to.
type NotificationType string

const (
	ActivateNotification     NotificationType = "activate"
	TrackNotification        NotificationType = "track"
	DecisionNotification     NotificationType = "decision"
	ConfigUpdateNotification NotificationType = "config-update"
	LogEventNotification     NotificationType = "log-event"
	OdpEventNotification     NotificationType = "odp-event"
)

// NotificationHandler receives the payload of a notification.
type NotificationHandler func(payload interface{})

// NotificationCenter multicasts SDK events to registered listeners. A failing
// listener is logged and never affects the others or the caller.
type NotificationCenter struct {
	mutex    sync.Mutex
	nextID   int
	handlers map[NotificationType]map[int]NotificationHandler
	logger   *zap.SugaredLogger
}

// NewNotificationCenter creates an empty notification center.
func NewNotificationCenter(logger *zap.SugaredLogger) *NotificationCenter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &NotificationCenter{
		handlers: make(map[NotificationType]map[int]NotificationHandler),
		logger:   logger,
	}
}

// AddHandler registers a listener for the given notification type and returns
// its listener id, used to remove it later.
func (n *NotificationCenter) AddHandler(notificationType NotificationType, handler NotificationHandler) int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.nextID++
	if n.handlers[notificationType] == nil {
		n.handlers[notificationType] = make(map[int]NotificationHandler)
	}
	n.handlers[notificationType][n.nextID] = handler
	return n.nextID
}

// RemoveHandler removes the listener with the given id and reports whether it
// was registered.
func (n *NotificationCenter) RemoveHandler(notificationType NotificationType, id int) bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if _, ok := n.handlers[notificationType][id]; !ok {
		return false
	}
	delete(n.handlers[notificationType], id)
	return true
}

// Clear removes every listener of the given type.
func (n *NotificationCenter) Clear(notificationType NotificationType) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	delete(n.handlers, notificationType)
}

// ClearAll removes every listener of every type.
func (n *NotificationCenter) ClearAll() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.handlers = make(map[NotificationType]map[int]NotificationHandler)
}

// Send delivers the payload to a snapshot of the type's listeners.
func (n *NotificationCenter) Send(notificationType NotificationType, payload interface{}) {
	n.mutex.Lock()
	snapshot := make([]NotificationHandler, 0, len(n.handlers[notificationType]))
	for _, handler := range n.handlers[notificationType] {
		snapshot = append(snapshot, handler)
	}
	n.mutex.Unlock()

	for _, handler := range snapshot {
		n.invoke(notificationType, handler, payload)
	}
}

func (n *NotificationCenter) invoke(notificationType NotificationType, handler NotificationHandler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Errorf("Listener for %q notifications panicked: %v.", notificationType, r)
		}
	}()
	handler(payload)
}
