package server

import (
	"context"
	"sync"
	"time"
)

// RealtimeMessage announces that an account's data changed. OriginDeviceID is
// the device whose push caused the change; it is not notified of its own write.
type RealtimeMessage struct {
	AccountID      string
	OriginDeviceID string
	EventType      string
	Timestamp      time.Time
}

// RealtimeDispatcher fans messages out to the stream subscribers of an account.
// Slow subscribers miss messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id       int64
	deviceID string
	stream   chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers deviceID for messages of accountID until ctx is done or
// the returned cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, accountID, deviceID string) (<-chan RealtimeMessage, func()) {
	if accountID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:       d.nextSequence(),
		deviceID: deviceID,
		stream:   make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(accountID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(accountID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.AccountID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.AccountID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	targets := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if message.OriginDeviceID != "" && subscriber.deviceID == message.OriginDeviceID {
			continue
		}
		targets = append(targets, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range targets {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions for accountID.
func (d *RealtimeDispatcher) SubscriberCount(accountID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[accountID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(accountID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[accountID]; !ok {
		d.subscribers[accountID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[accountID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(accountID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[accountID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, accountID)
		}
	}
	d.mu.Unlock()
}
