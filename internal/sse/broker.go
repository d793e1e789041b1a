// Package sse implements a Server-Sent Events broker for live notebook
// updates.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type outputReq struct {
	path   string
	index  int
	cellID string
}

type workspaceReq struct {
	kind string
	path string
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable
// state (clients + per-cell output throttle timestamps). Public methods
// communicate with this loop through channels, so no mutexes are required.
type Broker struct {
	outputMin time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	outputCh      chan outputReq
	workspaceCh   chan workspaceReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a new SSE broker with the given per-cell output
// throttle interval.
func NewBroker(outputThrottle time.Duration) *Broker {
	if outputThrottle <= 0 {
		outputThrottle = 100 * time.Millisecond
	}

	b := &Broker{
		outputMin:     outputThrottle,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		outputCh:      make(chan outputReq, 256),
		workspaceCh:   make(chan workspaceReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	lastOutput := make(map[string]time.Time)

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		msg := fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload)
		raw := []byte(msg)

		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case req := <-b.outputCh:
			// Streamed outputs arrive in bursts; one event per cell per
			// interval is enough. The settle event that follows every run
			// is published unthrottled, so clients never miss final state.
			key := req.path + "\x00" + req.cellID
			now := time.Now()
			if now.Sub(lastOutput[key]) < b.outputMin {
				continue
			}
			lastOutput[key] = now
			if len(lastOutput) > 512 {
				for k, ts := range lastOutput {
					if now.Sub(ts) >= b.outputMin {
						delete(lastOutput, k)
					}
				}
			}
			broadcast(Event{Type: "cell.outputs", Data: map[string]any{
				"path":    req.path,
				"index":   req.index,
				"cell_id": req.cellID,
			}})

		case req := <-b.workspaceCh:
			switch req.kind {
			case "created", "updated", "deleted", "conflict":
				broadcast(Event{Type: "notebook." + req.kind, Data: map[string]string{"path": req.path}})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishCellOutputs publishes a throttled output notification for one cell.
func (b *Broker) PublishCellOutputs(path string, index int, cellID string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.outputCh <- outputReq{path: path, index: index, cellID: cellID}:
	case <-b.stopped:
	}
}

// PublishWorkspaceEvent publishes a notebook file change seen in the
// workspace.
func (b *Broker) PublishWorkspaceEvent(kind, path string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.workspaceCh <- workspaceReq{kind: kind, path: path}:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
