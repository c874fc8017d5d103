// Package process fans download progress out to subscribers, grouped by process id.
package process

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mangavault/pkg/models"
)

const defaultQueueSize = 64

// Transport writes encoded frames to one connection.
type Transport interface {
	Kind() string
	Write(frame []byte) error
	Close() error
}

// Client is one subscriber connection. Frames are queued and written by the
// client's own goroutine so a slow peer never blocks a publisher.
type Client struct {
	id string
	t  Transport

	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (c *Client) ID() string { return c.id }

// Done is closed once the client has been disconnected.
func (c *Client) Done() <-chan struct{} { return c.done }

type Stats struct {
	TCPClients int `json:"tcp_clients"`
	WSClients  int `json:"ws_clients"`
	Processes  int `json:"processes"`
}

type Hub struct {
	mu        sync.Mutex
	clients   map[*Client]map[string]struct{}
	processes map[string]map[*Client]struct{}
	queueSize int
	log       *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:   make(map[*Client]map[string]struct{}),
		processes: make(map[string]map[*Client]struct{}),
		queueSize: defaultQueueSize,
		log:       logger.Named("hub"),
	}
}

// Connect registers a transport and starts its writer.
func (h *Hub) Connect(t Transport) *Client {
	c := &Client{
		id:   uuid.NewString(),
		t:    t,
		out:  make(chan []byte, h.queueSize),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = make(map[string]struct{})
	h.mu.Unlock()

	go h.writeLoop(c)
	h.log.Debug("client connected", zap.String("client", c.id), zap.String("transport", t.Kind()))
	return c
}

func (h *Hub) writeLoop(c *Client) {
	defer func() {
		if err := c.t.Close(); err != nil {
			h.log.Debug("close transport", zap.String("client", c.id), zap.Error(err))
		}
	}()
	for {
		select {
		case frame := <-c.out:
			if err := c.t.Write(frame); err != nil {
				h.log.Debug("write failed, dropping client", zap.String("client", c.id), zap.Error(err))
				h.Disconnect(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Disconnect removes c from every process it joined and stops its writer.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	joined, ok := h.clients[c]
	if ok {
		for id := range joined {
			h.removeLocked(id, c)
		}
		delete(h.clients, c)
	}
	h.mu.Unlock()

	c.once.Do(func() { close(c.done) })
	if ok {
		h.log.Debug("client disconnected", zap.String("client", c.id), zap.Int("left", len(joined)))
	}
}

// Subscribe joins c to ids and returns everything c has joined.
func (h *Hub) Subscribe(c *Client, ids ...string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	joined, ok := h.clients[c]
	if !ok {
		return nil
	}
	for _, id := range ids {
		joined[id] = struct{}{}
		subs, ok := h.processes[id]
		if !ok {
			subs = make(map[*Client]struct{})
			h.processes[id] = subs
		}
		subs[c] = struct{}{}
		h.log.Debug("client joined process", zap.String("client", c.id), zap.String("process", id))
	}
	return sortedKeys(joined)
}

// Unsubscribe removes c from ids it had joined; unknown ids are ignored.
func (h *Hub) Unsubscribe(c *Client, ids ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	joined, ok := h.clients[c]
	if !ok {
		return
	}
	for _, id := range ids {
		if _, ok := joined[id]; !ok {
			continue
		}
		delete(joined, id)
		h.removeLocked(id, c)
		h.log.Debug("client left process", zap.String("client", c.id), zap.String("process", id))
	}
}

func (h *Hub) removeLocked(id string, c *Client) {
	subs := h.processes[id]
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.processes, id)
	}
}

func (h *Hub) Joined(c *Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedKeys(h.clients[c])
}

// ActiveProcesses lists every process id with at least one subscriber.
func (h *Hub) ActiveProcesses() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedKeys(h.processes)
}

func (h *Hub) SubscriberCount(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.processes[id])
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Stats{Processes: len(h.processes)}
	for c := range h.clients {
		switch c.t.Kind() {
		case "tcp":
			s.TCPClients++
		default:
			s.WSClients++
		}
	}
	return s
}

// Publish sends ev under event to the subscribers of ev.ProcessID.
// Nobody listening is not an error.
func (h *Hub) Publish(event string, ev models.ProgressEvent) {
	frame, err := encode(event, ev)
	if err != nil {
		h.log.Warn("encode event", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.Lock()
	subs := make([]*Client, 0, len(h.processes[ev.ProcessID]))
	for c := range h.processes[ev.ProcessID] {
		subs = append(subs, c)
	}
	h.mu.Unlock()

	for _, c := range subs {
		h.enqueue(c, frame)
	}
}

func (h *Hub) SendProgress(progress int, ids ...string) {
	for _, id := range ids {
		h.Publish(EventProgress, models.ProgressEvent{ProcessID: id, Progress: &progress})
	}
}

func (h *Hub) SendStatus(status string, ids ...string) {
	for _, id := range ids {
		h.Publish(EventStatus, models.ProgressEvent{ProcessID: id, Status: &status})
	}
}

func (h *Hub) SendNotify(notify string, ids ...string) {
	for _, id := range ids {
		h.Publish(EventNotify, models.ProgressEvent{ProcessID: id, Notify: &notify})
	}
}

func (h *Hub) SendStatusWithProgress(status string, progress int, ids ...string) {
	for _, id := range ids {
		h.Publish(EventStatusWithProgress, models.ProgressEvent{ProcessID: id, Status: &status, Progress: &progress})
	}
}

// SendBulk delivers each update to its own process; only set fields are sent.
func (h *Hub) SendBulk(updates ...models.ProgressEvent) {
	for _, u := range updates {
		h.Publish(EventBulkUpdate, u)
	}
}

// Handle executes one inbound frame from c.
func (h *Hub) Handle(c *Client, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reply(c, EventError, errorData{Message: "Invalid message"})
		return
	}

	switch msg.Event {
	case CmdJoin:
		var req joinRequest
		if len(msg.Data) > 0 {
			_ = json.Unmarshal(msg.Data, &req)
		}
		ids := req.ids()
		if !validIDs(ids) {
			h.reply(c, EventError, errorData{Message: "Invalid processId(s)"})
			return
		}
		joined := h.Subscribe(c, ids...)
		h.reply(c, EventJoined, processIDsData{ProcessIDs: joined})

	case CmdLeave:
		var req leaveRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.ProcessIDs == nil {
			h.reply(c, EventError, errorData{Message: "Invalid processIds array"})
			return
		}
		h.Unsubscribe(c, *req.ProcessIDs...)
		h.reply(c, EventLeft, processIDsData{ProcessIDs: *req.ProcessIDs})

	case CmdGetJoined:
		h.reply(c, EventJoined, processIDsData{ProcessIDs: h.Joined(c)})

	default:
		h.reply(c, EventError, errorData{Message: "Unknown event " + msg.Event})
	}
}

// Welcome greets a freshly connected client.
func (h *Hub) Welcome(c *Client) {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	h.reply(c, EventWelcome, welcomeData{Transport: c.t.Kind(), Clients: n})
}

func (h *Hub) reply(c *Client, event string, data any) {
	frame, err := encode(event, data)
	if err != nil {
		return
	}
	h.enqueue(c, frame)
}

// enqueue never blocks; a client whose queue is full is dropped.
func (h *Hub) enqueue(c *Client, frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- frame:
	default:
		h.log.Warn("client queue full, dropping client", zap.String("client", c.id))
		h.Disconnect(c)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.Disconnect(c)
	}
}
