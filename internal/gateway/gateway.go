// Package gateway speaks the kernel gateway protocol: kernels are created
// and controlled over REST, and their channels stream JSON envelopes over a
// WebSocket. A connected kernel satisfies the execution provider contract.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/starford/laguz/internal/kernel"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	maxMsgSize  = 16 << 20
	sendBacklog = 256
)

// Config locates a kernel gateway.
type Config struct {
	Endpoint string
	Token    string
	Logger   *slog.Logger
}

// Kernel is one live kernel on a gateway. It routes inbound envelopes to
// the execute call they answer by parent message id.
type Kernel struct {
	id       string
	endpoint string
	token    string
	session  string
	logger   *slog.Logger

	conn   *websocket.Conn
	send   chan []byte
	client *http.Client

	mu     sync.Mutex
	sinks  map[string]func(kernel.Message)
	closed bool

	teardownOnce sync.Once
}

var _ kernel.Provider = (*Kernel)(nil)

// Connect creates a kernel named name on the gateway and opens its channel
// socket.
func Connect(ctx context.Context, cfg Config, name string) (*Kernel, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("gateway: no endpoint configured")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	k := &Kernel{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		session:  uuid.NewString(),
		logger:   logger,
		send:     make(chan []byte, sendBacklog),
		sinks:    make(map[string]func(kernel.Message)),
		client:   &http.Client{Timeout: 30 * time.Second},
	}

	id, err := k.createKernel(ctx, name)
	if err != nil {
		return nil, err
	}
	k.id = id

	wsURL, err := channelsURL(cfg.Endpoint, id)
	if err != nil {
		return nil, err
	}
	hdr := http.Header{}
	if cfg.Token != "" {
		hdr.Set("Authorization", "token "+cfg.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, hdr)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial channels for %s: %w", name, err)
	}
	k.conn = conn

	go k.readPump()
	go k.writePump()

	logger.Info("gateway: kernel connected",
		slog.String("kernel", name),
		slog.String("id", id))
	return k, nil
}

// Execute submits code on the shell channel. Result messages are routed to
// onMessage as they arrive, including after the call settles.
func (k *Kernel) Execute(code string, onMessage func(kernel.Message)) error {
	msgID := uuid.NewString()

	content, err := json.Marshal(executeRequest{Code: code, StoreHistory: true})
	if err != nil {
		return fmt.Errorf("gateway: encode execute request: %w", err)
	}
	data, err := json.Marshal(envelope{
		Header: header{
			MsgID:   msgID,
			MsgType: typeExecuteRequest,
			Session: k.session,
			Version: protocolVersion,
		},
		Channel: channelShell,
		Content: content,
	})
	if err != nil {
		return fmt.Errorf("gateway: encode envelope: %w", err)
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return fmt.Errorf("gateway: kernel %s: connection closed", k.id)
	}
	k.sinks[msgID] = onMessage
	k.mu.Unlock()

	select {
	case k.send <- data:
		return nil
	default:
		k.mu.Lock()
		delete(k.sinks, msgID)
		k.mu.Unlock()
		return fmt.Errorf("gateway: kernel %s: send buffer full", k.id)
	}
}

// Interrupt asks the gateway to interrupt the kernel.
func (k *Kernel) Interrupt() error {
	return k.rest(http.MethodPost, "/api/kernels/"+k.id+"/interrupt")
}

// Restart asks the gateway to restart the kernel process. The channel
// socket survives a restart, so only the REST call is involved.
func (k *Kernel) Restart(onDone func(error)) {
	go func() {
		onDone(k.rest(http.MethodPost, "/api/kernels/"+k.id+"/restart"))
	}()
}

// Shutdown deletes the kernel on the gateway and closes the socket.
func (k *Kernel) Shutdown() error {
	err := k.rest(http.MethodDelete, "/api/kernels/"+k.id)
	k.teardown()
	return err
}

// Destroy closes the socket without touching the remote kernel.
func (k *Kernel) Destroy() {
	k.teardown()
}

func (k *Kernel) teardown() {
	k.teardownOnce.Do(func() {
		k.mu.Lock()
		k.closed = true
		k.mu.Unlock()
		if k.conn != nil {
			k.conn.Close()
		}
	})
}

// readPump routes inbound envelopes. When the connection dies, every
// registered sink receives a terminal error status so pending calls settle
// instead of hanging until their timeout.
func (k *Kernel) readPump() {
	defer k.teardown()

	k.conn.SetReadLimit(maxMsgSize)
	k.conn.SetReadDeadline(time.Now().Add(pongWait))
	k.conn.SetPongHandler(func(string) error {
		k.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := k.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				k.logger.Warn("gateway: read channels",
					slog.String("id", k.id),
					slog.String("error", err.Error()))
			}
			k.failPending()
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			k.logger.Debug("gateway: drop malformed envelope", slog.String("error", err.Error()))
			continue
		}

		k.mu.Lock()
		sink := k.sinks[env.ParentHeader.MsgID]
		k.mu.Unlock()
		if sink == nil {
			continue
		}
		for _, msg := range translate(env) {
			sink(msg)
		}
	}
}

func (k *Kernel) failPending() {
	k.mu.Lock()
	sinks := make([]func(kernel.Message), 0, len(k.sinks))
	for _, s := range k.sinks {
		sinks = append(sinks, s)
	}
	k.mu.Unlock()
	for _, s := range sinks {
		s(kernel.Message{Type: kernel.MsgStatus, Status: kernel.StatusMsgError})
	}
}

func (k *Kernel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		k.teardown()
	}()

	for {
		select {
		case data := <-k.send:
			k.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := k.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			k.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := k.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (k *Kernel) createKernel(ctx context.Context, name string) (string, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return "", fmt.Errorf("gateway: encode create request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.endpoint+"/api/kernels", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gateway: create kernel: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	k.authorize(req)

	resp, err := k.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway: create kernel %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway: create kernel %s: %s", name, resp.Status)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("gateway: decode create response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("gateway: create kernel %s: empty id", name)
	}
	return created.ID, nil
}

func (k *Kernel) rest(method, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, k.endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	k.authorize(req)

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("gateway: %s %s: %s", method, path, resp.Status)
	}
	return nil
}

func (k *Kernel) authorize(req *http.Request) {
	if k.token != "" {
		req.Header.Set("Authorization", "token "+k.token)
	}
}

// channelsURL converts the gateway's HTTP endpoint into the WebSocket URL
// for one kernel's channels.
func channelsURL(endpoint, kernelID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("gateway: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("gateway: unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/kernels/" + kernelID + "/channels"
	return u.String(), nil
}
