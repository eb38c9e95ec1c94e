package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bvanreenan/knowledge-hub/internal/middleware"
	"github.com/bvanreenan/knowledge-hub/internal/model"
)

// Config はWebSocket接続の設定。
type Config struct {
	WriteWait      time.Duration // 1フレームの書き込み期限
	PongWait       time.Duration // pong受信までの期限
	PingInterval   time.Duration // PongWaitより短くすること
	MaxMessageSize int64
	SendBuffer     int
	// AllowedOrigin が空の場合はOriginとHostが一致する接続のみ許可する
	AllowedOrigin string
}

// DefaultConfig はデフォルトの接続設定を返す。
func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   54 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	return c
}

// Hub はライブクライアントの接続を受け付け、保持する。
type Hub struct {
	deps     Deps
	config   Config
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// New はHubを生成する。
func New(deps Deps, config Config) *Hub {
	config = config.withDefaults()
	h := &Hub{
		deps:   deps.withDefaults(),
		config: config,
		conns:  make(map[*conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if config.AllowedOrigin != "" {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origin == config.AllowedOrigin
		}
	}
	return h
}

// Serve はWebSocketへアップグレードし、接続が閉じるまでコマンドを読み続ける。
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade がエラーレスポンスを書き込み済み
		h.deps.Logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &conn{
		ws:     ws,
		hub:    h,
		send:   make(chan []byte, h.config.SendBuffer),
		done:   make(chan struct{}),
		logger: h.deps.Logger,
	}
	c.client = NewClient(sessionID, h.deps, c.enqueue)
	if err := c.client.Start(r.Context()); err != nil {
		h.deps.Logger.Error("failed to start live client", slog.String("error", err.Error()))
		c.client.Close()
		c.writeFatal(err)
		return
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.deps.Metrics.LiveClientConnected()

	go c.writePump()
	c.readPump()
}

// Len は接続中のクライアント数を返す。
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close はすべての接続を閉じる。http.Server.Shutdown はハイジャック済みの接続を閉じないため、
// シャットダウン時に呼び出す。
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		h.deps.Metrics.LiveClientDisconnected()
	}
}

// conn は1つのWebSocket接続。書き込みはwritePumpのみが行う。
type conn struct {
	ws     *websocket.Conn
	hub    *Hub
	client *Client
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// enqueue はフレームを送信キューに積む。キューが溢れた接続は閉じる。
func (c *conn) enqueue(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("failed to encode frame",
			slog.String("type", f.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("live client send buffer full, disconnecting")
		// 呼び出し元がクライアントのロックを保持している可能性があるため非同期で閉じる
		go c.close()
	}
}

func (c *conn) readPump() {
	defer c.close()

	cfg := c.hub.config
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("live client read failed", slog.String("error", err.Error()))
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.client.emitError("", model.NewInvalidRequestError())
			continue
		}
		c.client.Handle(cmd)
	}
}

func (c *conn) writePump() {
	cfg := c.hub.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// close は接続を閉じる。冪等。
func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.client.Close()
		c.hub.remove(c)
		c.ws.Close()
	})
}

// writeFatal は開始に失敗した接続にerrorフレームを送ってから閉じる。
func (c *conn) writeFatal(err error) {
	defer c.ws.Close()
	_, apiErr := middleware.ErrorFor(err, middleware.OpRead, "")
	c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteWait))
	c.ws.WriteJSON(Frame{Type: FrameError, Data: ErrorFrame{ErrorResponseBody: middleware.NewErrorResponseBody(apiErr)}})
}
