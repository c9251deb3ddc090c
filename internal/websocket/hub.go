package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub delivers coach session events (assistant turns, notices, speak
// requests) to connected clients, one pub/sub subscription per identity.
type Hub struct {
	mu          sync.RWMutex
	connections map[uuid.UUID][]*websocket.Conn
	redisClient *redis.Client
	jwtSecret   []byte
	cancelFuncs map[uuid.UUID]context.CancelFunc
}

func NewHub(redisClient *redis.Client, jwtSecret string) *Hub {
	return &Hub{
		connections: make(map[uuid.UUID][]*websocket.Conn),
		redisClient: redisClient,
		jwtSecret:   []byte(jwtSecret),
		cancelFuncs: make(map[uuid.UUID]context.CancelFunc),
	}
}

// HandleWebSocket accepts either an authenticated `token` query param or an
// anonymous `anon` id, mirroring how coach HTTP routes resolve identity.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.resolveIdentity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.registerConnection(identity, conn)

	// Keep connection alive and handle disconnect
	go func() {
		defer h.unregisterConnection(identity, conn)
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

func (h *Hub) resolveIdentity(r *http.Request) (uuid.UUID, bool) {
	if tokenStr := r.URL.Query().Get("token"); tokenStr != "" {
		token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return h.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			return uuid.Nil, false
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return uuid.Nil, false
		}
		userIDStr, _ := claims["user_id"].(string)
		userID, err := uuid.Parse(userIDStr)
		if err != nil {
			return uuid.Nil, false
		}
		return userID, true
	}

	if anonStr := r.URL.Query().Get("anon"); anonStr != "" {
		anon, err := uuid.Parse(anonStr)
		if err != nil {
			return uuid.Nil, false
		}
		return anon, true
	}

	return uuid.Nil, false
}

func (h *Hub) registerConnection(identity uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[identity] = append(h.connections[identity], conn)

	// Start pub/sub subscription if this is the first connection for this identity
	if len(h.connections[identity]) == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelFuncs[identity] = cancel
		go h.subscribeToPubSub(ctx, identity)
	}

	log.Printf("WebSocket connected: identity %s (total: %d)", identity, len(h.connections[identity]))
}

func (h *Hub) unregisterConnection(identity uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn.Close()

	conns := h.connections[identity]
	for i, c := range conns {
		if c == conn {
			h.connections[identity] = append(conns[:i], conns[i+1:]...)
			break
		}
	}

	// If no more connections, cancel pub/sub
	if len(h.connections[identity]) == 0 {
		delete(h.connections, identity)
		if cancel, ok := h.cancelFuncs[identity]; ok {
			cancel()
			delete(h.cancelFuncs, identity)
		}
	}

	log.Printf("WebSocket disconnected: identity %s", identity)
}

func (h *Hub) subscribeToPubSub(ctx context.Context, identity uuid.UUID) {
	channel := "coach_updates:" + identity.String()
	pubsub := h.redisClient.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(identity, []byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(identity uuid.UUID, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.connections[identity] {
		conn.WriteMessage(websocket.TextMessage, data)
	}
}

// SendToIdentity sends a message directly to an identity (for use outside pub/sub)
func (h *Hub) SendToIdentity(identity uuid.UUID, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.broadcast(identity, data)
}
