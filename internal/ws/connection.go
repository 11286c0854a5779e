package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/hausofbasquiat/chat-service/internal/auth"
)

// Connection represents a single authenticated WebSocket connection. The
// Identity is resolved during the upgrade handshake and never mutated; all
// handlers receive it through the connection by value.
type Connection struct {
	ID         string        // connection ID (UUID)
	Identity   auth.Identity // immutable auth context from the upgrade
	Conn       net.Conn      // underlying TCP connection
	Fd         int           // file descriptor for epoll lookups
	CreatedAt  time.Time     // when the connection was established
	LastPing   time.Time     // last activity observed from the client
	writeMu    sync.Mutex    // serializes writes to this connection
	processing int32         // atomic flag: 0 = idle, 1 = being read
}

// ConnID returns the connection's unique id.
func (c *Connection) ConnID() string { return c.ID }

// UserID returns the authenticated user id bound at upgrade time.
func (c *Connection) UserID() string { return c.Identity.UserID }

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry mapping connection IDs, file
// descriptors and user IDs to their Connection objects. The per-user index
// implements the user's private channel: a user with several devices has
// several entries under one user id.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byFd   map[int]*Connection
	byUser map[string]map[string]*Connection // userID -> connID -> conn
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in all lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	userConns, ok := cm.byUser[conn.UserID()]
	if !ok {
		userConns = make(map[string]*Connection)
		cm.byUser[conn.UserID()] = userConns
	}
	userConns[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from all lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		if userConns, exists := cm.byUser[conn.UserID()]; exists {
			delete(userConns, id)
			if len(userConns) == 0 {
				delete(cm.byUser, conn.UserID())
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// ForUser returns a snapshot of all connections belonging to a user.
func (cm *ConnectionManager) ForUser(userID string) []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byUser[userID]))
	for _, conn := range cm.byUser[userID] {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// UserConnCount returns how many live connections a user currently has.
func (cm *ConnectionManager) UserConnCount(userID string) int {
	cm.mu.RLock()
	n := len(cm.byUser[userID])
	cm.mu.RUnlock()
	return n
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast sends a message to all connected clients. Errors on individual
// connections are silently ignored; failed connections are cleaned up by the
// event loop when the next read fails.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	for _, conn := range cm.All() {
		_ = conn.WriteMessage(msg)
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
