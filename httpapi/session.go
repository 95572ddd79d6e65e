package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"VinoDetServer/monitor"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// instance is one websocket session bound to a model.
type instance struct {
	id    string
	model string

	mu          sync.Mutex
	lastActive  time.Time
	conn        *websocket.Conn
	closeOnce   sync.Once
	cancelTimer chan struct{}
	cancelOnce  sync.Once
}

func (inst *instance) touch() {
	inst.mu.Lock()
	inst.lastActive = time.Now()
	inst.mu.Unlock()
}

func (inst *instance) idleFor() time.Duration {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return time.Since(inst.lastActive)
}

type sessions struct {
	mu          sync.RWMutex
	byID        map[string]*instance
	idleTimeout time.Duration
}

func newSessions(idle time.Duration) *sessions {
	return &sessions{byID: make(map[string]*instance), idleTimeout: idle}
}

func (s *sessions) alloc(model string) *instance {
	inst := &instance{
		id:          uuid.New().String(),
		model:       model,
		lastActive:  time.Now(),
		cancelTimer: make(chan struct{}),
	}
	s.mu.Lock()
	s.byID[inst.id] = inst
	s.mu.Unlock()
	s.startIdleMonitor(inst)
	return inst
}

func (s *sessions) get(id string) (*instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.byID[id]
	return inst, ok
}

func (s *sessions) release(id, reason string) bool {
	s.mu.Lock()
	inst, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	inst.closeOnce.Do(func() {
		inst.mu.Lock()
		conn := inst.conn
		inst.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
	})
	inst.cancelOnce.Do(func() {
		close(inst.cancelTimer)
	})
	return true
}

func (s *sessions) startIdleMonitor(inst *instance) {
	tick := s.idleTimeout / 20
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-inst.cancelTimer:
				return
			case <-ticker.C:
				if inst.idleFor() > s.idleTimeout {
					s.release(inst.id, fmt.Sprintf("%d ms not active, released", s.idleTimeout.Milliseconds()))
					return
				}
			}
		}
	}()
}

func (rt *Router) allocSession(c *gin.Context) {
	name := c.Param("name")
	if _, ok := rt.Registry.Get(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Model not found"})
		return
	}
	inst := rt.sessions.alloc(name)
	c.JSON(http.StatusOK, gin.H{
		"sessionID": inst.id,
		"model":     name,
		"wsURL":     fmt.Sprintf("ws://%s/ws/%s", c.Request.Host, inst.id),
		"timeoutMs": rt.IdleTimeout.Milliseconds(),
	})
}

func (rt *Router) releaseSession(c *gin.Context) {
	if !rt.sessions.release(c.Param("sessionID"), "released by client") {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": "Session released"})
}

type wsError struct {
	Error string `json:"error"`
}

// stream reads images from the socket and answers each with a JSON result.
// Binary frames carry encoded image bytes, text frames base64 or a data URL.
func (rt *Router) stream(c *gin.Context) {
	sessionID := c.Param("sessionID")
	// 在升级前检查会话是否存在
	inst, ok := rt.sessions.get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 升级失败，不要再写 JSON
		return
	}
	inst.mu.Lock()
	inst.conn = conn
	inst.mu.Unlock()
	conn.SetReadLimit(rt.MaxImageBytes)
	log := rt.Log.With(zap.String("session", sessionID), zap.String("model", inst.model))

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			// 客户端断开或读取错误，释放实例
			rt.sessions.release(sessionID, "read error")
			log.Debug("websocket closed", zap.Error(err))
			return
		}
		inst.touch()
		monitor.CountRequest("ws")

		var img []byte
		switch mt {
		case websocket.BinaryMessage:
			img = msg
		case websocket.TextMessage:
			img, err = DecodeBase64(string(msg))
			if err != nil {
				rt.writeJSON(conn, log, wsError{Error: "invalid image: " + err.Error()})
				continue
			}
		default:
			rt.writeJSON(conn, log, wsError{Error: "unsupported message type"})
			continue
		}

		resp, _, err := rt.submit(c.Request.Context(), inst.model, "ws", img)
		inst.touch()
		if err != nil {
			rt.writeJSON(conn, log, wsError{Error: err.Error()})
			continue
		}
		rt.writeJSON(conn, log, resp)
	}
}

func (rt *Router) writeJSON(conn *websocket.Conn, log *zap.Logger, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error("encode websocket reply", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Debug("write websocket reply", zap.Error(err))
	}
}
