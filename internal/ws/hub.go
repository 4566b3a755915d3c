package ws

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/PETYTH/EXPLOROUEN-sub000/internal/metrics"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/service"

	"github.com/rs/zerolog/log"
)

// Membership 由成员解析服务实现，订阅时实时校验，不得缓存。
type Membership interface {
	IsMember(roomID string, userID uint) (bool, error)
}

const shardCount = 16

// Hub 维护 roomID -> 订阅会话 的路由表，是唯一被并发修改的共享结构。
// 按房间 ID 分片，避免单把全局锁成为瓶颈。
type Hub struct {
	members Membership
	shards  [shardCount]*shard
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]*roomHub
}

func NewHub(members Membership) *Hub {
	h := &Hub{members: members}
	for i := range h.shards {
		h.shards[i] = &shard{rooms: make(map[string]*roomHub)}
	}
	return h
}

func (h *Hub) shardFor(roomID string) *shard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(roomID))
	return h.shards[f.Sum32()%shardCount]
}

// getRoom 若房间路由未初始化则懒加载一个 roomHub。
func (h *Hub) getRoom(roomID string) *roomHub {
	sh := h.shardFor(roomID)
	sh.mu.RLock()
	rh := sh.rooms[roomID]
	sh.mu.RUnlock()
	if rh != nil {
		return rh
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rh = sh.rooms[roomID]
	if rh != nil {
		return rh
	}
	rh = newRoomHub(roomID)
	sh.rooms[roomID] = rh
	go rh.run()
	return rh
}

func (h *Hub) peekRoom(roomID string) *roomHub {
	sh := h.shardFor(roomID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.rooms[roomID]
}

// Subscribe 将会话加入房间路由。每次调用都重新校验成员资格，
// 被移出活动的用户在下一次订阅时即被拒绝。幂等。
func (h *Hub) Subscribe(s *Session, roomID string) error {
	ok, err := h.members.IsMember(roomID, s.userID)
	if err != nil {
		return err
	}
	if !ok {
		return service.ErrNotMember
	}
	// 先记到会话的房间集，再交给 roomHub：若注册后立刻因缓冲满被丢弃，
	// removeRoom 不会被随后的 addRoom 覆盖。
	s.addRoom(roomID)
	h.getRoom(roomID).register <- s
	return nil
}

// Unsubscribe 幂等地将会话移出房间路由。
func (h *Hub) Unsubscribe(s *Session, roomID string) {
	if rh := h.peekRoom(roomID); rh != nil {
		rh.unregister <- s
	}
	s.removeRoom(roomID)
}

// Publish 向房间的全部订阅会话推送一条已落库的消息。
// 尽力而为：发不进去的会话被丢掉订阅，绝不阻塞发布方。
func (h *Hub) Publish(msg *service.MessageDTO) {
	rh := h.peekRoom(msg.RoomID)
	if rh == nil {
		return
	}
	b, err := json.Marshal(map[string]interface{}{"type": "message", "message": msg})
	if err != nil {
		return
	}
	rh.broadcast <- b
}

// Typing 广播一条不持久化的输入状态信号，允许静默丢失。
func (h *Hub) Typing(roomID string, userID uint, uname string, active bool) {
	rh := h.peekRoom(roomID)
	if rh == nil {
		return
	}
	evt := map[string]interface{}{"type": "typing", "room_id": roomID, "user_id": userID, "username": uname, "is_typing": active}
	if b, err := json.Marshal(evt); err == nil {
		rh.broadcast <- b
	}
}

// Disconnect 清除该会话的全部订阅。
func (h *Hub) Disconnect(s *Session) {
	for _, roomID := range s.roomIDs() {
		h.Unsubscribe(s, roomID)
	}
}

// Online 返回房间当前订阅会话数，供 REST 接口复用。
func (h *Hub) Online(roomID string) int {
	rh := h.peekRoom(roomID)
	if rh == nil {
		return 0
	}
	return rh.Online()
}

// roomHub 是单个房间的路由表，由独立 goroutine 串行维护。
type roomHub struct {
	roomID     string
	sessions   map[*Session]bool
	register   chan *Session
	unregister chan *Session
	broadcast  chan []byte
	online     int32
}

func newRoomHub(roomID string) *roomHub {
	return &roomHub{
		roomID:     roomID,
		sessions:   make(map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan []byte, 256),
	}
}

func (rh *roomHub) run() {
	for {
		select {
		case s := <-rh.register:
			if rh.sessions[s] {
				continue
			}
			rh.sessions[s] = true
			atomic.StoreInt32(&rh.online, int32(len(rh.sessions)))
			rh.presence("join", s)
		case s := <-rh.unregister:
			if _, ok := rh.sessions[s]; ok {
				delete(rh.sessions, s)
				atomic.StoreInt32(&rh.online, int32(len(rh.sessions)))
				rh.presence("leave", s)
			}
		case msg := <-rh.broadcast:
			rh.push(msg)
		}
	}
}

// push 逐会话入队；缓冲已满的会话被移出路由，靠下次重连 resync 补齐。
func (rh *roomHub) push(msg []byte) {
	for s := range rh.sessions {
		if s.enqueue(msg) {
			metrics.FanoutPushesTotal.Inc()
			continue
		}
		delete(rh.sessions, s)
		s.removeRoom(rh.roomID)
		atomic.StoreInt32(&rh.online, int32(len(rh.sessions)))
		metrics.FanoutDroppedTotal.Inc()
		log.Warn().Str("room_id", rh.roomID).Str("session_id", s.id).Uint("user_id", s.userID).Msg("fanout drop slow session")
	}
}

func (rh *roomHub) presence(event string, s *Session) {
	evt := map[string]interface{}{
		"type": "presence", "event": event, "room_id": rh.roomID,
		"user_id": s.userID, "username": s.uname, "online": int(atomic.LoadInt32(&rh.online)),
	}
	if b, err := json.Marshal(evt); err == nil {
		rh.push(b)
	}
}

func (rh *roomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
