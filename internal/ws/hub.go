package ws

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DefaultCapacity 每个订阅者最多积压的消息数
const DefaultCapacity = 64

// Subscription 一个订阅者的接收端，只能看到订阅之后发布的消息
type Subscription struct {
	ch     chan string
	missed atomic.Uint64
}

// C 返回消息通道，取消订阅后通道会被关闭
func (s *Subscription) C() <-chan string {
	return s.ch
}

// Missed 返回因积压过多被丢弃的消息数，并清零
func (s *Subscription) Missed() uint64 {
	return s.missed.Swap(0)
}

// Hub 一对多广播。发布方永远不会被慢订阅者阻塞：
// 缓冲区满时丢弃该订阅者最旧的一条消息。
type Hub struct {
	clients  map[*Subscription]struct{}
	lock     sync.RWMutex
	capacity int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		clients:  make(map[*Subscription]struct{}),
		capacity: capacity,
	}
}

func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan string, h.capacity)}

	h.lock.Lock()
	h.clients[sub] = struct{}{}
	clientCount := len(h.clients)
	h.lock.Unlock()

	logrus.WithFields(logrus.Fields{
		"module":      "Hub",
		"clientCount": clientCount,
	}).Debug("新增订阅")
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if _, exists := h.clients[sub]; !exists {
		return
	}
	delete(h.clients, sub)
	close(sub.ch)

	logrus.WithFields(logrus.Fields{
		"module":         "Hub",
		"remainingCount": len(h.clients),
	}).Debug("取消订阅")
}

func (h *Hub) Count() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients)
}

// Publish 把消息投递给当前所有订阅者。没有订阅者时直接返回。
func (h *Hub) Publish(msg string) {
	// 写锁让并发发布者串行化，保证每个订阅者看到的顺序与发布顺序一致
	h.lock.Lock()
	defer h.lock.Unlock()

	for sub := range h.clients {
		select {
		case sub.ch <- msg:
			continue
		default:
		}

		// 缓冲区满，丢掉最旧的一条再放入
		select {
		case <-sub.ch:
			sub.missed.Add(1)
		default:
		}
		select {
		case sub.ch <- msg:
		default:
			sub.missed.Add(1)
		}
	}
}
