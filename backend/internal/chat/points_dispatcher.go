package chat

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

const EventPointsAwarded = "POINTS_AWARDED"

type PointsEvent struct {
	EventType string    `json:"eventType"` // 固定 "POINTS_AWARDED"
	UserID    uint64    `json:"userId"`
	RoomID    uint64    `json:"roomId"`
	Reason    string    `json:"reason"` // 例如 send_message
	Points    int       `json:"points"`
	At        time.Time `json:"at"`
}

// PointsDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - Award 不阻塞消息主链路，队列满直接丢弃
// - Kafka 短暂不可用时靠队列吸收，后台慢慢补发
type PointsDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	// mu 保护 queue 的发送与关闭：Award 持读锁，Close 持写锁
	mu     sync.RWMutex
	closed bool
	queue  chan PointsEvent

	// inflight 限制并发的 SendMessage 数量
	inflight *Inflight

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	onDrop    func()
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type PointsDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// OnDrop 事件被丢弃时回调（metrics）
	OnDrop func()
}

func NewPointsDispatcher(producer sarama.SyncProducer, topic string, inflight *Inflight, opt PointsDispatcherOptions) *PointsDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &PointsDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan PointsEvent, opt.QueueSize),
		inflight:    inflight,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		onDrop:      opt.OnDrop,
	}

	d.start()
	return d
}

var _ PointsAwarder = (*PointsDispatcher)(nil)

// Award 入队即返回；队列满时丢弃（积分不要求强一致）
func (d *PointsDispatcher) Award(ctx context.Context, userID, roomID uint64, reason string, points int) {
	evt := PointsEvent{
		EventType: EventPointsAwarded,
		UserID:    userID,
		RoomID:    roomID,
		Reason:    reason,
		Points:    points,
		At:        time.Now().UTC(),
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(evt, "dispatcher closed")
		return
	}
	select {
	case d.queue <- evt:
	default:
		d.drop(evt, "queue full")
	}
}

func (d *PointsDispatcher) drop(evt PointsEvent, why string) {
	log.Printf("points: drop event user=%d room=%d reason=%s: %s", evt.UserID, evt.RoomID, evt.Reason, why)
	if d.onDrop != nil {
		d.onDrop()
	}
}

func (d *PointsDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收新事件，等待队列里剩余事件发完
func (d *PointsDispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		d.wg.Wait()
	})
}

func (d *PointsDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *PointsDispatcher) sendWithRetry(workerID int, evt PointsEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		var err error
		if d.inflight != nil {
			// worker 允许一直等待（不会影响主链路）
			err = d.inflight.Do(context.Background(), func() error { return d.sendOnce(evt) })
		} else {
			err = d.sendOnce(evt)
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, worker=%d err=%v", workerID, err)
			d.drop(evt, "retries exhausted")
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *PointsDispatcher) sendOnce(evt PointsEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// 同一用户的积分事件进同一分区
		Key:   sarama.StringEncoder(strconv.FormatUint(evt.UserID, 10)),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
