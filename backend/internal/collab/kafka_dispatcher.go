package collab

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞主提交流程（Submit 只负责入队）
// - Kafka 短暂抖动时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃并计数），避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue     chan NotebookOpEvent
	dropped   atomic.Uint64
	closeOnce sync.Once
	wg        sync.WaitGroup

	// sem 限制同时在途的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	log *logrus.Entry
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 2 * time.Second
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan NotebookOpEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		log:         logrus.WithField("component", "kafka_dispatcher"),
	}

	d.start()
	return d
}

// TryEnqueue 非阻塞入队，队列满时返回 false，由调用方决定怎么记账。
// 事件流不要求强一致，丢一条不致命。
func (d *KafkaDispatcher) TryEnqueue(evt NotebookOpEvent) bool {
	select {
	case d.queue <- evt:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Enqueue 阻塞入队，队列满时等到 ctx 超时为止。给不在实时链路上的
// 调用方用。
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt NotebookOpEvent) error {
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped 返回因队列满被丢弃的事件数
func (d *KafkaDispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close 关掉队列并等 worker 把剩下的事件发完。
// 关了之后再 TryEnqueue 会 panic，停服顺序上要先停入口。
func (d *KafkaDispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}

func (d *KafkaDispatcher) start() {
	d.wg.Add(d.workers)
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt NotebookOpEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 不在主链路上，允许一直等
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			d.log.WithError(err).WithFields(logrus.Fields{
				"notebook_id": evt.NotebookID,
				"operation":   evt.OperationID,
				"version":     evt.Version,
				"worker":      workerID,
			}).Error("kafka send failed, drop event")
			return
		}

		// 退避，每次翻倍，封顶 maxBackoff
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt NotebookOpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.NotebookID), // 以 notebookId 做 key，同文档落同分区
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
