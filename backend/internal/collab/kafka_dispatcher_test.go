package collab

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/sirupsen/logrus"
)

func opEvent(notebookID string, version uint64) NotebookOpEvent {
	return NotebookOpEvent{
		EventType:   "OP_APPLIED",
		NotebookID:  notebookID,
		OperationID: fmt.Sprintf("op-%d", version),
		Version:     version,
		AuthorID:    1,
		AppliedAt:   time.Now(),
	}
}

func TestKafkaDispatcher_DeliversWithNotebookKey(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "notebook-ops" {
			return fmt.Errorf("topic = %q, want notebook-ops", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		// 分区 key 必须是 notebookId，同一文档的事件才保序
		if string(key) != "nb-1" {
			return fmt.Errorf("key = %q, want nb-1", key)
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var evt NotebookOpEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return err
		}
		if evt.EventType != "OP_APPLIED" || evt.Version != 3 {
			return fmt.Errorf("event = %+v, want OP_APPLIED v3", evt)
		}
		return nil
	})

	d := NewKafkaDispatcher(mp, "notebook-ops", nil, KafkaDispatcherOptions{QueueSize: 4, Workers: 1})
	if !d.TryEnqueue(opEvent("nb-1", 3)) {
		t.Fatalf("TryEnqueue() = false, want true")
	}

	// Close 会等 worker 把队列发空
	d.Close()
	if err := mp.Close(); err != nil {
		t.Fatalf("producer expectations not met: %v", err)
	}
}

func TestKafkaDispatcher_RetriesAfterSendFailure(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	mp.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(mp, "notebook-ops", nil, KafkaDispatcherOptions{
		QueueSize:   4,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	if !d.TryEnqueue(opEvent("nb-1", 1)) {
		t.Fatalf("TryEnqueue() = false, want true")
	}

	d.Close()
	if err := mp.Close(); err != nil {
		t.Fatalf("producer expectations not met: %v", err)
	}
}

func TestKafkaDispatcher_TryEnqueueDropsWhenFull(t *testing.T) {
	// 不启动 worker，队列只有一格
	d := &KafkaDispatcher{
		queue: make(chan NotebookOpEvent, 1),
		log:   logrus.WithField("component", "kafka_dispatcher"),
	}

	if !d.TryEnqueue(opEvent("nb-1", 1)) {
		t.Fatalf("first TryEnqueue() = false, want true")
	}
	if d.TryEnqueue(opEvent("nb-1", 2)) {
		t.Fatalf("second TryEnqueue() = true, want false")
	}
	if got := d.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}
