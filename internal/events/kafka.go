package events

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	HeaderTaskID   = "task_id"
	HeaderTaskType = "task_type"
	HeaderPhase    = "phase"
)

// Producer defines the interface for producing messages to Kafka
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

type KafkaPublisher struct {
	client Producer
}

func NewKafkaPublisher(client Producer) *KafkaPublisher {
	return &KafkaPublisher{client: client}
}

// DeliveryTimeout is how long the client keeps retrying one record before failing it
const DeliveryTimeout = 30 * time.Second

// NewKafkaClient creates a producer-only client writing to topic
func NewKafkaClient(brokers []string, topic string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.DefaultProduceTopic(topic),
		kgo.RecordDeliveryTimeout(DeliveryTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create events client: %w", err)
	}
	return client, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	record, err := eventToRec(event)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, &record).FirstErr(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func eventToRec(event Event) (rec kgo.Record, err error) {
	value, err := json.Marshal(event)
	if err != nil {
		return rec, fmt.Errorf("encode event: %w", err)
	}

	id := binary.BigEndian.AppendUint64(nil, uint64(event.TaskID))
	rec.Key = []byte(strconv.FormatInt(event.TaskID, 10))
	rec.Value = value
	rec.Headers = []kgo.RecordHeader{
		{Key: HeaderTaskID, Value: id},
		{Key: HeaderTaskType, Value: []byte(strconv.Itoa(event.TaskType))},
		{Key: HeaderPhase, Value: []byte(event.Phase)},
	}
	return rec, nil
}

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = Nop{}
)
