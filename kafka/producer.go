package kafka

import (
	"encoding/json"
	"log"

	"github.com/IBM/sarama"
)

type Producer struct {
	producer sarama.SyncProducer
}

func NewProducer(brokers []string, config *sarama.Config) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return &Producer{producer: producer}, nil
}

// SendMessage key 用会话 ID，保证同一会话的事件有序落在同一分区
func (p *Producer) SendMessage(topic string, key string, value interface{}) error {
	jsonValue, err := json.Marshal(value)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(jsonValue),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		log.Printf("Failed to send message: %v", err)
		return err
	}

	log.Printf("Session event sent to partition %d at offset %d", partition, offset)
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}

// SessionEventInterceptor 给出站事件打上来源 header
type SessionEventInterceptor struct{}

func NewSessionEventInterceptor() *SessionEventInterceptor {
	return &SessionEventInterceptor{}
}

func (i *SessionEventInterceptor) OnSend(msg *sarama.ProducerMessage) {
	msg.Headers = append(msg.Headers, sarama.RecordHeader{
		Key:   []byte("origin"),
		Value: []byte("live-support"),
	})
}
