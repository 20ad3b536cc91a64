// Package kafka 提供了通过 Kafka 分发入库任务的生产者与消费者。
package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"team-copilot-go/internal/config"
	"team-copilot-go/pkg/log"
	"team-copilot-go/pkg/tasks"
)

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestTask) error
}

// Producer 把入库任务写入 Kafka，实现 pipeline.Dispatcher。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers(cfg)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// Dispatch 发送一个入库任务到 Kafka，以文档 ID 作为消息 key。
func (p *Producer) Dispatch(ctx context.Context, task tasks.IngestTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.DocumentID),
		Value: taskBytes,
	})
}

// Close 关闭底层 writer。
func (p *Producer) Close() error {
	return p.writer.Close()
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// 读取失败后的重试间隔，逐次翻倍直到上限。
const (
	minFetchBackoff = 500 * time.Millisecond
	maxFetchBackoff = 30 * time.Second
)

// messageReader 是 *kafka.Reader 中消费循环用到的部分。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// StartConsumer 启动一个 Kafka 消费者来处理入库任务，直到 ctx 被取消。
// 入库失败已经反映在文档状态上，不做重试，消息总是被提交。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)
	consume(ctx, r, processor, minFetchBackoff, maxFetchBackoff)
}

// consume 循环读取并处理消息。读取出错时退避后继续，只有 ctx 结束才返回。
func consume(ctx context.Context, r messageReader, processor TaskProcessor, minBackoff, maxBackoff time.Duration) {
	backoff := minBackoff
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Warnf("从 Kafka 读取消息失败, %s 后重试: %v", backoff, err)
			select {
			case <-ctx.Done():
				log.Info("Kafka 消费者已停止")
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		log.Infof("收到 Kafka 消息: offset %d", m.Offset)
		handleMessage(ctx, processor, m.Value)

		if err := r.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}

// handleMessage 解析并处理一条消息。格式错误的消息直接跳过，避免阻塞队列。
func handleMessage(ctx context.Context, processor TaskProcessor, value []byte) {
	var task tasks.IngestTask
	if err := json.Unmarshal(value, &task); err != nil || task.DocumentID == "" {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		return
	}

	log.Infof("开始处理入库任务: DocumentID=%s", task.DocumentID)
	if err := processor.Process(ctx, task); err != nil {
		log.Errorf("处理入库任务失败: DocumentID=%s, Error: %v", task.DocumentID, err)
		return
	}
	log.Infof("入库任务处理成功: DocumentID=%s", task.DocumentID)
}
