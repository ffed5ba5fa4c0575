// Package outbox 实现发件箱模式：业务事务中落库的事件由中继轮询发布到消息代理。
package outbox

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"valigence/internal/config"
	"valigence/internal/storage"
	"valigence/internal/storage/models"
)

const (
	defaultPollingInterval = 5 * time.Second // 默认轮询outbox表的间隔
	defaultBatchSize       = 10              // 每次轮询处理的消息批量大小
	defaultMaxRetryCount   = 5               // 消息发布失败的最大重试次数
)

// MessageRelay 轮询 outbox 表并将待发送消息发布到消息代理。
// 多实例部署时依赖行级锁分片，互不重复处理。
type MessageRelay struct {
	db              *gorm.DB
	publisher       *storage.RabbitMQ
	logger          *log.Logger
	pollingInterval time.Duration
	batchSize       int
	maxRetryCount   int
	done            chan struct{}
	tracer          trace.Tracer
}

// NewMessageRelay 创建一个新的 MessageRelay 实例。
// cfg 为nil或字段缺省时使用内置默认值。
func NewMessageRelay(db *gorm.DB, publisher *storage.RabbitMQ, logger *log.Logger, cfg *config.OutboxConfig) *MessageRelay {
	pollingInterval := defaultPollingInterval
	batchSize := defaultBatchSize
	maxRetryCount := defaultMaxRetryCount

	if cfg != nil {
		if cfg.PollInterval != "" {
			if d, err := time.ParseDuration(cfg.PollInterval); err == nil && d > 0 {
				pollingInterval = d
			} else {
				logger.Printf("无效的轮询间隔配置 %q，使用默认值 %s", cfg.PollInterval, defaultPollingInterval)
			}
		}
		if cfg.BatchSize > 0 {
			batchSize = cfg.BatchSize
		}
		if cfg.MaxRetries > 0 {
			maxRetryCount = cfg.MaxRetries
		}
	}

	return &MessageRelay{
		db:              db,
		publisher:       publisher,
		logger:          logger,
		pollingInterval: pollingInterval,
		batchSize:       batchSize,
		maxRetryCount:   maxRetryCount,
		done:            make(chan struct{}),
		tracer:          otel.Tracer("valigence/outbox"),
	}
}

// Start 开始消息中继的轮询过程。
func (r *MessageRelay) Start() {
	r.logger.Println("MessageRelay starting...")
	ticker := time.NewTicker(r.pollingInterval)

	go func() {
		for {
			select {
			case <-r.done:
				ticker.Stop()
				r.logger.Println("MessageRelay stopped.")
				return
			case <-ticker.C:
				if err := r.processPendingMessages(context.Background()); err != nil {
					r.logger.Printf("Error processing pending messages: %v", err)
				}
			}
		}
	}()
}

// Stop 优雅地停止消息中继服务。
func (r *MessageRelay) Stop() {
	r.logger.Println("MessageRelay stopping...")
	close(r.done)
}

// processPendingMessages 获取并处理一批待发送的发件箱消息。
func (r *MessageRelay) processPendingMessages(ctx context.Context) error {
	var messages []models.OutboxMessage

	// 获取和更新在同一事务内完成。
	// 查询本身不开Span，避免空轮询刷出大量无意义追踪。
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	defer tx.Rollback() // 事务已提交时回滚是无操作的

	// FOR UPDATE SKIP LOCKED: 跳过被其他实例锁定的行，水平扩展的关键
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", models.OutboxStatusPending).
		Order("created_at asc"). // 先进先出
		Limit(r.batchSize).
		Find(&messages).Error

	if err != nil {
		r.logger.Printf("Failed to fetch pending outbox messages: %v", err)
		return err
	}

	if len(messages) == 0 {
		return tx.Commit().Error
	}

	// 仅在有消息时创建追踪Span
	ctx, span := r.tracer.Start(ctx, "outbox.ProcessBatch",
		trace.WithAttributes(
			attribute.Int("messaging.batch.message_count", len(messages)),
		),
	)
	defer span.End()

	r.logger.Printf("Fetched %d pending messages to process.", len(messages))

	for _, msg := range messages {
		err := r.publisher.PublishMessage(
			ctx,
			msg.TargetExchange,
			msg.TargetRoutingKey,
			[]byte(msg.Payload),
			true, // 持久化消息
		)

		if err != nil {
			r.logger.Printf("Failed to publish message ID %d (AggregateID: %s): %v. Retries: %d", msg.ID, msg.AggregateID, err, msg.RetryCount+1)
			msg.RetryCount++
			msg.ErrorMessage = err.Error()
			if msg.RetryCount >= r.maxRetryCount {
				msg.Status = models.OutboxStatusFailed
			}
		} else {
			msg.Status = models.OutboxStatusSent
			now := time.Now()
			msg.ProcessedAt = &now
			msg.ErrorMessage = ""
		}

		// 更新失败则整个事务回滚，这批消息下次轮询重新拾取
		if err := tx.Save(&msg).Error; err != nil {
			r.logger.Printf("Failed to update outbox message ID %d: %v", msg.ID, err)
			return err
		}
	}

	return tx.Commit().Error
}
