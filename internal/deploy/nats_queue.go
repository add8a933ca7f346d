package deploy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	xerrors "agentic-trust/internal/errors"
	"agentic-trust/pkg/logger"
)

// NATSConfig 描述 NATS 队列的连接参数。
type NATSConfig struct {
	URL        string
	Subject    string
	QueueGroup string
	Buffer     int
}

// NATSQueue 通过 NATS 队列组分发部署任务，每条消息只会投递给组内一个订阅者。
type NATSQueue struct {
	conn    *nats.Conn
	subject string
	group   string
	buffer  int
}

var _ Queue = (*NATSQueue)(nil)

// NewNATSQueue 连接 NATS 并返回队列实例。连接断开后会无限次自动重连。
func NewNATSQueue(cfg NATSConfig) (*NATSQueue, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "NATS URL 不能为空")
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "agentic-trust.deployments"
	}
	group := cfg.QueueGroup
	if group == "" {
		group = "agentic-trust-deployers"
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 64
	}

	log := logger.Named("deploy.nats")
	conn, err := nats.Connect(cfg.URL,
		nats.Name("agentic-trust-deploy"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS 连接断开", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS 已重新连接", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("NATS 连接已关闭")
		}),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 NATS 失败")
	}
	return &NATSQueue{conn: conn, subject: subject, group: group, buffer: buffer}, nil
}

// Publish 将任务 ID 发布到部署主题。
func (q *NATSQueue) Publish(ctx context.Context, jobID string) error {
	if q == nil || q.conn == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "NATS 队列未初始化")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.conn.Publish(q.subject, []byte(jobID)); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "NATS 发布部署任务失败")
	}
	return nil
}

// Consume 以队列组方式订阅部署主题，并把消息分发给 workerCount 个协程。
func (q *NATSQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.conn == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "NATS 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs := make(chan *nats.Msg, q.buffer)
	sub, err := q.conn.ChanQueueSubscribe(q.subject, q.group, msgs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 NATS 主题失败")
	}
	defer func() { _ = sub.Unsubscribe() }()

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-msgs:
					jobID := string(msg.Data)
					if err := handler(ctx, jobID); err != nil {
						logger.L().Warn("部署任务处理失败", slog.String("job_id", jobID), slog.Any("error", err))
					}
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 排空并关闭 NATS 连接。
func (q *NATSQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	if err := q.conn.Drain(); err != nil {
		q.conn.Close()
	}
	return nil
}
