// Command ingest 作为 MTA 的投递程序运行：从标准输入读取一封原始邮件，
// 写入存储并发布通知，通过退出码告知 MTA 投递结果。
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"minusmail/backend/internal/config"
	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/ingest"
	"minusmail/backend/internal/logger"
	amqpnotifier "minusmail/backend/internal/notifier/amqp"
	redisnotifier "minusmail/backend/internal/notifier/redis"
	"minusmail/backend/internal/storage"
	"minusmail/backend/internal/storage/memory"
	redisstore "minusmail/backend/internal/storage/redis"
)

const deliveryTimeout = 30 * time.Second

// errTooLarge 原始邮件超过读取上限
var errTooLarge = fmt.Errorf("%w: message too large", domain.ErrValidation)

func main() {
	os.Exit(run(os.Stdin))
}

func run(stdin io.Reader) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return ingest.ExitFailure
	}

	// 标准输出可能被 MTA 捕获，日志只写标准错误
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		Console:     os.Stderr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return ingest.ExitFailure
	}
	defer log.Sync() //nolint:errcheck

	raw, err := readMessage(stdin, rawLimit(cfg.Mailbox.MaxBodyBytes))
	if err != nil {
		log.Error("failed to read message from stdin", zap.Error(err))
		return ingest.ExitCode(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	processor, closeAll, err := newProcessor(cfg, log)
	if err != nil {
		log.Error("failed to initialize backends", zap.Error(err))
		return ingest.ExitUnavailable
	}
	defer closeAll()

	result, err := processor.Process(ctx, raw)
	if err != nil {
		log.Error("delivery failed", zap.Error(err), zap.Int("exit_code", ingest.ExitCode(err)))
		return ingest.ExitCode(err)
	}

	log.Info("delivered",
		zap.String("mailbox", result.Mailbox),
		zap.String("id", result.ID),
		zap.Bool("published", result.Published),
	)
	return ingest.ExitOK
}

// rawLimit 原始邮件读取上限：正文上限的两倍留给头部与传输编码
func rawLimit(maxBodyBytes int) int64 {
	if maxBodyBytes <= 0 {
		return 64 << 20
	}
	return int64(maxBodyBytes)*2 + 1<<20
}

func readMessage(r io.Reader, limit int64) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		return nil, errTooLarge
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", ingest.ErrMalformed)
	}
	return raw, nil
}

// newProcessor 按配置建立存储与发布通道，返回的函数负责关闭它们
func newProcessor(cfg *config.Config, log *zap.Logger) (*ingest.Processor, func(), error) {
	var (
		store     storage.MailboxStore
		publisher ingest.Publisher
		closers   []func() error
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn("close warning", zap.Error(err))
			}
		}
	}

	var client *redisstore.Client
	if cfg.Storage.Type == "redis" || cfg.Notifier.Backend == "redis" {
		c, err := redisstore.New(&cfg.Redis, log.Named("redis"))
		if err != nil {
			return nil, nil, err
		}
		client = c
		closers = append(closers, client.Close)
	}

	if cfg.Storage.Type == "redis" {
		store = redisstore.NewStore(client, redisstore.Options{
			TTL:       cfg.Mailbox.TTL,
			OpTimeout: cfg.Redis.OpTimeout,
		})
	} else {
		log.Warn("memory storage is process local, delivered message will not be visible to the server")
		store = memory.NewStore(cfg.Mailbox.TTL, memory.WithCleanupInterval(0))
	}
	closers = append(closers, store.Close)

	switch cfg.Notifier.Backend {
	case "redis":
		n := redisnotifier.New(client.Client(), cfg.Notifier.Channel, cfg.Redis.OpTimeout, log.Named("notifier"))
		publisher = n
		closers = append(closers, n.Close)
	case "amqp":
		n, err := amqpnotifier.New(cfg.Notifier.AMQPURL, cfg.Notifier.Exchange, cfg.Redis.OpTimeout, log.Named("notifier"))
		if err != nil {
			// 发布是尽力而为，通道不可用时仍写入存储
			log.Warn("amqp notifier unavailable, storing without announcement", zap.Error(err))
		} else {
			publisher = n
			closers = append(closers, n.Close)
		}
	default:
		log.Warn("in-process notifier cannot reach the server, storing without announcement")
	}

	processor := ingest.NewProcessor(store, publisher, ingest.Options{
		MaxBodyBytes: cfg.Mailbox.MaxBodyBytes,
		Logger:       log.Named("ingest"),
	})
	return processor, closeAll, nil
}
