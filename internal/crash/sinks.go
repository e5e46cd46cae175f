package crash

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"b3cifuzz/internal/types"
	"b3cifuzz/pkg/database"
	"b3cifuzz/pkg/mq"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const (
	runStatusKey   = "cifuzz:run:%s:status"
	runVerdictsKey = "cifuzz:run:%s:verdicts"
	resultTTL      = 7 * 24 * time.Hour
)

// SinksModule provides every result sink; unconfigured ones come out nil
// and are skipped by the crash manager.
var SinksModule = fx.Provide(
	fx.Annotate(NewSQLSink, fx.As(new(Sink)), fx.ResultTags(`group:"sinks"`)),
	fx.Annotate(NewRedisSink, fx.As(new(Sink)), fx.ResultTags(`group:"sinks"`)),
	fx.Annotate(NewMQSink, fx.As(new(Sink)), fx.ResultTags(`group:"sinks"`)),
)

// SQLSink writes cifuzz_bugs and cifuzz_runs rows.
type SQLSink struct {
	db *gorm.DB
}

type SQLSinkParams struct {
	fx.In
	DB *gorm.DB `optional:"true"`
}

func NewSQLSink(p SQLSinkParams) *SQLSink {
	if p.DB == nil {
		return nil
	}
	return &SQLSink{p.DB}
}

func (s *SQLSink) Name() string { return "sql" }

func (s *SQLSink) RecordCrash(ctx context.Context, msg types.CrashMessage) error {
	return database.AddBugs(ctx, s.db, []*database.Bug{database.NewBug(msg)})
}

func (s *SQLSink) RecordRun(ctx context.Context, msg types.RunMessage) error {
	return database.UpsertRun(ctx, s.db, database.NewRun(msg))
}

// RedisSink keeps the run status and a per-target verdict hash.
type RedisSink struct {
	client *redis.Client
}

type RedisSinkParams struct {
	fx.In
	Client *redis.Client `optional:"true"`
}

func NewRedisSink(p RedisSinkParams) *RedisSink {
	if p.Client == nil {
		return nil
	}
	return &RedisSink{p.Client}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) RecordCrash(ctx context.Context, msg types.CrashMessage) error {
	key := fmt.Sprintf(runVerdictsKey, msg.RunID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, msg.Target, msg.Verdict.String())
	pipe.Expire(ctx, key, resultTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisSink) RecordRun(ctx context.Context, msg types.RunMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, fmt.Sprintf(runStatusKey, msg.RunID), payload, resultTTL).Err()
}

// MQSink publishes reportable crashes to the triage queue.
type MQSink struct {
	mq mq.RabbitMQ
}

type MQSinkParams struct {
	fx.In
	MQ mq.RabbitMQ `optional:"true"`
}

func NewMQSink(p MQSinkParams) *MQSink {
	if p.MQ == nil {
		return nil
	}
	return &MQSink{p.MQ}
}

func (s *MQSink) Name() string { return "rabbitmq" }

func (s *MQSink) RecordCrash(ctx context.Context, msg types.CrashMessage) error {
	if !msg.Verdict.Reportable() {
		return nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.mq.Publish(ctx, mq.TriageQueue, body)
}

func (s *MQSink) RecordRun(context.Context, types.RunMessage) error { return nil }
