package waker

import (
	"context"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const postgresChannelPrefix = "apnode_wake_"

// Postgres sends hints with NOTIFY and receives them on a dedicated LISTEN connection.
type Postgres struct {
	db     *gorm.DB
	dsn    string
	local  *Local
	logger *zap.Logger
}

func NewPostgres(db *gorm.DB, dsn string, logger *zap.Logger) *Postgres {
	return &Postgres{
		db:     db,
		dsn:    dsn,
		local:  NewLocal(),
		logger: logger,
	}
}

func (p *Postgres) Notify(ctx context.Context, queue string) {
	err := p.db.WithContext(ctx).Exec("SELECT pg_notify(?, '')", postgresChannelPrefix+queue).Error
	if err != nil {
		p.logger.Warn("failed to notify", zap.String("queue", queue), zap.Error(err))
	}
}

func (p *Postgres) Subscribe(ctx context.Context, queue string) <-chan struct{} {
	return p.local.Subscribe(ctx, queue)
}

// Listen relays notifications to subscribers until ctx is done.
func (p *Postgres) Listen(ctx context.Context, queues ...string) error {
	listener := pq.NewListener(p.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.logger.Warn("listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})

	for _, queue := range queues {
		err := listener.Listen(postgresChannelPrefix + queue)
		if err != nil {
			_ = listener.Close()
			return errors.Wrapf(err, "failed to listen on %s", queue)
		}
	}

	go func() {
		defer listener.Close()
		ticker := time.NewTicker(90 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				if n == nil {
					// reconnected; wake everyone in case something was missed
					for _, queue := range queues {
						p.local.Notify(ctx, queue)
					}
					continue
				}
				p.local.Notify(ctx, strings.TrimPrefix(n.Channel, postgresChannelPrefix))
			case <-ticker.C:
				go func() {
					_ = listener.Ping()
				}()
			}
		}
	}()

	return nil
}
