package nats_client

import (
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const connectAttempts = 15

// returns a new NATS connection, retrying while the server comes up
func NewNatsConn(url, name string) (*nats.Conn, error) {
	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		nc, err = nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				zap.L().Warn("nats_disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				zap.L().Info("nats_reconnected", zap.String("url", c.ConnectedUrl()))
			}),
		)
		if err == nil {
			return nc, nil
		}
		zap.L().Info("nats_wait", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	zap.L().Error("nats_connect", zap.Error(err))
	return nil, err
}
