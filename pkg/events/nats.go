package events

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/edgeflare/tableapi/pkg/metrics"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is the first subject token when none is configured.
const DefaultSubjectPrefix = "tableapi"

var errConnNotInitialized = errors.New("NATS connection not initialized")

// NATSConfig configures NATSPublisher.
type NATSConfig struct {
	URL           string `mapstructure:"natsURL"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
	// Stream, when set, publishes through JetStream into a stream of this
	// name covering "<prefix>.>", created if missing.
	Stream   string `mapstructure:"stream"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// publisher is the part of a NATS connection or JetStream context used here.
type publisher interface {
	Publish(subject string, data []byte) error
}

type jsPublisher struct{ js nats.JetStreamContext }

func (p jsPublisher) Publish(subject string, data []byte) error {
	_, err := p.js.Publish(subject, data)
	return err
}

// NATSPublisher sends each event to "<prefix>.<table>.<op>".
type NATSPublisher struct {
	nc     *nats.Conn
	pub    publisher
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to cfg.URL. A nil logger disables logging.
func NewNATSPublisher(cfg NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.URL = cmp.Or(cfg.URL, nats.DefaultURL)
	cfg.SubjectPrefix = cmp.Or(cfg.SubjectPrefix, DefaultSubjectPrefix)

	nc, err := nats.Connect(cfg.URL, defaultOptions(cfg, logger)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}

	p := &NATSPublisher{nc: nc, pub: nc, prefix: cfg.SubjectPrefix, logger: logger}
	if cfg.Stream != "" {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		if err := ensureStream(js, cfg.Stream, p.prefix+".>", logger); err != nil {
			nc.Close()
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
		p.pub = jsPublisher{js: js}
	}
	return p, nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(event Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, event.Table, event.Op)
}

func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if p.pub == nil {
		return errConnNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.pub.Publish(p.Subject(event), data); err != nil {
		metrics.PublishErrors.WithLabelValues(event.Table).Inc()
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

func ensureStream(js nats.JetStreamManager, name, subject string, logger *zap.Logger) error {
	config := &nats.StreamConfig{
		Name:     name,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
		Replicas: 1,
	}

	info, err := js.StreamInfo(name)
	if err == nil {
		if !slices.Equal(info.Config.Subjects, config.Subjects) {
			if _, err := js.UpdateStream(config); err != nil {
				return fmt.Errorf("update stream: %w", err)
			}
			logger.Info("updated stream", zap.String("stream", name))
		}
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("get stream info: %w", err)
	}

	if _, err := js.AddStream(config); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	logger.Info("created stream", zap.String("stream", name))
	return nil
}

func defaultOptions(c NATSConfig, logger *zap.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name("tableapi"),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}
	return opts
}
