package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"deploy-agent/internal/command"
	"deploy-agent/internal/notify"
)

var (
	errNilConn     = errors.New("nats connection not initialized")
	errNoRequester = errors.New("notification has no requester")
)

// Connect dials NATS with reconnect handling logged through logger. An
// unreachable server at startup is retried in the background.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}
	return nats.Connect(url, opts...)
}

// Dispatcher is the request router the server hands decoded requests to
type Dispatcher interface {
	Dispatch(ctx context.Context, req *command.Request) *command.Response
}

// Server answers requests addressed to the agent
type Server struct {
	nc         *nats.Conn
	topics     Topics
	dispatcher Dispatcher
	logger     *slog.Logger

	ctx context.Context
	sub *nats.Subscription
}

// NewServer creates a server for the agent identified by topics
func NewServer(nc *nats.Conn, topics Topics, dispatcher Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		nc:         nc,
		topics:     topics,
		dispatcher: dispatcher,
		logger:     logger,
		ctx:        context.Background(),
	}
}

// Start subscribes to the agent's request subjects. Requests are handled
// one at a time on the subscription goroutine.
func (s *Server) Start(ctx context.Context) error {
	if s.nc == nil {
		return errNilConn
	}
	s.ctx = ctx
	sub, err := s.nc.Subscribe(s.topics.RequestWildcard(), s.serve)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for requests", "subject", s.topics.RequestWildcard())
	return nil
}

// Stop drains the request subscription
func (s *Server) Stop() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Drain(); err != nil {
		s.logger.Warn("failed to drain request subscription", "error", err)
	}
	s.sub = nil
}

func (s *Server) serve(msg *nats.Msg) {
	reply := s.process(s.ctx, msg.Subject, msg.Data)
	if msg.Reply == "" {
		s.logger.Debug("request without reply subject", "subject", msg.Subject)
		return
	}
	if err := msg.Respond(reply); err != nil {
		s.logger.Error("failed to send reply", "subject", msg.Subject, "error", err)
	}
}

// process decodes one request, dispatches it and encodes the reply
func (s *Server) process(ctx context.Context, subject string, data []byte) []byte {
	resp := s.handle(ctx, subject, data)
	out, err := EncodeResponse(resp)
	if err != nil {
		s.logger.Error("failed to encode reply", "subject", subject, "error", err)
		out, _ = EncodeResponse(command.Fail(command.CodeError, "Unexpected error", err))
	}
	return out
}

func (s *Server) handle(ctx context.Context, subject string, data []byte) *command.Response {
	verb, resources, err := s.topics.ParseRequest(subject)
	if err != nil {
		s.logger.Warn("unroutable request", "subject", subject, "error", err)
		return command.Fail(command.CodeNotFound, "Unknown request topic", err)
	}
	req, err := DecodeRequest(verb, resources, data)
	if err != nil {
		s.logger.Warn("malformed request payload", "subject", subject, "error", err)
		return command.Fail(command.CodeBadRequest, "Malformed request payload", err)
	}
	s.logger.Debug("request received", "request_id", req.ID, "verb", verb, "resources", resources, "requester", req.RequesterClientID)
	return s.dispatcher.Dispatch(ctx, req)
}

// Conn is the part of a NATS connection the publisher needs
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends notifications to requesters. It implements
// notify.Reporter.
type Publisher struct {
	conn    Conn
	topics  Topics
	observe func(notifType string, err error)
}

// NewPublisher creates a publisher sending on conn
func NewPublisher(conn Conn, topics Topics) *Publisher {
	return &Publisher{conn: conn, topics: topics}
}

// OnPublish installs a callback told about every publish attempt
func (p *Publisher) OnPublish(f func(notifType string, err error)) {
	p.observe = f
}

// Notify publishes n on the requester's notification subject
func (p *Publisher) Notify(ctx context.Context, n *notify.Notification) error {
	err := p.publish(n)
	if p.observe != nil {
		p.observe(string(n.Type), err)
	}
	return err
}

func (p *Publisher) publish(n *notify.Notification) error {
	if p.conn == nil {
		return errNilConn
	}
	if n.RequesterClientID == "" {
		return errNoRequester
	}
	data, err := EncodeNotification(p.topics.ClientID, n)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.topics.NotifySubject(n.RequesterClientID, n.Type), data)
}

// Client sends requests to a remote agent and watches its notifications
type Client struct {
	nc        *nats.Conn
	topics    Topics
	requester string
}

// NewClient creates a client talking to the agent identified by topics on
// behalf of requester
func NewClient(nc *nats.Conn, topics Topics, requester string) *Client {
	return &Client{nc: nc, topics: topics, requester: requester}
}

// Request sends one request and waits for the reply or ctx expiry
func (c *Client) Request(ctx context.Context, verb command.Verb, resources []string, metrics map[string]any) (*command.Response, error) {
	if c.nc == nil {
		return nil, errNilConn
	}
	data, err := EncodeRequest(RequestPayload{
		RequestID:         uuid.New().String(),
		RequesterClientID: c.requester,
		Metrics:           metrics,
	})
	if err != nil {
		return nil, err
	}
	msg, err := c.nc.RequestWithContext(ctx, c.topics.RequestSubject(verb, resources), data)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(msg.Data)
}

// Watch delivers notifications addressed to the client's requester id until
// ctx is done
func (c *Client) Watch(ctx context.Context, f func(subject string, n *NotificationPayload)) error {
	if c.nc == nil {
		return errNilConn
	}
	sub, err := c.nc.Subscribe(c.topics.NotifyWildcard(c.requester), func(msg *nats.Msg) {
		n, err := DecodeNotification(msg.Data)
		if err != nil {
			return
		}
		f(msg.Subject, n)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}
