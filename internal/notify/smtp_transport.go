package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

const defaultSMTPTimeout = 3 * time.Second

// SMTPConfig 发信服务器配置。User 和 Password 同时设置时使用隐式 TLS 并登录。
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	User     string
	Password string
	Timeout  time.Duration
}

// SMTPTransport 基于 go-mail 的 Transport，复用同一条连接直到探测失败
type SMTPTransport struct {
	cfg    SMTPConfig
	logger *zap.Logger

	mu     sync.Mutex
	client *mail.Client
}

func NewSMTPTransport(cfg SMTPConfig, logger *zap.Logger) *SMTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	return &SMTPTransport{cfg: cfg, logger: logger}
}

func (t *SMTPTransport) secure() bool {
	return t.cfg.User != "" && t.cfg.Password != ""
}

func (t *SMTPTransport) options() []mail.Option {
	opts := []mail.Option{mail.WithTimeout(t.cfg.Timeout)}
	if t.cfg.Port > 0 {
		opts = append(opts, mail.WithPort(t.cfg.Port))
	}
	if t.secure() {
		opts = append(opts,
			mail.WithSSL(),
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(t.cfg.User),
			mail.WithPassword(t.cfg.Password))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	return opts
}

// Connect 建立新连接，旧连接直接丢弃
func (t *SMTPTransport) Connect(ctx context.Context) error {
	client, err := mail.NewClient(t.cfg.Host, t.options()...)
	if err != nil {
		return fmt.Errorf("smtp client %s: %w", t.cfg.Host, err)
	}
	if err := client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("dial smtp %s:%d: %w", t.cfg.Host, t.cfg.Port, err)
	}

	t.mu.Lock()
	old := t.client
	t.client = client
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	t.logger.Info("SMTP connection established",
		zap.String("host", t.cfg.Host),
		zap.Int("port", t.cfg.Port),
		zap.Bool("tls", t.secure()))
	return nil
}

// IsAlive 通过 RSET 探测连接
func (t *SMTPTransport) IsAlive(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return false
	}
	return t.client.Reset() == nil
}

func (t *SMTPTransport) Send(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return errors.New("no recipients")
	}
	msg, err := buildMessage(t.cfg.From, to, subject, body)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return errors.New("smtp not connected")
	}

	if err := t.client.Send(msg); err != nil {
		// 连接状态未知，下次发送前重连
		_ = t.client.Close()
		t.client = nil
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (t *SMTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// buildMessage 多个收件人时 To 头写发件人自己，收件人只出现在信封里
func buildMessage(from string, to []string, subject, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", from, err)
	}
	if len(to) == 1 {
		if err := msg.To(to[0]); err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", to[0], err)
		}
	} else {
		if err := msg.Bcc(to...); err != nil {
			return nil, fmt.Errorf("invalid recipients: %w", err)
		}
		msg.SetGenHeader(mail.Header("To"), from)
	}
	msg.Subject(subject)
	msg.SetDate()
	msg.SetMessageID()
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}
