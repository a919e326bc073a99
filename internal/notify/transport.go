package notify

import "context"

// Transport 通知的底层发送通道。实现需要能探测连接是否存活，断开后由 Queue 负责重连。
type Transport interface {
	Connect(ctx context.Context) error
	IsAlive(ctx context.Context) bool
	Send(ctx context.Context, to []string, subject, body string) error
	Close() error
}
