package pgx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Listen runs LISTEN on channel and delivers notifications until ctx is
// cancelled or the connection fails. Both channels are closed on return;
// the error channel receives at most one error. conn must not be used by
// anything else while listening.
func Listen(ctx context.Context, conn *pgx.Conn, channel string) (<-chan *pgconn.Notification, <-chan error) {
	notifications := make(chan *pgconn.Notification)
	errs := make(chan error, 1)

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		errs <- fmt.Errorf("listen on %s: %w", channel, err)
		close(notifications)
		close(errs)
		return notifications, errs
	}

	go func() {
		defer close(notifications)
		defer close(errs)

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					errs <- err
				}
				return
			}
			select {
			case notifications <- n:
			case <-ctx.Done():
				return
			}
		}
	}()

	return notifications, errs
}
