package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"studychat/api/internal/chat"
)

const codeForeignKeyViolation = "23503"

// classify marks failures a client may retry as chat.ErrTransientStore:
// connection exceptions (08), transaction rollbacks such as serialization
// failures (40), insufficient resources (53) and operator intervention (57P).
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		for _, class := range []string{"08", "40", "53", "57P"} {
			if strings.HasPrefix(pgErr.Code, class) {
				return chat.Transient(err)
			}
		}
		return err
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connectErr),
		errors.As(err, &netErr),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, context.DeadlineExceeded),
		pgconn.SafeToRetry(err),
		pgconn.Timeout(err):
		return chat.Transient(err)
	}
	return err
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
