package exchange

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// Классы ошибок биржи. Клиент оборачивает конкретную ошибку одним из них.
var (
	// ErrTransient — таймауты, rate limit, 5xx: повторяем на следующем цикле.
	ErrTransient = errors.New("transient exchange error")
	// ErrPermanent — ордер не может быть принят в таком виде.
	ErrPermanent = errors.New("permanent exchange error")
	// ErrOrderNotFound — ордера уже нет (исполнен или отменён).
	ErrOrderNotFound = errors.New("order not found")
)

func Transient(err error, format string, args ...any) error {
	return errors.Wrapf(&classified{class: ErrTransient, err: err}, format, args...)
}

func Permanent(err error, format string, args ...any) error {
	return errors.Wrapf(&classified{class: ErrPermanent, err: err}, format, args...)
}

func NotFound(err error, format string, args ...any) error {
	return errors.Wrapf(&classified{class: ErrOrderNotFound, err: err}, format, args...)
}

type classified struct {
	class error
	err   error
}

func (c *classified) Error() string {
	if c.err == nil {
		return c.class.Error()
	}
	return c.class.Error() + ": " + c.err.Error()
}

func (c *classified) Is(target error) bool { return target == c.class }
func (c *classified) Unwrap() error        { return c.err }

// IsTransient — ошибка, которую нельзя трактовать как ответ биржи.
// Неклассифицированные сетевые ошибки и дедлайны тоже считаются временными.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

func IsNotFound(err error) bool { return errors.Is(err, ErrOrderNotFound) }

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, ErrOrderNotFound)
}
