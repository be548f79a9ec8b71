package ports

import (
	"context"

	"github.com/xoelrdgz/logjail/internal/domain"
)

// LineSource produces raw log lines in the order they were appended.
// It owns the read position; nothing else touches the log file.
type LineSource interface {
	Start(ctx context.Context) (<-chan string, <-chan error)
	Stop() error
}

// LineParser turns one raw line into a LogRecord.
//
// Failures MUST unwrap to domain.ErrParse.
type LineParser interface {
	Parse(line string) (*domain.LogRecord, error)
	Format() string
}
