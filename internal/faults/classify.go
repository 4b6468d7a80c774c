package faults

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ProviderError is returned by channel senders when the provider answered
// with a non-success status.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Message)
}

// CodeContentTooLarge marks a provider rejection caused by oversize content.
const CodeContentTooLarge = "content_too_large"

// Classify returns err as an *Error. Already classified errors pass through
// untouched; anything else is treated as a provider failure.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return ClassifyProvider(err)
}

// ClassifyProvider maps a channel provider failure onto the taxonomy.
func ClassifyProvider(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	msg := strings.ToLower(err.Error())

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Code == CodeContentTooLarge {
			return Wrap(KindProviderRejection, "content exceeds provider limits", err)
		}
		return classifyStatus(pe.StatusCode, strings.ToLower(pe.Message+" "+pe.Code), err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindProviderTimeout, "provider request timed out", err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Wrap(KindProviderTimeout, "provider request timed out", err)
		}
		return Wrap(KindNetwork, "network failure", err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Wrap(KindNetwork, "network failure", err)
	}
	switch {
	case strings.Contains(msg, "rate limit"):
		return Wrap(KindRateLimit, "provider rate limited", err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return Wrap(KindProviderTimeout, "provider request timed out", err)
	case strings.Contains(msg, "network"), strings.Contains(msg, "econnrefused"), strings.Contains(msg, "connection refused"):
		return Wrap(KindNetwork, "network failure", err)
	}
	return Wrap(KindTransientProvider, "unrecognized provider failure", err)
}

func classifyStatus(status int, detail string, err error) *Error {
	switch {
	case status == 429:
		return Wrap(KindRateLimit, "provider rate limited", err)
	case status == 408 || status == 504 || strings.Contains(detail, "timeout"):
		return Wrap(KindProviderTimeout, "provider request timed out", err)
	case status >= 500:
		return Wrap(KindTransientProvider, "provider unavailable", err)
	case status == 413:
		return Wrap(KindProviderRejection, "content exceeds provider limits", err)
	case (status == 400 || status == 422) && isAddressFailure(detail):
		return Wrap(KindInvalidRecipient, "recipient address rejected", err)
	case status >= 400:
		return Wrap(KindProviderRejection, "provider rejected request", err)
	}
	return Wrap(KindTransientProvider, "unexpected provider status", err)
}

func isAddressFailure(detail string) bool {
	for _, marker := range []string{"email", "address", "recipient"} {
		if strings.Contains(detail, marker) {
			return true
		}
	}
	return false
}

// Postgres SQLSTATE codes the classifier distinguishes.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgNotNullViolation    = "23502"
	pgCheckViolation      = "23514"
	pgAdminShutdown       = "57P01"
	pgCrashShutdown       = "57P02"
	pgCannotConnectNow    = "57P03"
	pgTooManyConnections  = "53300"
)

// ClassifyDatabase maps a storage failure onto the taxonomy. Constraint
// violations and missing rows are permanent; connection trouble and anything
// unrecognized is retryable.
func ClassifyDatabase(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return Wrap(KindInvalidDelivery, "record not found", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgForeignKeyViolation, pgNotNullViolation, pgCheckViolation:
			return Wrap(KindInvalidDelivery, "constraint violation", err)
		case pgAdminShutdown, pgCrashShutdown, pgCannotConnectNow, pgTooManyConnections:
			return Wrap(KindDatabaseConnection, "database unavailable", err)
		}
		if strings.HasPrefix(pgErr.Code, "08") {
			return Wrap(KindDatabaseConnection, "database connection failure", err)
		}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return Wrap(KindDatabaseConnection, "database connection failure", err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Wrap(KindDatabaseConnection, "database connection failure", err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") {
		return Wrap(KindInvalidDelivery, "record not found", err)
	}
	return Wrap(KindDatabaseConnection, "unrecognized database failure", err)
}
