package db

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind buckets a storage failure by how the caller must react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindMissingRelation means the table does not exist yet (fresh or
	// unmigrated database); credential lookups treat it as "no record".
	KindMissingRelation
	// KindConfig means the deployment is wrong: bad URL, provider, credentials or database name.
	KindConfig
	// KindUnavailable means the database could not be reached in time.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindMissingRelation:
		return "missing_relation"
	case KindConfig:
		return "config"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return "storage " + e.Kind.String() + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with its Kind. A nil err stays nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Kind: Classify(err), Err: err}
}

// KindOf returns the Kind of a wrapped or raw error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Classify(err)
}

// Classify inspects the driver's typed errors first and only falls back to
// message matching for errors that carry no type information.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, ErrUnsupportedProvider) {
		return KindConfig
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	var parseErr *pgconn.ParseConfigError
	if errors.As(err, &parseErr) {
		return KindConfig
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return KindUnavailable
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return KindUnavailable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindUnavailable
	}
	return translateMessage(err.Error())
}

func classifySQLState(code string) Kind {
	switch code {
	case "42P01", // undefined_table
		"3F000": // invalid_schema_name
		return KindMissingRelation
	case "28000", // invalid_authorization_specification
		"28P01", // invalid_password
		"3D000": // invalid_catalog_name
		return KindConfig
	case "57P01", // admin_shutdown
		"57P02", // crash_shutdown
		"57P03", // cannot_connect_now
		"53300": // too_many_connections
		return KindUnavailable
	}
	if strings.HasPrefix(code, "08") {
		return KindUnavailable
	}
	return KindUnknown
}

var messageMarkers = []struct {
	kind    Kind
	markers []string
}{
	{KindMissingRelation, []string{"no such table", "undefined_table"}},
	{KindConfig, []string{
		"cannot parse",
		"invalid connection string",
		"failed to parse",
		"password authentication failed",
		"provider",
	}},
	{KindUnavailable, []string{
		"connection refused",
		"econnrefused",
		"no such host",
		"timeout",
		"timed out",
		"connection reset",
		"the database system is starting up",
		"server closed the connection",
		"broken pipe",
	}},
}

// Only a whole missing table counts; `column "x" of relation "y" does not
// exist` is a schema mismatch, not an unmigrated database.
var missingRelationMessage = regexp.MustCompile(`(?:^|: )(?:relation|table) "[^"]+" does not exist`)

// translateMessage is the single place where error text is parsed. It only
// sees errors that carried no pgconn/net type.
func translateMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "does not exist") {
		switch {
		case missingRelationMessage.MatchString(lower):
			return KindMissingRelation
		case strings.Contains(lower, `database "`):
			return KindConfig
		}
	}
	for _, group := range messageMarkers {
		for _, marker := range group.markers {
			if strings.Contains(lower, marker) {
				return group.kind
			}
		}
	}
	return KindUnknown
}
