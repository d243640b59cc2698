package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error or a finding in the report.
type Kind string

const (
	KindCPEParse       Kind = "CPE_PARSE"
	KindCVEDownload    Kind = "CVE_DOWNLOAD"
	KindCVEIndex       Kind = "CVE_INDEX"
	KindDepMetadata    Kind = "DEP_METADATA"
	KindForgeClient    Kind = "FORGE_CLIENT"
	KindIssueReconcile Kind = "ISSUE_RECONCILE"
	KindTimeout        Kind = "TIMEOUT"
	KindCancelled      Kind = "CANCELLED"

	// findings, not operational failures
	KindCVE     Kind = "CVE"
	KindRelease Kind = "RELEASE"
)

func (k Kind) String() string {
	return string(k)
}

// IsFinding reports whether the kind describes a check result rather than a
// failure of the tool itself.
func (k Kind) IsFinding() bool {
	return k == KindCVE || k == KindRelease
}

// Error carries a Kind and, for per-dependency failures, the dependency id.
type Error struct {
	Kind  Kind
	DepID string
	Err   error
}

func (e *Error) Error() string {
	if e.DepID != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.DepID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with kind. A nil err yields nil.
func NewError(kind Kind, depID string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, DepID: depID, Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
