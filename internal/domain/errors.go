package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Category sentinels. Use with NewSubSystemError so ErrorCodeOf can resolve
// the combination of sentinel + subsystem to a specific ErrorCode.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
	ErrStageFailed      = fmt.Errorf("workflow stage failed")
	ErrMethodNotAllowed = fmt.Errorf("method not allowed")
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound = fmt.Errorf("llm provider not found")
	ErrToolNotFound     = fmt.Errorf("tool not found")
	ErrToolFailure      = fmt.Errorf("tool execution failed")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrDecryption       = fmt.Errorf("decryption failed")
	ErrAgentStore       = fmt.Errorf("agent store operation failed")
	ErrSchemaMismatch   = fmt.Errorf("output does not match schema")
	ErrMaxIterations    = fmt.Errorf("generation reached max iterations")

	// Gateway errors.
	ErrAuthInvalid      = fmt.Errorf("authentication failed")
	ErrRateLimit        = fmt.Errorf("rate limit exceeded")
	ErrOriginNotAllowed = fmt.Errorf("origin not allowed")

	// Provider resilience errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrProviderServer  = fmt.Errorf("provider server error")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string            // operation name (e.g., "Registry.Register")
	Err       error             // underlying sentinel or wrapped error
	Detail    string            // human-readable detail
	SubSystem string            // subsystem identifier; used for ErrorCode dispatch
	Fields    map[string]string // per-field validation detail, optional
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// NewFieldError creates a subsystem error carrying per-field detail.
func NewFieldError(subsystem, op string, err error, detail string, fields map[string]string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem, Fields: fields}
}

// FieldsOf returns the per-field detail attached anywhere in err's chain.
func FieldsOf(err error) map[string]string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Fields
	}
	return nil
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrProviderServer) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ErrorCode is a stable, machine-readable error identifier exposed on the wire.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "validation_error"
	CodeInvalidDescriptor ErrorCode = "invalid_descriptor"
	CodeDuplicateAgent    ErrorCode = "duplicate_agent"
	CodeAgentNotFound     ErrorCode = "agent_not_found"
	CodeEndpointNotFound  ErrorCode = "endpoint_not_found"
	CodeToolNotFound      ErrorCode = "tool_not_found"
	CodeProviderNotFound  ErrorCode = "provider_not_found"
	CodeUnauthorized      ErrorCode = "unauthorized"
	CodeCORSRejected      ErrorCode = "cors_rejected"
	CodeRateLimit         ErrorCode = "rate_limit_exceeded"
	CodeMethodNotAllowed  ErrorCode = "method_not_allowed"
	CodeCompositionFailed ErrorCode = "composition_failed"
	CodeSynthesisFailed   ErrorCode = "synthesis_failed"
	CodeScreeningFailed   ErrorCode = "screening_failed"
	CodeRevisionFailed    ErrorCode = "revision_failed"
	CodeTimeout           ErrorCode = "timeout"
	CodeGenerationFailed  ErrorCode = "generation_failed"
	CodeSchemaMismatch    ErrorCode = "schema_mismatch"
	CodeMaxIterations     ErrorCode = "max_iterations"
	CodeAgentStore        ErrorCode = "agent_store"
	CodeConfigLoad        ErrorCode = "config_load"
	CodeDecryption        ErrorCode = "decryption"

	// Category fallbacks.
	CodeNotFound  ErrorCode = "not_found"
	CodeDuplicate ErrorCode = "duplicate"
	CodeInternal  ErrorCode = "internal_error"
)

// errorCodeMap maps sentinel errors to their codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrInvalidInput:     CodeValidation,
	ErrProviderError:    CodeGenerationFailed,
	ErrStageFailed:      CodeInternal,
	ErrMethodNotAllowed: CodeMethodNotAllowed,

	ErrProviderNotFound: CodeProviderNotFound,
	ErrToolNotFound:     CodeToolNotFound,
	ErrToolFailure:      CodeGenerationFailed,
	ErrConfigLoad:       CodeConfigLoad,
	ErrDecryption:       CodeDecryption,
	ErrAgentStore:       CodeAgentStore,
	ErrSchemaMismatch:   CodeSchemaMismatch,
	ErrMaxIterations:    CodeMaxIterations,
	ErrAuthInvalid:      CodeUnauthorized,
	ErrRateLimit:        CodeRateLimit,
	ErrOriginNotAllowed: CodeCORSRejected,
	ErrContextOverflow:  CodeGenerationFailed,
	ErrProviderServer:   CodeGenerationFailed,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent":    CodeAgentNotFound,
		"endpoint": CodeEndpointNotFound,
		"tool":     CodeToolNotFound,
		"provider": CodeProviderNotFound,
	},
	ErrDuplicate: {
		"agent": CodeDuplicateAgent,
	},
	ErrInvalidInput: {
		"agent":   CodeInvalidDescriptor,
		"request": CodeValidation,
	},
	ErrStageFailed: {
		StageCompose:    CodeCompositionFailed,
		StageSynthesize: CodeSynthesisFailed,
		StageScreen:     CodeScreeningFailed,
		StageRevise:     CodeRevisionFailed,
	},
}

// ErrorCodeOf returns the machine-readable code for err.
// Generation failures report their own code, then DomainErrors resolve
// through their subsystem, then the chain is walked for sentinels.
// Returns CodeInternal when nothing matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeInternal
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var gf *GenerationFailure
	if errors.As(err, &gf) {
		return gf.Code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeInternal || errors.Is(de.Err, ErrStageFailed) {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeInternal
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeInternal
}

// HTTPStatusOf maps an error code to the HTTP status the gateway answers with.
func HTTPStatusOf(code ErrorCode) int {
	switch code {
	case CodeValidation, CodeInvalidDescriptor:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeCORSRejected:
		return http.StatusForbidden
	case CodeAgentNotFound, CodeEndpointNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeDuplicateAgent, CodeDuplicate:
		return http.StatusConflict
	case CodeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
