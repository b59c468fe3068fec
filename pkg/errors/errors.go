// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeStoreDatabaseFailure Code = "store.database.failure"
	CodeStoreNotFound        Code = "store.entity.get.not_found"
	CodeStoreInvalidInput    Code = "store.invalid_input"

	CodeGateIdentityDenied Code = "gate.identity.denied"
	CodeGateInvalidInput   Code = "gate.invalid_input"

	CodeRateLimitThrottled Code = "ratelimit.admit.throttled"

	CodeSandboxPathInvalid  Code = "sandbox.path.invalid_input"
	CodeSandboxPathDenied   Code = "sandbox.path.denied"
	CodeSandboxResolveError Code = "sandbox.path.resolve.failure"

	CodeMonitorToolDenied         Code = "monitor.tool.denied"
	CodeMonitorConfirmTimeout     Code = "monitor.confirmation.timeout"
	CodeMonitorConfirmNotFound    Code = "monitor.confirmation.not_found"
	CodeMonitorInvalidInput       Code = "monitor.invalid_input"
	CodeMonitorArgumentsMalformed Code = "monitor.arguments.invalid_format"

	CodeSessionNotFound       Code = "session.get.not_found"
	CodeSessionInactive       Code = "session.status.forbidden"
	CodeSessionProcessFailure Code = "session.process.failure"
	CodeSessionStalled        Code = "session.process.timeout"
	CodeSessionSpawnFailure   Code = "session.spawn.failure"
	CodeSessionProtocolError  Code = "session.protocol.invalid_format"
	CodeSessionInvalidInput   Code = "session.invalid_input"

	CodeGatewayInvalidInput Code = "gateway.invalid_input"

	CodeSecretInvalidInput  Code = "secret.invalid_input"
	CodeSecretNotFound      Code = "secret.get.not_found"
	CodeSecretStoreFailure  Code = "secret.store.failure"
	CodeSecretDeleteFailure Code = "secret.delete.failure"
	CodeSecretListFailure   Code = "secret.list.failure"

	CodeServerRequestInvalid   Code = "server.request.invalid_input"
	CodeServerAuthUnauthorized Code = "server.auth.unauthorized"
	CodeServerEntityNotFound   Code = "server.entity.not_found"
	CodeServerStartFailure     Code = "server.start.failure"
	CodeServerShutdownFailure  Code = "server.shutdown.failure"
	CodeServerInternalFailure  Code = "server.internal.failure"

	CodeCLISetupFailure Code = "cli.setup.failure"
	CodeCLIInputInvalid Code = "cli.input.invalid_input"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldIdentity(value string) Attr {
	return Field("identity", value)
}

func FieldSessionID(value string) Attr {
	return Field("session_id", value)
}

func FieldTool(value string) Attr {
	return Field("tool", value)
}

// FieldRetryAfter records how long a throttled caller should wait before
// retrying. Read back with RetryAfter.
func FieldRetryAfter(value time.Duration) Attr {
	return Field("retry_after", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// RetryAfter extracts the retry-after hint from a throttled error.
// The second return is false when the error carries no hint.
func RetryAfter(err error) (time.Duration, bool) {
	fields := FieldsOf(err)
	if fields == nil {
		return 0, false
	}
	if d, ok := fields["retry_after"].(time.Duration); ok {
		return d, true
	}
	return 0, false
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsDenied(err error) bool {
	r := reason(CodeOf(err))
	return r == "denied" || r == "forbidden" || r == "unauthorized"
}

func IsThrottled(err error) bool {
	return reason(CodeOf(err)) == "throttled"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

// IsProcessFailure reports whether the error is fatal to its session.
func IsProcessFailure(err error) bool {
	code := CodeOf(err)
	return strings.HasPrefix(string(code), "session.process.") || code == CodeSessionProtocolError
}

// HTTPStatus maps an error to the status the ops server should return.
func HTTPStatus(err error) int {
	switch {
	case HasCode(err, CodeServerAuthUnauthorized):
		return http.StatusUnauthorized
	case IsDenied(err):
		return http.StatusForbidden
	case IsNotFound(err):
		return http.StatusNotFound
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsThrottled(err):
		return http.StatusTooManyRequests
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
