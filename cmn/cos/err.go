// Package cos provides common low-level types and utilities shared by every
// mesh package.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "fmt"

// Error taxonomy (spec §7). Each kind is its own type so callers can use
// errors.As instead of matching on strings.
type (
	ErrAuthentication struct {
		Reason string
	}
	ErrConnection struct {
		Node string
		Errs []error
	}
	ErrProtocol struct {
		Detail string
	}
	ErrServiceRequest struct {
		Service string
		Reason  string
	}
	ErrServiceResponse struct {
		Service string
		Message string
	}
	ErrConfiguration struct {
		Detail string
	}
)

func (e *ErrAuthentication) Error() string { return "authentication failed: " + e.Reason }

func NewErrAuthentication(reason string) *ErrAuthentication { return &ErrAuthentication{reason} }

func (e *ErrConnection) Error() string {
	return fmt.Sprintf("failed to connect to node %s: %v", e.Node, e.Errs)
}

func NewErrConnection(node string, errs ...error) *ErrConnection {
	return &ErrConnection{Node: node, Errs: errs}
}

func (e *ErrProtocol) Error() string { return "protocol violation: " + e.Detail }

func NewErrProtocol(format string, a ...any) *ErrProtocol {
	return &ErrProtocol{Detail: fmt.Sprintf(format, a...)}
}

func (e *ErrServiceRequest) Error() string {
	return fmt.Sprintf("cannot dispatch call to service=%s: %s", e.Service, e.Reason)
}

func NewErrServiceRequest(service, reason string) *ErrServiceRequest {
	return &ErrServiceRequest{Service: service, Reason: reason}
}

func (e *ErrServiceResponse) Error() string {
	return fmt.Sprintf("service=%s call failed: %s", e.Service, e.Message)
}

func NewErrServiceResponse(service, message string) *ErrServiceResponse {
	return &ErrServiceResponse{Service: service, Message: message}
}

func (e *ErrConfiguration) Error() string { return "invalid configuration: " + e.Detail }

func NewErrConfiguration(format string, a ...any) *ErrConfiguration {
	return &ErrConfiguration{Detail: fmt.Sprintf(format, a...)}
}

func IsErrAuthentication(err error) bool { _, ok := err.(*ErrAuthentication); return ok }
func IsErrConnection(err error) bool     { _, ok := err.(*ErrConnection); return ok }
func IsErrProtocol(err error) bool       { _, ok := err.(*ErrProtocol); return ok }
