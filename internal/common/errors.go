// Package common defines shared constants and sentinel errors used across
// the client and server layers of the tab relay. Callers should use errors.Is
// to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal = errors.New("internal error")

	// Validation errors. These never travel over the wire: the relay logs
	// them and drops the request (see the protocol error model).
	ErrorSelfFriend   = errors.New("cannot add yourself as a friend")
	ErrorNotBound     = errors.New("connection has no bound user")
	ErrorEmptyName    = errors.New("display name must not be empty")
	ErrorInvalidTab   = errors.New("tab is not an http(s) url")
	ErrorNoFriendKey  = errors.New("no cached public key for friend")
	ErrorKeystoreSeal = errors.New("keystore passphrase mismatch")
)
