// Package utils provides shared utility functions and constants
package utils

import (
	"path"
	"strings"
)

// ContextKeyIdentity is the key used to store the verified caller in the echo context
const ContextKeyIdentity = "identity"

// ContextKeyPolicy is the key used to store the access policy snapshot in the echo context
const ContextKeyPolicy = "policy"

// ReservedPrefix marks bookkeeping objects hidden from listings
const ReservedPrefix = ".bucket."

// IsReservedKey reports whether the last segment of key carries ReservedPrefix
func IsReservedKey(key string) bool {
	return strings.HasPrefix(path.Base(strings.TrimSuffix(key, "/")), ReservedPrefix)
}
