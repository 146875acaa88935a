// Package types contains generic containers shared by the sip package.
package types

// ContextKey is a type for context value keys.
type ContextKey string
