// Package mocks contains gomock mocks of the transaction layer interfaces.
package mocks

//go:generate go tool mockgen -destination=transport.go -package=mocks github.com/ghettovoice/siptx/sip Transport,DNSResolver
