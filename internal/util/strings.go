// Package util contains small string helpers.
package util

import (
	"strings"
	"sync"
)

func UCase[T ~string](s T) T { return T(strings.ToUpper(string(s))) }

func LCase[T ~string](s T) T { return T(strings.ToLower(string(s))) }

func EqFold[T1, T2 ~string](s1 T1, s2 T2) bool {
	return strings.EqualFold(string(s1), string(s2))
}

var strBldrPool = &sync.Pool{
	New: func() any {
		sb := new(strings.Builder)
		sb.Grow(1024)
		return sb
	},
}

func GetStringBuilder() *strings.Builder {
	return strBldrPool.Get().(*strings.Builder) //nolint:forcetypeassert
}

func FreeStringBuilder(sb *strings.Builder) {
	sb.Reset()
	strBldrPool.Put(sb)
}
