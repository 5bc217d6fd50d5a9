//go:build !lpccandebug

package lpccan

const strictState = false
