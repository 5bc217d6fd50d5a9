//go:build lpccandebug

package lpccan

// strictState turns calls outside the operating state into panics.
const strictState = true
