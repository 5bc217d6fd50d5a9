package lpccan

import "errors"

var (
	ErrBusFault       = errors.New("lpccan: bus fault")
	ErrFrameTooLong   = errors.New("lpccan: frame too long")
	ErrInvalidMailbox = errors.New("lpccan: invalid mailbox")
	ErrTimeout        = errors.New("lpccan: timeout")
	ErrNotOperating   = errors.New("lpccan: controller not operating")
	ErrInvalidChannel = errors.New("lpccan: invalid channel")
	ErrNoHardware     = errors.New("lpccan: missing register bank")
)
