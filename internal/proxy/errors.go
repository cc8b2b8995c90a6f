package proxy

import "errors"

var (
	ErrProxyLoop         = errors.New("target routes back into the gateway")
	ErrUnsupportedScheme = errors.New("unsupported target scheme")
	ErrInvalidTarget     = errors.New("invalid target url")
	ErrTooManyRedirects  = errors.New("too many redirects")
)
