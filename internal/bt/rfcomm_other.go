//go:build !linux

package bt

import (
	"context"
	"io"
)

// RFCOMMDialer is only available on linux.
type RFCOMMDialer struct {
	Channel uint8
}

func (RFCOMMDialer) Dial(context.Context, Device) (io.ReadWriteCloser, error) {
	return nil, ErrUnsupported
}
