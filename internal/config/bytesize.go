package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize accepts plain byte counts or humanized values such as "4MiB"
// or "512 KB". An empty value decodes to zero.
type ByteSize int64

func (b *ByteSize) EnvDecode(val string) error {
	if strings.TrimSpace(val) == "" {
		*b = 0
		return nil
	}
	n, err := humanize.ParseBytes(val)
	if err != nil {
		return fmt.Errorf("parse byte size %q: %w", val, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}
