package cowbt

import (
	"errors"
	"fmt"
)

var (
	// ErrIO is a failed or short device read/write. Not retried here.
	ErrIO = errors.New("block io error")
	// ErrFormat means decoded content violates the block layout.
	ErrFormat = errors.New("block format error")
	// ErrIndex is an out-of-range item or child index.
	ErrIndex = errors.New("index out of range")
	// ErrInvariant is a broken cache or tree invariant. Fatal: the Root
	// refuses further mutation once one has been observed.
	ErrInvariant = errors.New("invariant violation")

	ErrNotFound     = errors.New("key not found")
	ErrExists       = errors.New("key already exists")
	ErrItemTooLarge = errors.New("item too large for a leaf")
	ErrNoSpace      = errors.New("no free block")
	ErrTxClosed     = errors.New("transaction already closed")
	ErrTxFailed     = errors.New("transaction failed, abort it")
	ErrClosed       = errors.New("root is closed")
)

// BlockError attaches the offending block number to one of the error kinds.
type BlockError struct {
	Op      string
	Blocknr uint64
	Kind    error
	Err     error
}

func (e *BlockError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s block %d: %v", e.Op, e.Blocknr, e.Kind)
	}
	return fmt.Sprintf("%s block %d: %v: %v", e.Op, e.Blocknr, e.Kind, e.Err)
}

func (e *BlockError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func ioError(op string, blocknr uint64, err error) error {
	return &BlockError{Op: op, Blocknr: blocknr, Kind: ErrIO, Err: err}
}

func formatError(blocknr uint64, format string, args ...any) error {
	return &BlockError{Op: "decode", Blocknr: blocknr, Kind: ErrFormat, Err: fmt.Errorf(format, args...)}
}

func invariantError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

func indexError(what string, idx, n int) error {
	return fmt.Errorf("%w: %s %d not in [0, %d)", ErrIndex, what, idx, n)
}
