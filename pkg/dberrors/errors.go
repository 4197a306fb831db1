package dberrors

import "errors"

var (
	ErrClosed             = errors.New("lsmdb: closed")
	ErrInvalidArgument    = errors.New("lsmdb: invalid argument")
	ErrKeyContainsNewline = errors.New("lsmdb: key contains a newline byte")
	ErrMemtableBusy       = errors.New("lsmdb: memtable busy, put retry ceiling exceeded")
	ErrBadMagic           = errors.New("lsmdb: sstable magic mismatch")
)
