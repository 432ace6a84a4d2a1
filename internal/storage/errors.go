package storage

import "errors"

// ErrTooLarge はサイズ上限を超えた書き込みを表します。
var ErrTooLarge = errors.New("storage: file exceeds size limit")
