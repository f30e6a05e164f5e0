// Package store holds what the SQLite and MongoDB backends share.
package store

import "errors"

var ErrNotFound = errors.New("not found")
