//go:build !linux

package nfhook

import "errors"

var errUnsupported = errors.New("nfhook: only supported on linux")

// Queue is unavailable off linux; every lifecycle step fails.
type Queue struct{}

func NewQueue(Config) *Queue { return &Queue{} }

func (*Queue) Create() error  { return errUnsupported }
func (*Queue) Attach() error  { return errUnsupported }
func (*Queue) Detach() error  { return nil }
func (*Queue) Destroy() error { return nil }

func LookupInterface(string, int) (Interface, error) {
	return Interface{}, errUnsupported
}
