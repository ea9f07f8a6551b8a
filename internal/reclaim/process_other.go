//go:build !linux

package reclaim

func platformBackends(string) (ProcessSource, Pager, func() error) {
	return unsupported{}, unsupported{}, func() error { return ErrUnsupported }
}

type unsupported struct{}

func (unsupported) Processes() ([]Process, error) { return nil, ErrUnsupported }

func (unsupported) PageOut(int) error { return ErrUnsupported }
