//go:build linux

package reclaim

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// maxIovecs is UIO_MAXIOV, the per-call limit of process_madvise(2).
const maxIovecs = 1024

func platformBackends(procPath string) (ProcessSource, Pager, func() error) {
	if procPath == "" {
		procPath = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(procPath)
	return &procSource{fs: fs, err: err}, &madvisePager{fs: fs, err: err}, syncFilesystems
}

type procSource struct {
	fs  procfs.FS
	err error
}

// Processes lists every PID under procfs with its comm name
func (s *procSource) Processes() ([]Process, error) {
	if s.err != nil {
		return nil, s.err
	}

	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		name, err := p.Comm()
		if err != nil {
			// exited while listing
			continue
		}
		out = append(out, Process{PID: p.PID, Name: name})
	}
	return out, nil
}

// remoteIovec mirrors struct iovec. Addresses belong to the target process,
// so they are kept as plain integers rather than Go pointers.
type remoteIovec struct {
	base   uintptr
	length uintptr
}

// madvisePager pages out a process with process_madvise(MADV_PAGEOUT), the
// Linux counterpart of emptying a working set: resident pages are reclaimed
// now and faulted back in on demand.
type madvisePager struct {
	fs  procfs.FS
	err error
}

func (m *madvisePager) PageOut(pid int) error {
	if m.err != nil {
		return m.err
	}

	proc, err := m.fs.Proc(pid)
	if err != nil {
		return err
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return err
	}

	iovecs := pageableRegions(maps)
	if len(iovecs) == 0 {
		return errNothingToTrim
	}

	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return fmt.Errorf("pidfd_open %d: %w", pid, err)
	}
	defer unix.Close(pidfd)

	for start := 0; start < len(iovecs); start += maxIovecs {
		batch := iovecs[start:min(start+maxIovecs, len(iovecs))]
		_, _, errno := unix.Syscall6(
			unix.SYS_PROCESS_MADVISE,
			uintptr(pidfd),
			uintptr(unsafe.Pointer(&batch[0])),
			uintptr(len(batch)),
			uintptr(unix.MADV_PAGEOUT),
			0, 0,
		)
		runtime.KeepAlive(batch)
		if errno != 0 {
			return fmt.Errorf("process_madvise %d: %w", pid, errno)
		}
	}
	return nil
}

// pageableRegions keeps readable mappings and drops the kernel-provided
// special ones, which process_madvise rejects.
func pageableRegions(maps []*procfs.ProcMap) []remoteIovec {
	regions := make([]remoteIovec, 0, len(maps))
	for _, m := range maps {
		if m == nil || m.Perms == nil || !m.Perms.Read || m.EndAddr <= m.StartAddr {
			continue
		}
		switch m.Pathname {
		case "[vsyscall]", "[vvar]", "[vvar_vclock]", "[vdso]":
			continue
		}
		regions = append(regions, remoteIovec{base: m.StartAddr, length: m.EndAddr - m.StartAddr})
	}
	return regions
}

func syncFilesystems() error {
	unix.Sync()
	return nil
}
