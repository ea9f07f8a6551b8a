//go:build linux

package reclaim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcSource_ListsProcesses(t *testing.T) {
	root := t.TempDir()
	for pid, comm := range map[string]string{"1": "systemd\n", "42": "firefox\n"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, pid), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, pid, "comm"), []byte(comm), 0644))
	}
	// non-numeric entries are ignored by procfs
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sys"), 0755))

	source, _, _ := platformBackends(root)
	procs, err := source.Processes()
	require.NoError(t, err)

	assert.ElementsMatch(t, []Process{{PID: 1, Name: "systemd"}, {PID: 42, Name: "firefox"}}, procs)
}

func TestPageableRegions(t *testing.T) {
	maps := []*procfs.ProcMap{
		{StartAddr: 0x1000, EndAddr: 0x3000, Perms: &procfs.ProcMapPermissions{Read: true, Private: true}},
		{StartAddr: 0x4000, EndAddr: 0x5000, Perms: &procfs.ProcMapPermissions{Read: false}},
		{StartAddr: 0x6000, EndAddr: 0x7000, Perms: &procfs.ProcMapPermissions{Read: true}, Pathname: "[vvar]"},
		{StartAddr: 0x8000, EndAddr: 0x9000, Perms: &procfs.ProcMapPermissions{Read: true}, Pathname: "[vdso]"},
		{StartAddr: 0xa000, EndAddr: 0xa000, Perms: &procfs.ProcMapPermissions{Read: true}},
		nil,
		{StartAddr: 0xb000, EndAddr: 0xd000, Perms: &procfs.ProcMapPermissions{Read: true, Shared: true}, Pathname: "/usr/lib/libc.so.6"},
	}

	regions := pageableRegions(maps)
	require.Len(t, regions, 2)
	assert.Equal(t, remoteIovec{base: 0x1000, length: 0x2000}, regions[0])
	assert.Equal(t, remoteIovec{base: 0xb000, length: 0x2000}, regions[1])
}

func TestMadvisePager_NoMappingsIsSkip(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "7"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "7", "maps"), nil, 0644))

	_, pager, _ := platformBackends(root)
	assert.ErrorIs(t, pager.PageOut(7), errNothingToTrim)
}
