// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

package procinspect

import (
	"context"
	"slices"

	"github.com/shirou/gopsutil/v3/process"
)

var _ Inspector = (*PS)(nil)

// PS is the gopsutil-backed Inspector used outside of tests.
type PS struct{}

// New returns the default Inspector.
func New() *PS {
	return &PS{}
}

// Alive implements Inspector.
func (*PS) Alive(pid int) bool {
	ok, err := process.PidExists(int32(pid)) //nolint:gosec
	return err == nil && ok
}

// Descendants implements Inspector.
func (*PS) Descendants(pid int) ([]int, error) {
	p, err := process.NewProcess(int32(pid)) //nolint:gosec
	if err != nil {
		// Root is already gone, so there is nothing to walk.
		return nil, nil
	}

	var pids []int

	walk(p, &pids)

	slices.Sort(pids)

	return pids, nil
}

func walk(p *process.Process, out *[]int) {
	children, err := p.Children()
	if err != nil {
		// ErrorNoChildren or the process vanished mid-scan.
		return
	}

	for _, child := range children {
		*out = append(*out, int(child.Pid))
		walk(child, out)
	}
}

// TreeRSSBytes implements Inspector.
func (ps *PS) TreeRSSBytes(pid int) (int64, error) {
	pids, err := ps.Descendants(pid)
	if err != nil {
		return 0, err
	}

	pids = append(pids, pid)

	var total int64

	for _, member := range pids {
		p, err := process.NewProcess(int32(member)) //nolint:gosec
		if err != nil {
			continue
		}

		mem, err := p.MemoryInfo()
		if err != nil || mem == nil {
			continue
		}

		total += int64(mem.RSS) //nolint:gosec
	}

	return total, nil
}

// ProcessesWithEnv implements Inspector.
func (*PS) ProcessesWithEnv(ctx context.Context, entry string) ([]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var pids []int

	for _, p := range procs {
		env, err := p.Environ()
		if err != nil {
			continue
		}

		if slices.Contains(env, entry) {
			pids = append(pids, int(p.Pid))
		}
	}

	return pids, nil
}

// Environ implements Inspector.
func (*PS) Environ(pid int) ([]string, error) {
	p, err := process.NewProcess(int32(pid)) //nolint:gosec
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	return p.Environ() //nolint:wrapcheck
}

// ParentPID implements Inspector.
func (*PS) ParentPID(pid int) int {
	p, err := process.NewProcess(int32(pid)) //nolint:gosec
	if err != nil {
		return 0
	}

	ppid, err := p.Ppid()
	if err != nil {
		return 0
	}

	return int(ppid)
}
