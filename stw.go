//go:build linux

package meshheap

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// stopTheWorld suspends every OS thread in the process but the caller,
// runs fn, then resumes them. This is the Linux recipe spec's design
// notes call for in place of the original implementation's sanitizer
// runtime: walk /proc/self/task, SIGSTOP every peer thread, run the
// callback, SIGCONT them. Its contract is that no other thread of the
// process executes user code between entry and exit of fn.
func stopTheWorld(fn func()) {
	pid := unix.Getpid()
	self := unix.Gettid()

	tids, err := listTasks()
	if err != nil {
		panic(fmt.Sprintf("meshheap: stop-the-world: list tasks: %v", err))
	}

	stopped := make([]int, 0, len(tids))
	for _, tid := range tids {
		if tid == self {
			continue
		}
		if err := unix.Tgkill(pid, tid, syscall.SIGSTOP); err != nil {
			// thread may have exited between listing and signaling.
			continue
		}
		stopped = append(stopped, tid)
	}
	for _, tid := range stopped {
		waitStopped(tid)
	}

	fn()

	for _, tid := range stopped {
		_ = unix.Tgkill(pid, tid, syscall.SIGCONT)
	}
}

func listTasks() ([]int, error) {
	entries, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// waitStopped polls a thread's /proc stat entry until the kernel reports
// it as stopped (state 'T'), or the thread exits, or a short timeout
// elapses.
func waitStopped(tid int) {
	path := fmt.Sprintf("/proc/self/task/%d/stat", tid)
	for i := 0; i < 1000; i++ {
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		if threadState(data) == 'T' {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// threadState extracts the state letter from a stat line of the form
// "pid (comm) state ...". comm may itself contain spaces or parens, so
// the state field is found just after the line's last ')'.
func threadState(stat []byte) byte {
	idx := -1
	for i := len(stat) - 1; i >= 0; i-- {
		if stat[i] == ')' {
			idx = i
			break
		}
	}
	if idx < 0 || idx+2 >= len(stat) {
		return 0
	}
	return stat[idx+2]
}
