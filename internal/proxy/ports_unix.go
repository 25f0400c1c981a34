//go:build !windows

package proxy

import (
	"os/exec"
	"strconv"
	"strings"
)

// pidsOnPort returns the PIDs listening on the TCP port, via lsof.
// lsof exits non-zero when nothing matches; that is an empty result,
// not an error.
func pidsOnPort(port int) []int {
	out, err := exec.Command("lsof", "-ti", "tcp:"+strconv.Itoa(port)).Output()
	if err != nil {
		return nil
	}
	var pids []int
	for _, f := range strings.Fields(string(out)) {
		if pid, err := strconv.Atoi(f); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}
