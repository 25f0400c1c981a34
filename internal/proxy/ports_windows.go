//go:build windows

package proxy

import (
	"os/exec"
	"strconv"
	"strings"
)

// pidsOnPort returns the PIDs listening on the TCP port, parsed from
// netstat -ano output (Proto Local Foreign State PID).
func pidsOnPort(port int) []int {
	out, err := exec.Command("netstat", "-ano").Output()
	if err != nil {
		return nil
	}

	needle := ":" + strconv.Itoa(port)
	seen := make(map[int]bool)
	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "LISTENING") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 || !strings.HasSuffix(fields[1], needle) {
			continue
		}
		pid, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids
}
