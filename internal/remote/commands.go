package remote

import "fmt"

// Command templates for the remote side. These are the external protocol the
// sweeper speaks: standard coreutils plus the yarn client CLI. Output parsing
// conventions live with the callers in internal/cluster.

// DiskUsageCmd returns a command printing the use% figure (e.g. "87%") of the
// filesystem containing path.
func DiskUsageCmd(path string) string {
	return fmt.Sprintf("df -P %s | awk 'NR==2 {print $5}'", path)
}

// ListDirsCmd returns a command printing the immediate entries under path,
// one per line.
func ListDirsCmd(path string) string {
	return fmt.Sprintf("ls -1 %s", path)
}

// FindAppCmd returns a command printing the id of the running application
// whose name matches pattern, or nothing if there is none.
func FindAppCmd(pattern string) string {
	return fmt.Sprintf("yarn application -list | grep %s | awk '{print $1}'", pattern)
}

// KillAppCmd returns a command killing the application with the given id.
// The yarn client reports progress on stderr at INFO level.
func KillAppCmd(appID string) string {
	return fmt.Sprintf("yarn application -kill %s", appID)
}
