package session

import (
	"errors"
	"io/fs"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/lock"
)

// Entry describes a session directory found on disk.
type Entry struct {
	Name    string
	Dir     string
	Running bool
	PID     int
	Since   time.Time
}

// List returns the sessions under BaseDir sorted by name. A session is
// running when its lock names a live process; a lock left by a crashed
// daemon is reported as not running.
func List() ([]Entry, error) {
	dirs, err := os.ReadDir(sessionsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, d := range dirs {
		if !d.IsDir() || ValidateName(d.Name()) != nil {
			continue
		}
		e := Entry{Name: d.Name(), Dir: Dir(d.Name())}
		if info, err := lock.Read(e.Dir); err == nil && info.Acquired {
			e.PID, e.Since = info.PID, info.Since
			e.Running = alive(info.PID)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
