package tailer

import (
	"os"
	"sync/atomic"
)

// maxRenamed bounds how many renamed-away files are remembered
const maxRenamed = 32

// WatchedFile is one tailed file. Only the tailer's loop reads from it.
type WatchedFile struct {
	Path string

	file *os.File

	// info identifies the open file across renames
	info os.FileInfo

	// offset is the position after the last consumed byte. It only advances.
	offset atomic.Int64

	// partial holds bytes after the last newline, carried to the next read
	partial []byte
}

// Offset returns the read position
func (wf *WatchedFile) Offset() int64 {
	return wf.offset.Load()
}

func (wf *WatchedFile) close() error {
	if wf.file == nil {
		return nil
	}
	err := wf.file.Close()
	wf.file = nil
	return err
}

// renamedFile is where reading stopped in a file that was renamed while
// tracked. If the file shows up again under a new name, tailing resumes here
// instead of replaying it from the start.
type renamedFile struct {
	path    string
	info    os.FileInfo
	offset  int64
	partial []byte
}

// renamedSet is owned by the loop goroutine
type renamedSet struct {
	files []renamedFile
}

// add remembers r and returns the entry evicted to make room, if any
func (s *renamedSet) add(r renamedFile) (renamedFile, bool) {
	s.files = append(s.files, r)
	if len(s.files) <= maxRenamed {
		return renamedFile{}, false
	}
	evicted := s.files[0]
	s.files = append(s.files[:0], s.files[1:]...)
	return evicted, true
}

// take removes and returns the entry for the same file as info
func (s *renamedSet) take(info os.FileInfo) (renamedFile, bool) {
	for i, r := range s.files {
		if os.SameFile(r.info, info) {
			s.files = append(s.files[:i], s.files[i+1:]...)
			return r, true
		}
	}
	return renamedFile{}, false
}
