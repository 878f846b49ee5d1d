package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/scanfusion/utils"
)

const (
	capturedDir     = "captured"
	registrationDir = "registration"
	recordingsDir   = "recordings"
	journalFile     = "journal.db"
	previewFile     = "preview.jpg"
)

var captureFilePattern = regexp.MustCompile(`^capture_(\d+)\.pcd$`)

// Session is one scanning session directory. It owns the capture and merge sequence counters;
// nothing else advances them.
type Session struct {
	Dir string

	nextCapture int
	nextMerge   int
}

// NewSessionName returns a sortable, unique session directory name.
func NewSessionName(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + strings.Split(uuid.NewString(), "-")[0]
}

// OpenSession creates or reopens the session directory. An empty name creates a new session
// unless resume is set, in which case the latest session under root is reopened.
func OpenSession(root, name string, resume bool, now time.Time) (*Session, error) {
	if name == "" && resume {
		latest, err := latestSession(root)
		if err != nil {
			return nil, err
		}
		name = latest
	}
	if name == "" {
		name = NewSessionName(now)
	}
	dir, err := utils.SafeJoinDir(root, name)
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{capturedDir, registrationDir, recordingsDir} {
		if err := utils.EnsureDir(filepath.Join(dir, sub)); err != nil {
			return nil, err
		}
	}
	s := &Session{Dir: dir, nextCapture: 1, nextMerge: 1}
	if err := s.scanCaptures(); err != nil {
		return nil, err
	}
	return s, nil
}

// latestSession returns the newest session directory name under root, or "" when there is none.
func latestSession(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "listing sessions in %q", root)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return names[len(names)-1], nil
}

// scanCaptures moves the capture counter past files left by an earlier run.
func (s *Session) scanCaptures() error {
	entries, err := os.ReadDir(filepath.Join(s.Dir, capturedDir))
	if err != nil {
		return err
	}
	for _, e := range entries {
		m := captureFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n >= s.nextCapture {
			s.nextCapture = n + 1
		}
	}
	return nil
}

// NextCapturePath returns a fresh file name for a captured cloud.
func (s *Session) NextCapturePath() string {
	path := filepath.Join(s.Dir, capturedDir, fmt.Sprintf("capture_%06d.pcd", s.nextCapture))
	s.nextCapture++
	return path
}

// NextMergePath returns the file name and sequence number of the next merged target.
func (s *Session) NextMergePath() (string, int) {
	seq := s.nextMerge
	s.nextMerge++
	return filepath.Join(s.Dir, registrationDir, fmt.Sprintf("merged_%06d.pcd", seq)), seq
}

// resumeMerges continues merge numbering after the last journaled sequence.
func (s *Session) resumeMerges(lastSeq int) {
	if lastSeq >= s.nextMerge {
		s.nextMerge = lastSeq + 1
	}
}

// NewRecordingPath returns a new directory for a recording.
func (s *Session) NewRecordingPath() string {
	return filepath.Join(s.Dir, recordingsDir, uuid.NewString())
}

// JournalPath is where the session journal lives.
func (s *Session) JournalPath() string {
	return filepath.Join(s.Dir, journalFile)
}

// PreviewPath is where the depth preview is written.
func (s *Session) PreviewPath() string {
	return filepath.Join(s.Dir, previewFile)
}
