// Package persist keeps crash safe snapshots of bridge state,
// one extremofile directory per tag under common root.
package persist

import (
	"encoding"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/zlobober/qingping-cgs1/log2"
)

type Snapshot interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type file interface {
	Read() ([]byte, error)
	Write([]byte) (int, error)
}

// Slot saves and restores one Snapshot.
// Nil *Slot is valid and keeps nothing.
type Slot struct {
	mu     sync.Mutex
	log    *log2.Log
	tag    string
	target Snapshot
	file   file
}

// Open restores saved snapshot into target.
// Empty root returns nil Slot, state then lives in memory only.
func Open(log *log2.Log, root, tag string, target Snapshot) (*Slot, error) {
	if root == "" {
		log.Debugf("persist %s in memory", tag)
		return nil, nil
	}
	if target == nil {
		return nil, errors.Errorf("code error persist %s target=nil", tag)
	}
	s := &Slot{
		log:    log,
		tag:    tag,
		target: target,
		file: extremofile.New(extremofile.Config{
			Dir:        filepath.Join(root, tag),
			FilePrefix: tag + ".",
			DirPerm:    0750,
			FilePerm:   0640,
		}),
	}
	if err := s.restore(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Slot) restore() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.file.Read()
	switch {
	case extremofile.IsCorrupt(err):
		// main and backup both damaged, nothing to recover
		s.log.Errorf("persist %s corrupt, starting empty err=%v", s.tag, err)
		return nil
	case b == nil && err != nil:
		return errors.Annotatef(err, "persist %s restore", s.tag)
	case b == nil:
		s.log.Debugf("persist %s empty", s.tag)
		return nil
	case err != nil:
		s.log.Errorf("persist %s restored from backup err=%v", s.tag, err)
	}
	return errors.Annotatef(s.target.UnmarshalBinary(b), "persist %s restore", s.tag)
}

// Save writes current target state, returns after fsync.
func (s *Slot) Save() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.target.MarshalBinary()
	if err != nil {
		return errors.Annotatef(err, "persist %s save", s.tag)
	}
	tbegin := time.Now()
	if _, err = s.file.Write(b); err != nil {
		return errors.Annotatef(err, "persist %s save", s.tag)
	}
	s.log.Debugf("persist %s saved size=%d duration=%v", s.tag, len(b), time.Since(tbegin))
	return nil
}
