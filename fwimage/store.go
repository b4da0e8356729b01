package fwimage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrNotFound reports a firmware id with no image in the store.
var ErrNotFound = errors.New("fwimage: firmware image not found")

// Store indexes the firmware images found in a directory by firmware id.
type Store struct {
	dir string
	log *zap.Logger

	mu     sync.RWMutex
	images map[string]*Image
}

// NewStore builds an empty store over dir. Call Load to scan it.
func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{
		dir:    dir,
		log:    logger,
		images: make(map[string]*Image),
	}
}

// Load scans the directory for .hex files and indexes the ones that parse
// and carry a valid CRC. Broken files are logged and skipped; a missing
// directory is an empty store.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Info("no firmware directory", zap.String("dir", s.dir))
			return nil
		}
		return err
	}

	images := make(map[string]*Image)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".hex") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		img, err := s.loadFile(path)
		if err != nil {
			s.log.Warn("skipping firmware image", zap.String("path", path), zap.Error(err))
			continue
		}
		info, err := img.Info()
		if err != nil {
			s.log.Warn("skipping firmware image", zap.String("path", path), zap.Error(err))
			continue
		}
		images[info.FirmwareID] = img
		s.log.Info("loaded firmware image",
			zap.String("firmware_id", info.FirmwareID),
			zap.String("app", info.AppName),
			zap.String("version", info.AppVersion))
	}

	s.mu.Lock()
	s.images = images
	s.mu.Unlock()
	return nil
}

func (s *Store) loadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := ParseHex(filepath.Base(path), f)
	if err != nil {
		return nil, err
	}
	if err := img.VerifyCRC(); err != nil {
		return nil, err
	}
	return img, nil
}

// Lookup returns the image built for the given firmware id.
func (s *Store) Lookup(firmwareID string) (*Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[firmwareID]
	if !ok {
		return nil, ErrNotFound
	}
	return img, nil
}

// Infos lists the info records of every loaded image.
func (s *Store) Infos() []*Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Info
	for _, img := range s.images {
		if info, err := img.Info(); err == nil {
			out = append(out, info)
		}
	}
	return out
}
